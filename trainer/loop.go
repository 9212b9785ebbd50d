package trainer

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ledger"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// Recorder indexes epoch metrics and checkpoints outside the checkpoint files.
type Recorder interface {
	RecordEpoch(ctx context.Context, rec ledger.EpochRecord) error
	RecordCheckpoint(ctx context.Context, p checkpoint.Pair) error
}

// EpochResult is what one completed epoch produced.
type EpochResult struct {
	Epoch        int
	LearningRate float64
	Train        ml.EpochMetrics
	Test         ml.EpochMetrics
	Checkpoint   *checkpoint.Pair
}

// Loop drives training epoch by epoch:
//
//	schedule -> train -> evaluate train -> evaluate test -> checkpoint
//
// It owns the model and optimizer for the duration of Run.
type Loop struct {
	Config    Config
	Model     *ml.NeuralNetwork
	Optimizer *ml.MomentumSGD
	Device    ml.Device
	Schedule  ml.LRScheduler

	Train     BatchSource // shuffled, augmented
	EvalTrain BatchSource // same images, fixed order, no augmentation
	Test      BatchSource

	Checkpoints *checkpoint.Writer
	Reporter    Reporter
	Recorder    Recorder // optional

	// StartEpoch is the first epoch to run; 0 means 1.
	StartEpoch int

	history []EpochResult
}

// History returns the results of the epochs completed by Run.
func (l *Loop) History() []EpochResult { return l.history }

func (l *Loop) Run(ctx context.Context) error {
	if l.Model == nil || l.Optimizer == nil || l.Device == nil {
		return errors.Wrap(ErrInvalidConfig, "loop needs a model, an optimizer and a device")
	}
	splits := []struct {
		name string
		src  BatchSource
	}{{"train", l.Train}, {"eval-train", l.EvalTrain}, {"test", l.Test}}
	for _, s := range splits {
		name, src := s.name, s.src
		if src == nil {
			return errors.Wrapf(ErrInvalidConfig, "%s split is not set", name)
		}
		if src.Len() == 0 {
			return errors.Wrapf(ml.ErrEmptyDataset, "%s split", name)
		}
	}
	schedule := l.Schedule
	if schedule == nil {
		schedule = ml.DefaultMultiStepLR()
	}
	rep := l.Reporter
	if rep == nil {
		rep = nopReporter{}
	}
	start := l.StartEpoch
	if start <= 0 {
		start = 1
	}

	tr := NewTrainer(l.Device, l.Optimizer, l.Config.LogInterval, rep)
	for epoch := start; epoch <= l.Config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lr := schedule.LearningRate(epoch, l.Config.LearningRate)
		l.Optimizer.SetLearningRate(lr)
		klog.V(1).InfoS("epoch started", "epoch", epoch, "lr", lr, "schedule", schedule.Name())

		if err := tr.TrainEpoch(ctx, l.Model, epoch, l.Train); err != nil {
			return errors.WithMessagef(err, "epoch %d: training", epoch)
		}

		res := EpochResult{Epoch: epoch, LearningRate: lr}
		var err error
		if res.Train, err = Evaluate(ctx, l.Device, l.Model, l.EvalTrain); err != nil {
			return errors.WithMessagef(err, "epoch %d: evaluating train", epoch)
		}
		rep.Summary(epoch, SplitTrain, res.Train)

		if res.Test, err = Evaluate(ctx, l.Device, l.Model, l.Test); err != nil {
			return errors.WithMessagef(err, "epoch %d: evaluating test", epoch)
		}
		rep.Summary(epoch, SplitTest, res.Test)
		rep.EpochDone(epoch)

		if l.Checkpoints != nil {
			if res.Checkpoint, err = l.Checkpoints.MaybeSave(epoch, l.Model, l.Optimizer); err != nil {
				return errors.WithMessagef(err, "epoch %d: checkpointing", epoch)
			}
			if res.Checkpoint != nil {
				klog.InfoS("checkpoint saved", "epoch", epoch, "model", res.Checkpoint.ModelPath,
					"optimizer", res.Checkpoint.OptimizerPath)
			}
		}

		l.record(ctx, res)
		l.history = append(l.history, res)
	}
	return nil
}

// record writes to the ledger. Failures are logged only: the checkpoint files are
// the durable record.
func (l *Loop) record(ctx context.Context, res EpochResult) {
	if l.Recorder == nil {
		return
	}
	err := l.Recorder.RecordEpoch(ctx, ledger.EpochRecord{
		Epoch:        res.Epoch,
		LearningRate: res.LearningRate,
		Train:        res.Train,
		Test:         res.Test,
	})
	if err != nil {
		klog.ErrorS(err, "ledger write failed", "epoch", res.Epoch)
	}
	if res.Checkpoint == nil {
		return
	}
	if err := l.Recorder.RecordCheckpoint(ctx, *res.Checkpoint); err != nil {
		klog.ErrorS(err, "ledger write failed", "epoch", res.Epoch)
	}
}
