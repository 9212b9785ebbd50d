package trainer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yyou22/Example-Repo-iTSS/data"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// BatchSource yields the batches of one dataset split in a fixed order.
type BatchSource interface {
	Len() int
	NumBatches() int
	Batches(ctx context.Context, epoch int) (<-chan data.Batch, <-chan error)
}

// Trainer runs one optimisation pass over a split.
type Trainer struct {
	Device      ml.Device
	Optimizer   ml.Optimizer
	LogInterval int
	Reporter    Reporter

	grads []ml.GradientSet
}

func NewTrainer(dev ml.Device, opt ml.Optimizer, logInterval int, rep Reporter) *Trainer {
	if rep == nil {
		rep = nopReporter{}
	}
	if logInterval <= 0 {
		logInterval = 50
	}
	return &Trainer{Device: dev, Optimizer: opt, LogInterval: logInterval, Reporter: rep}
}

func (t *Trainer) gradients(nw *ml.NeuralNetwork) []ml.GradientSet {
	if len(t.grads) == len(nw.Layers) {
		same := true
		for i, l := range nw.Layers {
			r, c := l.Weights.Dims()
			gr, gc := t.grads[i].DW.Dims()
			if r != gr || c != gc {
				same = false
				break
			}
		}
		if same {
			return t.grads
		}
	}
	t.grads = ml.NewGradients(nw)
	return t.grads
}

// TrainEpoch consumes src batch by batch in order: place on the device, compute
// the mean cross-entropy and its gradients, take one optimizer step, clear the
// gradients. Progress is reported for every batch index that is a multiple of
// LogInterval, starting with batch 0. Any device failure aborts the epoch.
func (t *Trainer) TrainEpoch(ctx context.Context, nw *ml.NeuralNetwork, epoch int, src BatchSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grads := t.gradients(nw)
	total := src.Len()
	numBatches := src.NumBatches()
	batches, errs := src.Batches(ctx, epoch)

	for batch := range batches {
		if err := t.Device.Available(); err != nil {
			return errors.Wrapf(err, "batch %d", batch.Index)
		}
		x, err := t.Device.Place(batch.Images)
		if err != nil {
			return errors.Wrapf(err, "place batch %d", batch.Index)
		}
		loss, err := t.Device.Gradients(nw, x, batch.Labels, grads)
		if err != nil {
			return errors.Wrapf(err, "batch %d", batch.Index)
		}
		t.Optimizer.Update(nw, grads)
		ml.ZeroGradients(grads)

		if batch.Index%t.LogInterval == 0 {
			t.Reporter.Progress(Progress{
				Epoch:        epoch,
				Batch:        batch.Index,
				SamplesSeen:  batch.Index * batch.Len(),
				TotalSamples: total,
				Percent:      100 * float64(batch.Index) / float64(numBatches),
				Loss:         loss,
			})
		}
	}
	if err := <-errs; err != nil {
		return errors.Wrap(err, "load batch")
	}
	return ctx.Err()
}
