package trainer

import (
	"github.com/pkg/errors"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// Resumed is the state recovered from the latest checkpoint pair.
type Resumed struct {
	Epoch     int
	RunID     string
	Model     *ml.NeuralNetwork
	Optimizer *ml.MomentumSGD
}

// Resume loads the highest-epoch checkpoint pair from cfg.ModelDir. It reports
// false when the directory holds none. The optimizer keeps the momentum and weight
// decay it was saved with.
func Resume(cfg Config) (Resumed, bool, error) {
	pair, ok, err := checkpoint.Latest(cfg.ModelDir)
	if err != nil || !ok {
		return Resumed{}, false, err
	}

	model, err := checkpoint.LoadModel(pair.ModelPath)
	if err != nil {
		return Resumed{}, false, err
	}
	nw := model.Network
	if nw.Classes() != NumClasses || nw.InputDim() != cfg.InputDim() {
		return Resumed{}, false, errors.Wrapf(ErrInvalidConfig,
			"checkpoint %s has %d inputs and %d classes, want %d and %d",
			pair.ModelPath, nw.InputDim(), nw.Classes(), cfg.InputDim(), NumClasses)
	}
	nw.Freeze()

	state, err := checkpoint.LoadOptimizer(pair.OptimizerPath)
	if err != nil {
		return Resumed{}, false, err
	}
	if state.Epoch != model.Epoch {
		return Resumed{}, false, errors.Errorf("checkpoint pair for epoch %d is inconsistent: model %d, optimizer %d",
			pair.Epoch, model.Epoch, state.Epoch)
	}
	opt := NewOptimizer(cfg, nw)
	if err := opt.Restore(nw, state.MomentumState); err != nil {
		return Resumed{}, false, errors.Wrap(err, pair.OptimizerPath)
	}
	return Resumed{Epoch: pair.Epoch, RunID: model.RunID, Model: nw, Optimizer: opt}, true, nil
}
