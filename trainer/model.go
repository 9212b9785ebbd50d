package trainer

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/data"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// SourceClasses is the head width of the base network when no pretrained state
// is supplied (the ImageNet class count).
const SourceClasses = 1000

// BuildModel returns the base network with its head replaced by a fresh
// NumClasses-way softmax layer. The base is loaded from cfg.Pretrained or, when
// that is empty, initialised from cfg.Seed. The result is structurally frozen.
func BuildModel(cfg Config) (*ml.NeuralNetwork, error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))

	var base *ml.NeuralNetwork
	if cfg.Pretrained != "" {
		st, err := checkpoint.LoadModel(cfg.Pretrained)
		if err != nil {
			return nil, errors.Wrap(err, "load pretrained model")
		}
		base = st.Network
		if base.InputDim() != cfg.InputDim() {
			return nil, errors.Wrapf(ErrInvalidConfig, "pretrained model expects %d inputs, image-size %d gives %d",
				base.InputDim(), cfg.ImageSize, cfg.InputDim())
		}
		klog.InfoS("loaded pretrained base", "path", cfg.Pretrained, "params", base.NumParams())
	} else {
		configs := []ml.LayerConfig{ml.Input(cfg.InputDim())}
		for _, h := range cfg.Hidden {
			configs = append(configs, ml.Dense(h))
		}
		configs = append(configs, ml.Dense(SourceClasses, ml.Activation("softmax")))
		base = ml.NewNetwork(rng, configs...)
	}

	if err := base.ReplaceHead(NumClasses, rng); err != nil {
		return nil, err
	}
	base.Freeze()
	return base, nil
}

func NewOptimizer(cfg Config, nw *ml.NeuralNetwork) *ml.MomentumSGD {
	return ml.NewMomentumSGD(nw, cfg.LearningRate, cfg.Momentum, cfg.WeightDecay)
}

// Splits are the three views the loop consumes.
type Splits struct {
	Train     *data.Loader
	EvalTrain *data.Loader
	Test      *data.Loader
}

// OpenSplits discovers the train and test images and wraps them in loaders.
// Only the Train loader shuffles and rotates.
func OpenSplits(cfg Config) (Splits, error) {
	train, err := data.NewImageFolder(cfg.TrainDir, "", NumClasses, cfg.ImageSize, cfg.Rotation)
	if err != nil {
		return Splits{}, errors.Wrap(err, "train split")
	}
	test, err := data.NewImageFolder(cfg.TestDir, cfg.TestAnnotations, NumClasses, cfg.ImageSize, 0)
	if err != nil {
		return Splits{}, errors.Wrap(err, "test split")
	}

	var s Splits
	if s.Train, err = data.NewLoader(train, data.LoaderOptions{
		BatchSize: cfg.BatchSize, Shuffle: true, Augment: true, Workers: cfg.Workers, Seed: cfg.Seed,
	}); err != nil {
		return Splits{}, err
	}
	if s.EvalTrain, err = data.NewLoader(train, data.LoaderOptions{
		BatchSize: cfg.TestBatchSize, Workers: cfg.Workers,
	}); err != nil {
		return Splits{}, err
	}
	if s.Test, err = data.NewLoader(test, data.LoaderOptions{
		BatchSize: cfg.TestBatchSize, Workers: cfg.Workers,
	}); err != nil {
		return Splits{}, err
	}
	return s, nil
}
