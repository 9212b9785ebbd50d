package trainer

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// NumClasses is the number of GTSRB traffic-sign classes.
const NumClasses = 43

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures every knob of a training run. It is built once at startup and
// passed by value.
type Config struct {
	BatchSize     int
	TestBatchSize int
	Epochs        int
	LearningRate  float64
	Momentum      float64
	WeightDecay   float64

	Device        ml.DeviceKind
	NoAccel       bool
	AllowFallback bool
	DeviceWorkers int // 0 means one per logical core

	LogInterval       int
	ModelDir          string
	SaveFreq          int
	CheckpointRetries int
	CheckpointBackoff time.Duration

	TrainDir        string
	TestDir         string
	TestAnnotations string
	ImageSize       int
	Rotation        float64
	Hidden          []int
	Pretrained      string

	Workers int
	Seed    uint64
	Resume  bool
	Ledger  string // "" means <ModelDir>/ledger.sqlite3, "none" disables
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         64,
		TestBatchSize:     64,
		Epochs:            20,
		LearningRate:      0.01,
		Momentum:          0.9,
		WeightDecay:       2e-4,
		Device:            ml.DeviceAuto,
		AllowFallback:     true,
		LogInterval:       50,
		ModelDir:          "./model-gtsrb",
		SaveFreq:          1,
		CheckpointBackoff: 500 * time.Millisecond,
		TrainDir:          "./dataset/GTSRB/Training",
		TestDir:           "./dataset/GTSRB/Final_Test",
		ImageSize:         96,
		Rotation:          15,
		Hidden:            []int{256},
		Workers:           1,
		Seed:              1,
	}
}

// Validate checks the configuration before any work starts.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	switch {
	case c.BatchSize <= 0:
		return invalid("batch-size must be > 0, got %d", c.BatchSize)
	case c.TestBatchSize <= 0:
		return invalid("test-batch-size must be > 0, got %d", c.TestBatchSize)
	case c.Epochs <= 0:
		return invalid("epochs must be > 0, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return invalid("lr must be > 0, got %g", c.LearningRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return invalid("momentum must be in [0, 1), got %g", c.Momentum)
	case c.WeightDecay < 0:
		return invalid("weight-decay must be >= 0, got %g", c.WeightDecay)
	case c.LogInterval <= 0:
		return invalid("log-interval must be > 0, got %d", c.LogInterval)
	case c.SaveFreq <= 0:
		return invalid("save-freq must be > 0, got %d", c.SaveFreq)
	case c.CheckpointRetries < 0:
		return invalid("checkpoint-retries must be >= 0, got %d", c.CheckpointRetries)
	case c.ModelDir == "":
		return invalid("model-dir must be set")
	case c.ImageSize <= 0:
		return invalid("image-size must be > 0, got %d", c.ImageSize)
	case c.Rotation < 0 || c.Rotation > 180:
		return invalid("rotation must be in [0, 180], got %g", c.Rotation)
	case c.Workers <= 0:
		return invalid("workers must be > 0, got %d", c.Workers)
	case c.DeviceWorkers < 0:
		return invalid("device-workers must be >= 0, got %d", c.DeviceWorkers)
	}
	switch c.Device {
	case ml.DeviceAuto, ml.DeviceCPU, ml.DeviceParallel:
	default:
		return invalid("device must be auto, cpu or parallel, got %q", c.Device)
	}
	for i, h := range c.Hidden {
		if h <= 0 {
			return invalid("hidden layer %d must be > 0, got %d", i, h)
		}
	}
	return nil
}

func (c Config) DeviceOptions() ml.DeviceOptions {
	return ml.DeviceOptions{
		Kind:          c.Device,
		NoAccel:       c.NoAccel,
		AllowFallback: c.AllowFallback,
		Workers:       c.DeviceWorkers,
	}
}

// LedgerPath resolves the ledger location; empty means disabled.
func (c Config) LedgerPath() string {
	switch c.Ledger {
	case "none":
		return ""
	case "":
		return filepath.Join(c.ModelDir, "ledger.sqlite3")
	}
	return c.Ledger
}

// InputDim is the flattened width of one preprocessed image.
func (c Config) InputDim() int { return 3 * c.ImageSize * c.ImageSize }
