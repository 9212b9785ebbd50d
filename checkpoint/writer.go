package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// ErrStorage reports that a checkpoint could not be persisted.
var ErrStorage = errors.New("checkpoint storage failure")

var errExists = errors.New("checkpoint already exists")

func ModelPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("model-epoch%d.ckpt", epoch))
}

func OptimizerPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("opt-checkpoint_epoch%d.ckpt", epoch))
}

// StateSource is an optimizer whose state can be checkpointed.
type StateSource interface {
	State() ml.MomentumState
}

// Pair names the two files written for one epoch.
type Pair struct {
	Epoch         int
	ModelPath     string
	OptimizerPath string
}

type WriterConfig struct {
	Dir     string
	Every   int // save when epoch % Every == 0
	Retries int // extra attempts after a failed write
	Backoff time.Duration
	RunID   string
}

// Writer persists model and optimizer state on a fixed epoch cadence. Existing
// checkpoint files are never overwritten.
type Writer struct {
	cfg   WriterConfig
	sleep func(time.Duration)
}

// NewWriter creates the checkpoint directory (recursively) if needed.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Every <= 0 {
		return nil, errors.Errorf("checkpoint: save frequency must be > 0, got %d", cfg.Every)
	}
	if cfg.Retries < 0 {
		return nil, errors.Errorf("checkpoint: retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(ErrStorage, "create %s: %v", cfg.Dir, err)
	}
	return &Writer{cfg: cfg, sleep: time.Sleep}, nil
}

func (w *Writer) Dir() string { return w.cfg.Dir }

// Due reports whether epoch falls on the save cadence.
func (w *Writer) Due(epoch int) bool { return epoch%w.cfg.Every == 0 }

// MaybeSave writes the checkpoint pair for epoch when it is due. It returns nil
// and no error when nothing was due.
func (w *Writer) MaybeSave(epoch int, nw *ml.NeuralNetwork, opt StateSource) (*Pair, error) {
	if !w.Due(epoch) {
		return nil, nil
	}
	pair := &Pair{
		Epoch:         epoch,
		ModelPath:     ModelPath(w.cfg.Dir, epoch),
		OptimizerPath: OptimizerPath(w.cfg.Dir, epoch),
	}
	model := EncodeModel(epoch, w.cfg.RunID, nw)
	state := EncodeOptimizer(epoch, w.cfg.RunID, opt.State())

	var err error
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := w.cfg.Backoff << (attempt - 1)
			klog.Warningf("checkpoint epoch %d failed (attempt %d/%d), retrying in %s: %v",
				epoch, attempt, w.cfg.Retries+1, delay, err)
			w.sleep(delay)
		}
		err = w.writePair(pair, model, state)
		if err == nil || errors.Is(err, errExists) {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrStorage, "epoch %d: %v", epoch, err)
	}
	return pair, nil
}

func (w *Writer) writePair(p *Pair, model, state []byte) error {
	for _, path := range []string{p.ModelPath, p.OptimizerPath} {
		if _, err := os.Lstat(path); err == nil {
			return errors.Wrap(errExists, path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if err := writeFile(w.cfg.Dir, p.ModelPath, model); err != nil {
		return err
	}
	if err := writeFile(w.cfg.Dir, p.OptimizerPath, state); err != nil {
		// keep pairs whole
		os.Remove(p.ModelPath)
		return err
	}
	return nil
}

// writeFile writes data to a temp file in dir and renames it into place.
func writeFile(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
