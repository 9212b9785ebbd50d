package checkpoint

import (
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

var modelFileRegexp = regexp.MustCompile(`^model-epoch([0-9]+)\.ckpt$`)

// List returns the complete checkpoint pairs in dir, ordered by epoch. A missing
// directory holds no checkpoints.
func List(dir string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	var pairs []Pair
	for _, e := range entries {
		m := modelFileRegexp.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		opt := OptimizerPath(dir, epoch)
		if _, err := os.Stat(opt); err != nil {
			continue
		}
		pairs = append(pairs, Pair{Epoch: epoch, ModelPath: ModelPath(dir, epoch), OptimizerPath: opt})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Epoch < pairs[j].Epoch })
	return pairs, nil
}

// Latest returns the highest-epoch pair in dir.
func Latest(dir string) (Pair, bool, error) {
	pairs, err := List(dir)
	if err != nil || len(pairs) == 0 {
		return Pair{}, false, err
	}
	return pairs[len(pairs)-1], true, nil
}

func LoadModel(path string) (ModelState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ModelState{}, errors.Wrap(err, "load model")
	}
	st, err := DecodeModel(b)
	return st, errors.Wrap(err, path)
}

func LoadOptimizer(path string) (OptimizerState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return OptimizerState{}, errors.Wrap(err, "load optimizer")
	}
	st, err := DecodeOptimizer(b)
	return st, errors.Wrap(err, path)
}
