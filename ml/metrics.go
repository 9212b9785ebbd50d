package ml

import "github.com/pkg/errors"

// ErrEmptyDataset is returned when metrics are finalised over zero samples.
var ErrEmptyDataset = errors.New("empty dataset")

// EpochMetrics summarises one pass over a dataset split.
type EpochMetrics struct {
	Loss     float64
	Accuracy float64
	Correct  int
	Total    int
}

// Accumulator sums per-batch loss and correct counts over a dataset pass.
type Accumulator struct {
	lossSum float64
	correct int
	total   int
}

// Add records a batch: the sum (not mean) of its per-sample losses, the number of
// correct predictions and the number of samples.
func (a *Accumulator) Add(lossSum float64, correct, n int) {
	a.lossSum += lossSum
	a.correct += correct
	a.total += n
}

func (a *Accumulator) Finalize() (EpochMetrics, error) {
	if a.total == 0 {
		return EpochMetrics{}, ErrEmptyDataset
	}
	return EpochMetrics{
		Loss:     a.lossSum / float64(a.total),
		Accuracy: float64(a.correct) / float64(a.total),
		Correct:  a.correct,
		Total:    a.total,
	}, nil
}
