package trainer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// Evaluate runs nw forward over every batch of src without touching parameters
// or optimizer state. src must not shuffle or augment, which makes the result a
// pure function of the parameters and the data.
func Evaluate(ctx context.Context, dev ml.Device, nw *ml.NeuralNetwork, src BatchSource) (ml.EpochMetrics, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var acc ml.Accumulator
	batches, errs := src.Batches(ctx, 0)
	for batch := range batches {
		if err := dev.Available(); err != nil {
			return ml.EpochMetrics{}, errors.Wrapf(err, "batch %d", batch.Index)
		}
		x, err := dev.Place(batch.Images)
		if err != nil {
			return ml.EpochMetrics{}, errors.Wrapf(err, "place batch %d", batch.Index)
		}
		lossSum, correct, err := dev.Evaluate(nw, x, batch.Labels)
		if err != nil {
			return ml.EpochMetrics{}, errors.Wrapf(err, "batch %d", batch.Index)
		}
		acc.Add(lossSum, correct, batch.Len())
	}
	if err := <-errs; err != nil {
		return ml.EpochMetrics{}, errors.Wrap(err, "load batch")
	}
	if err := ctx.Err(); err != nil {
		return ml.EpochMetrics{}, err
	}
	return acc.Finalize()
}
