package data

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Batch is a stacked group of samples in source order.
type Batch struct {
	Index  int
	Images *tensor.Dense // (N, C, H, W)
	Labels []int
}

func (b Batch) Len() int { return len(b.Labels) }

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Augment   bool
	Workers   int
	Seed      uint64
}

// Loader splits a Source into batches. Batches are prepared concurrently by
// Workers goroutines and re-sequenced so consumers always see index order.
// Shuffling and augmentation are seeded per epoch and per sample, so the output
// does not depend on worker scheduling.
type Loader struct {
	src  Source
	opts LoaderOptions
}

func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{src: src, opts: opts}, nil
}

// Len is the number of samples.
func (l *Loader) Len() int { return l.src.Len() }

func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// NumBatches counts batches including a trailing partial one.
func (l *Loader) NumBatches() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// order returns the sample order for an epoch.
func (l *Loader) order(epoch int) []int {
	n := l.src.Len()
	if !l.opts.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	rng := rand.New(rand.NewPCG(l.opts.Seed, uint64(epoch)))
	return rng.Perm(n)
}

func (l *Loader) sampleRNG(epoch, sample int) *rand.Rand {
	if !l.opts.Augment {
		return nil
	}
	return rand.New(rand.NewPCG(l.opts.Seed^uint64(epoch)*0x9e3779b97f4a7c15, uint64(sample)))
}

type batchResult struct {
	batch Batch
	err   error
}

// Batches streams the batches of one epoch. The error channel yields at most one
// error and is closed after the batch channel; read it once the batch channel is
// drained.
func (l *Loader) Batches(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)
	workers := l.opts.Workers
	numBatches := l.NumBatches()
	order := l.order(epoch)

	jobs := make(chan int)
	results := make(chan batchResult, workers)
	out := make(chan Batch, workers)
	errCh := make(chan error, 1)
	// bounds how far workers run ahead of the consumer
	tokens := make(chan struct{}, 2*workers)

	go func() {
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			select {
			case <-ctx.Done():
				return
			case tokens <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- b:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				lo := b * l.opts.BatchSize
				hi := min(lo+l.opts.BatchSize, len(order))
				batch, err := l.assemble(epoch, b, order[lo:hi])
				select {
				case <-ctx.Done():
					return
				case results <- batchResult{batch: batch, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := l.aggregate(ctx, results, out, tokens, numBatches); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (l *Loader) aggregate(ctx context.Context, results <-chan batchResult, out chan<- Batch, tokens <-chan struct{}, numBatches int) error {
	pending := make(map[int]Batch)
	next := 0
	for next < numBatches {
		if b, ok := pending[next]; ok {
			delete(pending, next)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- b:
			}
			<-tokens
			next++
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return errors.Errorf("loader stopped after %d of %d batches", next, numBatches)
			}
			if r.err != nil {
				return r.err
			}
			pending[r.batch.Index] = r.batch
		}
	}
	klog.V(2).InfoS("loader finished", "batches", numBatches)
	return nil
}

// assemble loads the samples at idx and stacks them into one (N, C, H, W) tensor.
func (l *Loader) assemble(epoch, index int, idx []int) (Batch, error) {
	labels := make([]int, len(idx))
	var (
		backing []float64
		shape   tensor.Shape
		stride  int
	)
	for k, i := range idx {
		s, err := l.src.Sample(i, l.sampleRNG(epoch, i))
		if err != nil {
			return Batch{}, errors.Wrapf(err, "sample %d", i)
		}
		values, ok := s.Image.Data().([]float64)
		if !ok {
			return Batch{}, errors.Errorf("sample %d: expected float64 image, got %v", i, s.Image.Dtype())
		}
		if k == 0 {
			shape = s.Image.Shape().Clone()
			stride = len(values)
			backing = make([]float64, len(idx)*stride)
		} else if !shape.Eq(s.Image.Shape()) {
			return Batch{}, errors.Errorf("sample %d has shape %v, batch has %v", i, s.Image.Shape(), shape)
		}
		copy(backing[k*stride:(k+1)*stride], values)
		labels[k] = s.Label
	}

	dims := append([]int{len(idx)}, shape...)
	return Batch{
		Index:  index,
		Images: tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)),
		Labels: labels,
	}, nil
}
