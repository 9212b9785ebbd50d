package ml

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

type DeviceKind string

const (
	DeviceAuto     DeviceKind = "auto"
	DeviceCPU      DeviceKind = "cpu"
	DeviceParallel DeviceKind = "parallel"
)

// ErrDeviceUnavailable reports that a compute device is absent or stopped working.
var ErrDeviceUnavailable = errors.New("compute device unavailable")

// Device is the compute backend the trainer and evaluator run batches on. A
// device is resolved once at startup and used from a single goroutine.
type Device interface {
	Name() string
	// Available reports whether the device can still run work.
	Available() error
	// Place turns an (N, ...) image tensor into an N-row input matrix.
	Place(images tensor.Tensor) (*Matrix, error)
	// Gradients runs forward and backward passes and writes the gradients of the
	// mean cross-entropy into grads. It returns the mean loss.
	Gradients(nw *NeuralNetwork, x *Matrix, labels []int, grads []GradientSet) (float64, error)
	// Evaluate runs a forward pass only and returns the summed loss and the
	// number of correct predictions.
	Evaluate(nw *NeuralNetwork, x *Matrix, labels []int) (float64, int, error)
}

// DeviceOptions selects a device at startup.
type DeviceOptions struct {
	Kind          DeviceKind
	NoAccel       bool
	AllowFallback bool
	Workers       int
}

// ResolveDevice picks the compute device once. Auto prefers the parallel device
// and falls back to cpu; an explicit parallel request falls back only when
// AllowFallback is set.
func ResolveDevice(opts DeviceOptions) (Device, error) {
	if opts.Kind == "" {
		opts.Kind = DeviceAuto
	}
	switch opts.Kind {
	case DeviceAuto, DeviceCPU, DeviceParallel:
	default:
		return nil, errors.Errorf("unknown device %q", opts.Kind)
	}
	if opts.NoAccel || opts.Kind == DeviceCPU {
		return NewCPUDevice(), nil
	}

	par := NewParallelDevice(opts.Workers)
	err := par.Available()
	if err == nil {
		return par, nil
	}
	if opts.Kind == DeviceAuto || opts.AllowFallback {
		klog.V(1).InfoS("parallel device unavailable, using cpu", "reason", err)
		return NewCPUDevice(), nil
	}
	return nil, err
}

// DescribeHost summarises the processor for startup logs.
func DescribeHost() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, avx2=%t fma3=%t asimd=%t)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.FMA3), cpuid.CPU.Supports(cpuid.ASIMD))
}

func simdSupported() bool {
	return cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) || cpuid.CPU.Supports(cpuid.ASIMD)
}

// guard converts a panic raised inside numeric kernels into an error.
func guard(fn func()) error {
	if err := exceptions.TryCatch[error](fn); err != nil {
		return errors.Wrap(err, "compute kernel failed")
	}
	return nil
}

func placeTensor(images tensor.Tensor) (*Matrix, error) {
	shape := images.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("expected a batched tensor, got shape %v", shape)
	}
	backing, ok := images.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("expected float64 tensor, got %v", images.Dtype())
	}
	rows := shape[0]
	cols := 1
	for _, d := range shape[1:] {
		cols *= d
	}
	if rows == 0 || len(backing) != rows*cols {
		return nil, errors.Errorf("tensor of shape %v holds %d values", shape, len(backing))
	}
	return NewMatrixFromSlice(rows, cols, backing), nil
}

// -------- CPU DEVICE -------- //
type cpuDevice struct{}

func NewCPUDevice() Device { return cpuDevice{} }

func (cpuDevice) Name() string { return string(DeviceCPU) }

func (cpuDevice) Available() error { return nil }

func (cpuDevice) Place(images tensor.Tensor) (*Matrix, error) { return placeTensor(images) }

func (cpuDevice) Gradients(nw *NeuralNetwork, x *Matrix, labels []int, grads []GradientSet) (loss float64, err error) {
	err = guard(func() {
		nw.Forward(x)
		loss, _ = nw.ComputeGradients(x, labels, grads)
	})
	return loss, err
}

func (cpuDevice) Evaluate(nw *NeuralNetwork, x *Matrix, labels []int) (lossSum float64, correct int, err error) {
	err = guard(func() {
		nw.Forward(x)
		lossSum, correct = nw.LossSum(labels)
	})
	return lossSum, correct, err
}

// -------- PARALLEL DEVICE -------- //

// ParallelDevice shards each batch across worker clones of the network that share
// its parameters, then joins and aggregates before returning. Shard gradients are
// weighted by shard size so the result equals the full-batch mean.
type ParallelDevice struct {
	workers int

	clones []*NeuralNetwork
	grads  [][]GradientSet
}

func NewParallelDevice(workers int) *ParallelDevice {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ParallelDevice{workers: workers}
}

func (d *ParallelDevice) Name() string {
	return fmt.Sprintf("%s(%d)", DeviceParallel, d.workers)
}

func (d *ParallelDevice) Available() error {
	if d.workers < 2 || runtime.NumCPU() < 2 {
		return errors.Wrapf(ErrDeviceUnavailable, "parallel device needs at least 2 cores and workers (cores=%d workers=%d)",
			runtime.NumCPU(), d.workers)
	}
	if !simdSupported() {
		return errors.Wrap(ErrDeviceUnavailable, "parallel device needs AVX2+FMA3 or ASIMD")
	}
	return nil
}

func (d *ParallelDevice) Place(images tensor.Tensor) (*Matrix, error) { return placeTensor(images) }

// prepare (re)builds worker clones when nw's parameters are not the ones the
// clones point at.
func (d *ParallelDevice) prepare(nw *NeuralNetwork) {
	if len(d.clones) == d.workers && sharesParams(nw, d.clones[0]) {
		return
	}
	d.clones = make([]*NeuralNetwork, d.workers)
	d.grads = make([][]GradientSet, d.workers)
	for i := range d.clones {
		d.clones[i] = nw.CloneStructure()
		d.grads[i] = NewGradients(nw)
	}
	klog.V(1).InfoS("initialised parallel workers", "workers", d.workers)
}

func sharesParams(a, b *NeuralNetwork) bool {
	if len(a.Layers) != len(b.Layers) {
		return false
	}
	for i := range a.Layers {
		if a.Layers[i].Weights != b.Layers[i].Weights || a.Layers[i].Biases != b.Layers[i].Biases {
			return false
		}
	}
	return true
}

type shard struct{ lo, hi int }

func splitRows(n, workers int) []shard {
	if workers > n {
		workers = n
	}
	base, rem := n/workers, n%workers
	out := make([]shard, workers)
	lo := 0
	for i := range out {
		size := base
		if i < rem {
			size++
		}
		out[i] = shard{lo: lo, hi: lo + size}
		lo += size
	}
	return out
}

// run executes fn once per shard concurrently and returns the first error in
// shard order.
func (d *ParallelDevice) run(shards []shard, fn func(worker int, s shard)) error {
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	wg.Add(len(shards))
	for w, s := range shards {
		go func(w int, s shard) {
			defer wg.Done()
			errs[w] = guard(func() { fn(w, s) })
		}(w, s)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *ParallelDevice) Gradients(nw *NeuralNetwork, x *Matrix, labels []int, grads []GradientSet) (float64, error) {
	d.prepare(nw)
	shards := splitRows(x.rows, d.workers)
	losses := make([]float64, len(shards))

	err := d.run(shards, func(w int, s shard) {
		xs := x.Rows(s.lo, s.hi)
		d.clones[w].Forward(xs)
		losses[w], _ = d.clones[w].ComputeGradients(xs, labels[s.lo:s.hi], d.grads[w])
	})
	if err != nil {
		return 0, err
	}

	total := float64(x.rows)
	loss := 0.0
	for l := range grads {
		grads[l].DW.Reset()
		grads[l].DB.Reset()
	}
	for w, s := range shards {
		weight := float64(s.hi-s.lo) / total
		loss += weight * losses[w]
		for l := range grads {
			floats.AddScaled(grads[l].DW.data, weight, d.grads[w][l].DW.data)
			floats.AddScaled(grads[l].DB.data, weight, d.grads[w][l].DB.data)
		}
	}
	return loss, nil
}

func (d *ParallelDevice) Evaluate(nw *NeuralNetwork, x *Matrix, labels []int) (float64, int, error) {
	d.prepare(nw)
	shards := splitRows(x.rows, d.workers)
	sums := make([]float64, len(shards))
	hits := make([]int, len(shards))

	err := d.run(shards, func(w int, s shard) {
		xs := x.Rows(s.lo, s.hi)
		d.clones[w].Forward(xs)
		sums[w], hits[w] = d.clones[w].LossSum(labels[s.lo:s.hi])
	})
	if err != nil {
		return 0, 0, err
	}

	lossSum, correct := 0.0, 0
	for w := range shards {
		lossSum += sums[w]
		correct += hits[w]
	}
	return lossSum, correct, nil
}
