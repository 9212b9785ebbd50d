package ml

import (
	"errors"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"testing"

	"github.com/janpfeifer/must"
)

// --- Global Variables to prevent compiler optimizations ---
var resultMat *Matrix
var resultLoss float64
var resultAcc int

func testRNG() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }

func randomInput(rng *rand.Rand, rows, cols int) *Matrix {
	m := NewMatrix(rows, cols)
	for i := range m.data {
		m.data[i] = rng.Float64()
	}
	return m
}

func randomLabels(rng *rand.Rand, n, classes int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = rng.IntN(classes)
	}
	return labels
}

func smallNetwork(rng *rand.Rand) *NeuralNetwork {
	return NewNetwork(rng,
		Input(6),
		Dense(5),
		Dense(4),
		Dense(3, Activation("softmax")),
	)
}

func meanLoss(nw *NeuralNetwork, x *Matrix, labels []int) float64 {
	nw.Forward(x)
	sum, _ := nw.LossSum(labels)
	return sum / float64(len(labels))
}

// --- 1. Schedule & Metrics ---

func TestStepDecayBoundaries(t *testing.T) {
	cases := []struct {
		epoch int
		want  float64
	}{
		{1, 0.01}, {4, 0.01},
		{5, 0.001}, {9, 0.001},
		{10, 0.0001}, {14, 0.0001},
		{15, 0.00001}, {20, 0.00001},
	}
	for _, c := range cases {
		got := StepDecay(0.01, c.epoch)
		if math.Abs(got-c.want) > 1e-15 {
			t.Errorf("StepDecay(0.01, %d) = %g, want %g", c.epoch, got, c.want)
		}
		if again := StepDecay(0.01, c.epoch); again != got {
			t.Errorf("StepDecay not idempotent at epoch %d", c.epoch)
		}
	}
}

func TestAccumulator(t *testing.T) {
	var empty Accumulator
	if _, err := empty.Finalize(); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("empty accumulator: got %v, want ErrEmptyDataset", err)
	}

	var acc Accumulator
	acc.Add(1.5, 2, 2)
	acc.Add(0.5, 2, 2)
	m := must.M1(acc.Finalize())
	if m.Accuracy != 1.0 || m.Correct != 4 || m.Total != 4 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if math.Abs(m.Loss-0.5) > 1e-12 {
		t.Fatalf("loss = %g, want 0.5", m.Loss)
	}
}

// --- 2. Network ---

func TestCrossEntropyMatchesSoftmax(t *testing.T) {
	logits := []float64{1.0, -2.0, 0.5, 3.0}
	probs := NewMatrixFromSlice(1, 4, append([]float64(nil), logits...))
	SoftmaxRow(probs)
	for label := range logits {
		want := -math.Log(probs.data[label])
		if got := crossEntropy(logits, label); math.Abs(got-want) > 1e-12 {
			t.Errorf("label %d: crossEntropy = %g, want %g", label, got, want)
		}
	}
	// large logits stay finite
	if v := crossEntropy([]float64{1000, 0}, 1); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Fatalf("crossEntropy overflowed: %g", v)
	}
}

func TestComputeGradientsMatchesFiniteDifferences(t *testing.T) {
	rng := testRNG()
	nw := smallNetwork(rng)
	x := randomInput(rng, 5, 6)
	labels := randomLabels(rng, 5, 3)
	grads := NewGradients(nw)

	nw.Forward(x)
	loss, _ := nw.ComputeGradients(x, labels, grads)
	if want := meanLoss(nw, x, labels); math.Abs(loss-want) > 1e-12 {
		t.Fatalf("ComputeGradients loss %g, want %g", loss, want)
	}

	const eps = 1e-6
	check := func(name string, params, analytic []float64) {
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			up := meanLoss(nw, x, labels)
			params[i] = orig - eps
			down := meanLoss(nw, x, labels)
			params[i] = orig

			numeric := (up - down) / (2 * eps)
			if diff := math.Abs(numeric - analytic[i]); diff > 1e-5*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %g, numeric %g", name, i, analytic[i], numeric)
			}
		}
	}
	for l, layer := range nw.Layers {
		check("W"+string(rune('0'+l)), layer.Weights.data, grads[l].DW.data)
		check("b"+string(rune('0'+l)), layer.Biases.data, grads[l].DB.data)
	}
}

func TestReplaceHeadAndFreeze(t *testing.T) {
	rng := testRNG()
	nw := NewNetwork(rng, Input(8), Dense(4), Dense(1000, Activation("softmax")))
	must.M(nw.ReplaceHead(43, rng))
	if nw.Classes() != 43 || nw.InputDim() != 8 {
		t.Fatalf("got %d inputs / %d classes", nw.InputDim(), nw.Classes())
	}
	if nw.Layers[1].ActType != ActSoftmax {
		t.Fatalf("head activation = %v", nw.Layers[1].ActType)
	}
	nw.Freeze()
	if err := nw.ReplaceHead(10, rng); !errors.Is(err, ErrFrozen) {
		t.Fatalf("ReplaceHead on frozen network: got %v", err)
	}
}

func TestNewNetworkFromLayersRejectsMismatch(t *testing.T) {
	layers := []*Layer{
		{Weights: NewMatrix(4, 3), Biases: NewMatrix(1, 3), ActType: ActRelu},
		{Weights: NewMatrix(5, 2), Biases: NewMatrix(1, 2), ActType: ActSoftmax},
	}
	if _, err := NewNetworkFromLayers(layers); err == nil {
		t.Fatal("expected a dimension error")
	}
	layers[1].Weights = NewMatrix(3, 2)
	must.M1(NewNetworkFromLayers(layers))
}

func TestTopK(t *testing.T) {
	top := TopK([]float64{0.1, 0.4, 0.2, 0.3}, 2)
	if len(top) != 2 || top[0].Class != 1 || top[1].Class != 3 {
		t.Fatalf("TopK = %+v", top)
	}
	if all := TopK([]float64{0.5, 0.5}, 0); len(all) != 2 || all[0].Class != 0 {
		t.Fatalf("TopK(k=0) = %+v", all)
	}
}

// --- 3. Optimizer ---

func TestMomentumSGDUpdate(t *testing.T) {
	nw := must.M1(NewNetworkFromLayers([]*Layer{{
		Weights: NewMatrixFromSlice(1, 1, []float64{1.0}),
		Biases:  NewMatrixFromSlice(1, 1, []float64{0.0}),
		ActType: ActSoftmax,
	}}))
	const lr, mu, wd, g = 0.1, 0.9, 0.01, 0.5
	opt := NewMomentumSGD(nw, lr, mu, wd)
	grads := NewGradients(nw)

	w := 1.0
	v := 0.0
	for step := 0; step < 3; step++ {
		grads[0].DW.data[0] = g
		opt.Update(nw, grads)

		d := g + wd*w
		v = mu*v + d
		w -= lr * v
		if got := nw.Layers[0].Weights.data[0]; math.Abs(got-w) > 1e-12 {
			t.Fatalf("step %d: weight %g, want %g", step, got, w)
		}
	}
	if opt.Steps() != 3 {
		t.Fatalf("steps = %d", opt.Steps())
	}

	st := opt.State()
	st.Velocity[0].DW.data[0] = 42 // State is a copy
	if opt.velocity[0].DW.data[0] == 42 {
		t.Fatal("State shares velocity with the optimizer")
	}
	restored := NewMomentumSGD(nw, 1, 0, 0)
	must.M(restored.Restore(nw, opt.State()))
	if restored.LearningRate() != lr || restored.Steps() != 3 {
		t.Fatalf("restored lr %g steps %d", restored.LearningRate(), restored.Steps())
	}
}

// --- 4. Devices ---

func TestParallelDeviceMatchesCPU(t *testing.T) {
	rng := testRNG()
	nw := smallNetwork(rng)
	x := randomInput(rng, 11, 6)
	labels := randomLabels(rng, 11, 3)

	cpu := NewCPUDevice()
	par := NewParallelDevice(3)

	want := NewGradients(nw)
	got := NewGradients(nw)
	wantLoss := must.M1(cpu.Gradients(nw, x, labels, want))
	gotLoss := must.M1(par.Gradients(nw, x, labels, got))
	if math.Abs(wantLoss-gotLoss) > 1e-12 {
		t.Fatalf("loss: cpu %g, parallel %g", wantLoss, gotLoss)
	}
	for l := range want {
		for i := range want[l].DW.data {
			if math.Abs(want[l].DW.data[i]-got[l].DW.data[i]) > 1e-12 {
				t.Fatalf("layer %d dW[%d]: cpu %g, parallel %g", l, i, want[l].DW.data[i], got[l].DW.data[i])
			}
		}
		for i := range want[l].DB.data {
			if math.Abs(want[l].DB.data[i]-got[l].DB.data[i]) > 1e-12 {
				t.Fatalf("layer %d dB[%d]: cpu %g, parallel %g", l, i, want[l].DB.data[i], got[l].DB.data[i])
			}
		}
	}

	cpuSum, cpuHits, err := cpu.Evaluate(nw, x, labels)
	must.M(err)
	parSum, parHits, err := par.Evaluate(nw, x, labels)
	must.M(err)
	if cpuHits != parHits || math.Abs(cpuSum-parSum) > 1e-9 {
		t.Fatalf("evaluate: cpu (%g, %d), parallel (%g, %d)", cpuSum, cpuHits, parSum, parHits)
	}
}

func TestSplitRows(t *testing.T) {
	shards := splitRows(10, 3)
	sizes := []int{4, 3, 3}
	lo := 0
	for i, s := range shards {
		if s.lo != lo || s.hi-s.lo != sizes[i] {
			t.Fatalf("shard %d = %+v", i, s)
		}
		lo = s.hi
	}
	if got := splitRows(2, 8); len(got) != 2 {
		t.Fatalf("more workers than rows gave %d shards", len(got))
	}
}

func TestDeviceConvertsKernelPanics(t *testing.T) {
	rng := testRNG()
	nw := smallNetwork(rng)
	x := randomInput(rng, 2, 6)
	_, err := NewCPUDevice().Gradients(nw, x, []int{0, 99}, NewGradients(nw))
	if err == nil {
		t.Fatal("expected an error for an out of range label")
	}
}

func TestResolveDevice(t *testing.T) {
	dev := must.M1(ResolveDevice(DeviceOptions{Kind: DeviceParallel, NoAccel: true}))
	if dev.Name() != "cpu" {
		t.Fatalf("no-accel resolved to %s", dev.Name())
	}
	dev = must.M1(ResolveDevice(DeviceOptions{Kind: DeviceAuto, Workers: 1}))
	if dev.Name() != "cpu" {
		t.Fatalf("auto with one worker resolved to %s", dev.Name())
	}
	if _, err := ResolveDevice(DeviceOptions{Kind: DeviceParallel, Workers: 1}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("parallel with one worker and no fallback: got %v", err)
	}
	if _, err := ResolveDevice(DeviceOptions{Kind: "gpu"}); err == nil {
		t.Fatal("unknown device accepted")
	}
	if NewParallelDevice(3).Available() == nil {
		dev = must.M1(ResolveDevice(DeviceOptions{Kind: DeviceParallel, Workers: 3}))
		if dev.Name() != "parallel(3)" {
			t.Fatalf("explicit worker count resolved to %s", dev.Name())
		}
	}
}

// The tensor backend imports assume-no-moving-gc; releases before late 2023
// panic at init on current runtimes, which would abort this binary before any
// test ran.
func TestMovingGCGuardVersion(t *testing.T) {
	const minVersion = "v0.0.0-20231121144256-b99613f794b6"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		t.Skip("no build info")
	}
	for _, dep := range info.Deps {
		if dep.Path != "go4.org/unsafe/assume-no-moving-gc" {
			continue
		}
		if dep.Replace != nil {
			dep = dep.Replace
		}
		if dep.Version < minVersion {
			t.Fatalf("assume-no-moving-gc %s predates %s", dep.Version, minVersion)
		}
		return
	}
	t.Skip("assume-no-moving-gc not linked")
}

// --- 5. Benchmarks: Matrix Multiplication ---

// naiveMatMul is the standard O(N^3) multiplication without cache blocking.
func naiveMatMul(a, b, out *Matrix) {
	out.Reset()
	for i := 0; i < a.rows; i++ {
		for k := 0; k < a.cols; k++ {
			scalar := a.data[i*a.cols+k]
			for j := 0; j < b.cols; j++ {
				out.data[i*out.cols+j] += scalar * b.data[k*b.cols+j]
			}
		}
	}
}

func benchmarkMatMul(b *testing.B, size int, method string) {
	rng := testRNG()
	m1 := NewMatrix(size, size)
	m2 := NewMatrix(size, size)
	out := NewMatrix(size, size)

	m1.Randomize(rng)
	m2.Randomize(rng)

	b.ResetTimer()

	for n := 0; n < b.N; n++ {
		if method == "Native" {
			naiveMatMul(m1, m2, out)
		} else {
			MatMul(m1.dense, m2.dense, out)
		}
	}
	resultMat = out
}

func BenchmarkMatMul_Native_64(b *testing.B)  { benchmarkMatMul(b, 64, "Native") }
func BenchmarkMatMul_Gonum_64(b *testing.B)   { benchmarkMatMul(b, 64, "Gonum") }
func BenchmarkMatMul_Native_256(b *testing.B) { benchmarkMatMul(b, 256, "Native") }
func BenchmarkMatMul_Gonum_256(b *testing.B)  { benchmarkMatMul(b, 256, "Gonum") }

// --- 6. Benchmarks: Neural Network Operations ---

// setupNetwork prepares a 32x32 RGB traffic-sign network and buffers
func setupNetwork(batchSize int) (*NeuralNetwork, *Matrix, []int, []GradientSet) {
	rng := testRNG()
	nn := NewNetwork(rng,
		Input(3*32*32),
		Dense(256),
		Dense(43, Activation("softmax")),
	)
	nn.InitializeBuffers(batchSize)
	return nn, randomInput(rng, batchSize, 3*32*32), randomLabels(rng, batchSize, 43), NewGradients(nn)
}

func benchmarkForward(b *testing.B, batchSize int) {
	nn, input, _, _ := setupNetwork(batchSize)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		nn.Forward(input)
	}
}

func BenchmarkForward_Batch_1(b *testing.B)  { benchmarkForward(b, 1) }
func BenchmarkForward_Batch_64(b *testing.B) { benchmarkForward(b, 64) }

func benchmarkBackprop(b *testing.B, batchSize int) {
	nn, input, targets, grads := setupNetwork(batchSize)

	// Pre-warm the state with one forward pass so Z/A matrices are populated
	nn.Forward(input)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		loss, acc := nn.ComputeGradients(input, targets, grads)
		resultLoss = loss
		resultAcc = acc
	}
}

func BenchmarkBackprop_Batch_64(b *testing.B) { benchmarkBackprop(b, 64) }

func benchmarkTrainStep(b *testing.B, batchSize int, dev Device) {
	nn, input, targets, grads := setupNetwork(batchSize)
	opt := NewMomentumSGD(nn, 0.01, 0.9, 2e-4)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		loss, err := dev.Gradients(nn, input, targets, grads)
		if err != nil {
			b.Fatal(err)
		}
		opt.Update(nn, grads)
		ZeroGradients(grads)
		resultLoss = loss
	}
}

func BenchmarkTrainStep_CPU_64(b *testing.B)      { benchmarkTrainStep(b, 64, NewCPUDevice()) }
func BenchmarkTrainStep_Parallel_64(b *testing.B) { benchmarkTrainStep(b, 64, NewParallelDevice(0)) }
