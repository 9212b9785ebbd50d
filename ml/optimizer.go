package ml

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

type Optimizer interface {
	Update(nw *NeuralNetwork, grads []GradientSet)
	SetLearningRate(lr float64)
	LearningRate() float64
}

// MomentumSGD is stochastic gradient descent with heavy-ball momentum and L2
// weight decay folded into the gradient:
//
//	d = g + wd*w
//	v = mu*v + d
//	w = w - lr*v
//
// The velocity does not depend on the learning rate, so the rate can be changed
// between epochs without rescaling state.
type MomentumSGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	steps       int
	velocity    []GradientSet
	scratch     []float64
}

// MomentumState is the serialisable state of a MomentumSGD.
type MomentumState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Steps        int
	Velocity     []GradientSet
}

func NewMomentumSGD(nw *NeuralNetwork, lr, momentum, weightDecay float64) *MomentumSGD {
	return &MomentumSGD{
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    NewGradients(nw),
	}
}

func (opt *MomentumSGD) SetLearningRate(lr float64) { opt.lr = lr }

func (opt *MomentumSGD) LearningRate() float64 { return opt.lr }

func (opt *MomentumSGD) Steps() int { return opt.steps }

func (opt *MomentumSGD) Update(nw *NeuralNetwork, grads []GradientSet) {
	apply := func(params, grad, velocity []float64) {
		if cap(opt.scratch) < len(params) {
			opt.scratch = make([]float64, len(params))
		}
		d := opt.scratch[:len(params)]
		copy(d, grad)
		if opt.weightDecay != 0 {
			floats.AddScaled(d, opt.weightDecay, params)
		}
		floats.Scale(opt.momentum, velocity)
		floats.Add(velocity, d)
		floats.AddScaled(params, -opt.lr, velocity)
	}

	for i, layer := range nw.Layers {
		apply(layer.Weights.data, grads[i].DW.data, opt.velocity[i].DW.data)
		apply(layer.Biases.data, grads[i].DB.data, opt.velocity[i].DB.data)
	}
	opt.steps++
}

// State returns a deep copy of the optimizer state.
func (opt *MomentumSGD) State() MomentumState {
	v := make([]GradientSet, len(opt.velocity))
	for i, g := range opt.velocity {
		v[i] = GradientSet{DW: g.DW.Clone(), DB: g.DB.Clone()}
	}
	return MomentumState{
		LearningRate: opt.lr,
		Momentum:     opt.momentum,
		WeightDecay:  opt.weightDecay,
		Steps:        opt.steps,
		Velocity:     v,
	}
}

// Restore loads state into opt after checking that velocity shapes match nw.
func (opt *MomentumSGD) Restore(nw *NeuralNetwork, st MomentumState) error {
	if len(st.Velocity) != len(nw.Layers) {
		return errors.Errorf("optimizer state has %d layers, network has %d", len(st.Velocity), len(nw.Layers))
	}
	for i, layer := range nw.Layers {
		wr, wc := st.Velocity[i].DW.Dims()
		br, bc := st.Velocity[i].DB.Dims()
		if wr != layer.Weights.rows || wc != layer.Weights.cols || br != layer.Biases.rows || bc != layer.Biases.cols {
			return errors.Errorf("optimizer state layer %d shape mismatch", i)
		}
	}
	opt.lr = st.LearningRate
	opt.momentum = st.Momentum
	opt.weightDecay = st.WeightDecay
	opt.steps = st.Steps
	opt.velocity = make([]GradientSet, len(st.Velocity))
	for i, g := range st.Velocity {
		opt.velocity[i] = GradientSet{DW: g.DW.Clone(), DB: g.DB.Clone()}
	}
	return nil
}
