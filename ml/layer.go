package ml

import (
	"math"

	"github.com/gomlx/exceptions"
)

const (
	ActLinear ActivationType = iota
	ActRelu
	ActSoftmax
)

var activationMap = map[string]ActivationType{
	"linear":  ActLinear,
	"relu":    ActRelu,
	"softmax": ActSoftmax,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int
type LayerOption func(*LayerConfig)

func (a ActivationType) String() string {
	for name, act := range activationMap {
		if act == a {
			return name
		}
	}
	return "unknown"
}

// LayerConfig holds the blueprint for a layer
type LayerConfig struct {
	Neurons    int
	IsInput    bool
	Activation ActivationType
}

type Layer struct {
	Weights *Matrix
	Biases  *Matrix
	ActType ActivationType

	// Forward State
	Z *Matrix
	A *Matrix

	// Backward State
	dZ *Matrix
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	DW *Matrix
	DB *Matrix
}

// NewGradients allocates zeroed gradient buffers shaped like the network's parameters.
func NewGradients(nw *NeuralNetwork) []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		grads[l].DW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		grads[l].DB = NewMatrix(layer.Biases.rows, layer.Biases.cols)
	}
	return grads
}

// ZeroGradients clears accumulated gradients before the next batch.
func ZeroGradients(grads []GradientSet) {
	for _, g := range grads {
		g.DW.Reset()
		g.DB.Reset()
	}
}

// ------- LAYER CONFIG HELPERS ------- //
// Input defines the entry point dimensions
func Input(size int) LayerConfig {
	return LayerConfig{
		Neurons:    size,
		IsInput:    true,
		Activation: ActLinear,
	}
}

// Dense defines a fully connected layer.
func Dense(size int, opts ...LayerOption) LayerConfig {
	d := LayerConfig{
		Neurons:    size,
		IsInput:    false,
		Activation: ActRelu, // Default for hidden layers
	}

	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func Activation(activation string) LayerOption {
	return func(lc *LayerConfig) {
		act, exists := activationMap[activation]
		if !exists {
			exceptions.Panicf("unknown activation: %s", activation)
		}
		lc.Activation = act
	}
}

// SoftmaxRow applies softmax to each row of the matrix.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.data[i*m.cols : (i+1)*m.cols]
		maxVal := -math.MaxFloat64
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxVal)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}
