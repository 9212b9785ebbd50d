package ml

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrFrozen is returned when the structure of a frozen network is modified.
var ErrFrozen = errors.New("network structure is frozen")

type NeuralNetwork struct {
	Layers []*Layer

	batch  int // rows the Z/A/dZ buffers are sized for
	frozen bool
}

// Neural Network Builder
func NewNetwork(rng *rand.Rand, configs ...LayerConfig) *NeuralNetwork {
	if len(configs) < 2 {
		exceptions.Panicf("network must have at least Input and one output layer")
	}
	if !configs[0].IsInput {
		exceptions.Panicf("first layer must be Input()")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	nn := &NeuralNetwork{}
	prevOutputSize := configs[0].Neurons

	for i := 1; i < len(configs); i++ {
		cfg := configs[i]
		if cfg.Neurons <= 0 {
			exceptions.Panicf("layer %d must have a positive width, got %d", i, cfg.Neurons)
		}
		layer := &Layer{
			Weights: NewMatrix(prevOutputSize, cfg.Neurons),
			Biases:  NewMatrix(1, cfg.Neurons),
			ActType: cfg.Activation,
		}
		layer.Weights.Randomize(rng)

		nn.Layers = append(nn.Layers, layer)
		prevOutputSize = cfg.Neurons
	}

	return nn
}

// NewNetworkFromLayers assembles a network from decoded parameters, checking that
// consecutive layers agree on their dimensions.
func NewNetworkFromLayers(layers []*Layer) (*NeuralNetwork, error) {
	if len(layers) == 0 {
		return nil, errors.New("network has no layers")
	}
	for i, l := range layers {
		if l.Weights == nil || l.Biases == nil {
			return nil, errors.Errorf("layer %d is missing parameters", i)
		}
		if l.Biases.rows != 1 || l.Biases.cols != l.Weights.cols {
			return nil, errors.Errorf("layer %d bias shape [%d, %d] does not match weights [%d, %d]",
				i, l.Biases.rows, l.Biases.cols, l.Weights.rows, l.Weights.cols)
		}
		if i > 0 && layers[i-1].Weights.cols != l.Weights.rows {
			return nil, errors.Errorf("layer %d expects %d inputs, previous layer produces %d",
				i, l.Weights.rows, layers[i-1].Weights.cols)
		}
	}
	if layers[len(layers)-1].ActType != ActSoftmax {
		return nil, errors.New("output layer must be softmax")
	}
	return &NeuralNetwork{Layers: layers}, nil
}

// -------- NEURAL NETWORK METHODS -------- //
func (nw *NeuralNetwork) InputDim() int { return nw.Layers[0].Weights.rows }

func (nw *NeuralNetwork) Classes() int { return nw.Layers[len(nw.Layers)-1].Weights.cols }

func (nw *NeuralNetwork) NumParams() int {
	n := 0
	for _, l := range nw.Layers {
		n += len(l.Weights.data) + len(l.Biases.data)
	}
	return n
}

// ReplaceHead swaps the final layer for a freshly initialised softmax layer with
// the given number of classes. The input width of the head is preserved.
func (nw *NeuralNetwork) ReplaceHead(classes int, rng *rand.Rand) error {
	if nw.frozen {
		return ErrFrozen
	}
	if classes <= 0 {
		return errors.Errorf("head must have a positive class count, got %d", classes)
	}
	last := len(nw.Layers) - 1
	fanIn := nw.Layers[last].Weights.rows
	head := &Layer{
		Weights: NewMatrix(fanIn, classes),
		Biases:  NewMatrix(1, classes),
		ActType: ActSoftmax,
	}
	head.Weights.Randomize(rng)
	nw.Layers[last] = head
	nw.batch = 0
	return nil
}

// Freeze locks the layer structure; parameters stay trainable.
func (nw *NeuralNetwork) Freeze() { nw.frozen = true }

func (nw *NeuralNetwork) Frozen() bool { return nw.frozen }

// InitializeBuffers sizes the forward/backward buffers for a batch of n rows.
func (nw *NeuralNetwork) InitializeBuffers(batchSize int) {
	for _, layer := range nw.Layers {
		outputDim := layer.Weights.cols
		layer.Z = NewMatrix(batchSize, outputDim)
		layer.A = NewMatrix(batchSize, outputDim)
		layer.dZ = NewMatrix(batchSize, outputDim)
	}
	nw.batch = batchSize
}

// CloneStructure returns a network sharing parameters with nw but owning its
// own buffers, so clones can run forward/backward concurrently.
func (nw *NeuralNetwork) CloneStructure() *NeuralNetwork {
	newNN := &NeuralNetwork{
		Layers: make([]*Layer, len(nw.Layers)),
		frozen: nw.frozen,
	}
	for i, l := range nw.Layers {
		newNN.Layers[i] = &Layer{
			Weights: l.Weights,
			Biases:  l.Biases,
			ActType: l.ActType,
		}
	}
	return newNN
}

func (nw *NeuralNetwork) Forward(input *Matrix) {
	if input.cols != nw.InputDim() {
		exceptions.Panicf("input width %d does not match network input %d", input.cols, nw.InputDim())
	}
	if nw.batch != input.rows {
		nw.InitializeBuffers(input.rows)
	}

	activation := input
	for _, layer := range nw.Layers {
		MatMul(activation.dense, layer.Weights.dense, layer.Z)
		layer.Z.AddVector(layer.Biases)
		copy(layer.A.data, layer.Z.data)

		switch layer.ActType {
		case ActSoftmax:
			SoftmaxRow(layer.A)
		case ActRelu:
			layer.A.ApplyRelu()
		case ActLinear:
		default:
			exceptions.Panicf("unknown activation type %d", layer.ActType)
		}
		activation = layer.A
	}
}

// LossSum returns the summed cross-entropy and the number of argmax hits of the
// last forward pass against labels.
func (nw *NeuralNetwork) LossSum(labels []int) (float64, int) {
	last := nw.Layers[len(nw.Layers)-1]
	if len(labels) != last.Z.rows {
		exceptions.Panicf("got %d labels for a batch of %d", len(labels), last.Z.rows)
	}
	cols := last.Z.cols
	totalLoss := 0.0
	correct := 0
	for i, label := range labels {
		if label < 0 || label >= cols {
			exceptions.Panicf("label %d out of range [0, %d)", label, cols)
		}
		logits := last.Z.data[i*cols : (i+1)*cols]
		totalLoss += crossEntropy(logits, label)
		if floats.MaxIdx(last.A.data[i*cols:(i+1)*cols]) == label {
			correct++
		}
	}
	return totalLoss, correct
}

// crossEntropy computes -log softmax(logits)[label] without forming probabilities.
func crossEntropy(logits []float64, label int) float64 {
	maxVal := floats.Max(logits)
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - maxVal)
	}
	return math.Log(sum) + maxVal - logits[label]
}

// ComputeGradients backpropagates the mean cross-entropy of the last forward
// pass into grads and returns the mean loss and the correct count.
func (nw *NeuralNetwork) ComputeGradients(input *Matrix, labels []int, grads []GradientSet) (float64, int) {
	lossSum, correct := nw.LossSum(labels)

	batchSize := float64(input.rows)
	scale := 1.0 / batchSize

	lastLayerIdx := len(nw.Layers) - 1
	lastLayer := nw.Layers[lastLayerIdx]
	if lastLayer.ActType != ActSoftmax {
		exceptions.Panicf("only a softmax output layer is supported")
	}

	// 1. Output Error (Softmax + CrossEntropy)
	copy(lastLayer.dZ.data, lastLayer.A.data)
	for i, classLabel := range labels {
		lastLayer.dZ.data[i*lastLayer.dZ.cols+classLabel] -= 1.0
	}

	// 2. Backprop Loop
	for i := lastLayerIdx; i >= 0; i-- {
		layer := nw.Layers[i]

		var aPrev mat.Matrix
		if i == 0 {
			aPrev = input.dense
		} else {
			aPrev = nw.Layers[i-1].A.dense
		}

		MatMul(aPrev.T(), layer.dZ.dense, grads[i].DW)

		grads[i].DB.Reset()
		dZData := layer.dZ.data
		cols := layer.dZ.cols
		for r := 0; r < layer.dZ.rows; r++ {
			floats.Add(grads[i].DB.data, dZData[r*cols:(r+1)*cols])
		}

		floats.Scale(scale, grads[i].DW.data)
		floats.Scale(scale, grads[i].DB.data)

		if i > 0 {
			prevLayer := nw.Layers[i-1]
			MatMul(layer.dZ.dense, layer.Weights.dense.T(), prevLayer.dZ)

			if prevLayer.ActType == ActRelu {
				zData := prevLayer.Z.data
				dZPrevData := prevLayer.dZ.data
				for k := range dZPrevData {
					if zData[k] <= 0 {
						dZPrevData[k] = 0
					}
				}
			}
		}
	}
	return lossSum * scale, correct
}

// Predict takes a flattened image, passes it through the network and returns the
// best class with its probability.
func (nw *NeuralNetwork) Predict(inputData []float64) (int, float64) {
	inputMat := NewMatrixFromSlice(1, len(inputData), inputData)
	nw.Forward(inputMat)

	probabilities := nw.Layers[len(nw.Layers)-1].A.data
	bestClass := floats.MaxIdx(probabilities)
	return bestClass, probabilities[bestClass]
}
