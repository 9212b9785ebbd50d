package checkpoint

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// Checkpoint files are protobuf wire-format messages:
//
//	Model     { 1 format, 2 epoch, 3 run_id, 4 repeated Layer }
//	Layer     { 1 activation, 2 weights Matrix, 3 biases Matrix }
//	Optimizer { 1 format, 2 epoch, 3 run_id, 4 lr, 5 momentum, 6 weight_decay,
//	            7 steps, 8 repeated Velocity }
//	Velocity  { 1 dw Matrix, 2 db Matrix }
//	Matrix    { 1 rows, 2 cols, 3 packed double values }
const (
	ModelFormat     = "itss.model/v1"
	OptimizerFormat = "itss.optimizer/v1"
)

// ModelState is a decoded model checkpoint.
type ModelState struct {
	Epoch   int
	RunID   string
	Network *ml.NeuralNetwork
}

// OptimizerState is a decoded optimizer checkpoint.
type OptimizerState struct {
	Epoch int
	RunID string
	ml.MomentumState
}

// -------- ENCODING -------- //
func appendMatrix(b []byte, num protowire.Number, m *ml.Matrix) []byte {
	rows, cols := m.Dims()
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(rows))
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(cols))

	packed := make([]byte, 0, 8*rows*cols)
	for _, v := range m.RawData() {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packed)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendHeader(b []byte, format string, epoch int, runID string) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, format)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(epoch))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendString(b, runID)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// EncodeModel serialises the parameters and layer activations of nw.
func EncodeModel(epoch int, runID string, nw *ml.NeuralNetwork) []byte {
	b := appendHeader(nil, ModelFormat, epoch, runID)
	for _, l := range nw.Layers {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(l.ActType))
		msg = appendMatrix(msg, 2, l.Weights)
		msg = appendMatrix(msg, 3, l.Biases)

		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// EncodeOptimizer serialises momentum SGD state.
func EncodeOptimizer(epoch int, runID string, st ml.MomentumState) []byte {
	b := appendHeader(nil, OptimizerFormat, epoch, runID)
	b = appendDouble(b, 4, st.LearningRate)
	b = appendDouble(b, 5, st.Momentum)
	b = appendDouble(b, 6, st.WeightDecay)
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.Steps))
	for _, v := range st.Velocity {
		var msg []byte
		msg = appendMatrix(msg, 1, v.DW)
		msg = appendMatrix(msg, 2, v.DB)
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// -------- DECODING -------- //

// fieldFunc consumes the value of a known field and returns the bytes read.
// Returning 0 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
	}
	return nil
}

func consumeBytes(b []byte, out *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeVarint(b []byte, out *int) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = int(v)
	return n, nil
}

func consumeDouble(b []byte, out *float64) (int, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = math.Float64frombits(v)
	return n, nil
}

func decodeMatrix(b []byte) (*ml.Matrix, error) {
	var (
		rows, cols int
		packed     []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &rows)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(b, &cols)
		case num == 3 && typ == protowire.BytesType:
			return consumeBytes(b, &packed)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 || len(packed) != 8*rows*cols {
		return nil, errors.Errorf("matrix [%d, %d] carries %d bytes", rows, cols, len(packed))
	}
	values := make([]float64, rows*cols)
	for i := range values {
		v, n := protowire.ConsumeFixed64(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		values[i] = math.Float64frombits(v)
		packed = packed[n:]
	}
	return ml.NewMatrixFromSlice(rows, cols, values), nil
}

type header struct {
	format string
	epoch  int
	runID  string
}

func (h *header) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	var raw []byte
	switch {
	case num == 1 && typ == protowire.BytesType:
		n, err := consumeBytes(b, &raw)
		h.format = string(raw)
		return n, err
	case num == 2 && typ == protowire.VarintType:
		return consumeVarint(b, &h.epoch)
	case num == 3 && typ == protowire.BytesType:
		n, err := consumeBytes(b, &raw)
		h.runID = string(raw)
		return n, err
	}
	return 0, nil
}

func decodeLayer(b []byte) (*ml.Layer, error) {
	layer := &ml.Layer{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			raw []byte
			n   int
			err error
		)
		switch {
		case num == 1 && typ == protowire.VarintType:
			var act int
			n, err = consumeVarint(b, &act)
			layer.ActType = ml.ActivationType(act)
			return n, err
		case num == 2 && typ == protowire.BytesType:
			if n, err = consumeBytes(b, &raw); err == nil {
				layer.Weights, err = decodeMatrix(raw)
			}
			return n, err
		case num == 3 && typ == protowire.BytesType:
			if n, err = consumeBytes(b, &raw); err == nil {
				layer.Biases, err = decodeMatrix(raw)
			}
			return n, err
		}
		return 0, nil
	})
	return layer, err
}

// DecodeModel parses a model checkpoint and rebuilds the network.
func DecodeModel(b []byte) (ModelState, error) {
	var (
		h      header
		layers []*ml.Layer
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 4 && typ == protowire.BytesType {
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			layer, err := decodeLayer(raw)
			if err != nil {
				return 0, errors.Wrapf(err, "layer %d", len(layers))
			}
			layers = append(layers, layer)
			return n, nil
		}
		return h.field(num, typ, b)
	})
	if err != nil {
		return ModelState{}, errors.Wrap(err, "decode model")
	}
	if h.format != ModelFormat {
		return ModelState{}, errors.Errorf("decode model: unexpected format %q", h.format)
	}
	nw, err := ml.NewNetworkFromLayers(layers)
	if err != nil {
		return ModelState{}, errors.Wrap(err, "decode model")
	}
	return ModelState{Epoch: h.epoch, RunID: h.runID, Network: nw}, nil
}

// DecodeOptimizer parses an optimizer checkpoint.
func DecodeOptimizer(b []byte) (OptimizerState, error) {
	var (
		h  header
		st ml.MomentumState
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 4 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &st.LearningRate)
		case num == 5 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &st.Momentum)
		case num == 6 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &st.WeightDecay)
		case num == 7 && typ == protowire.VarintType:
			return consumeVarint(b, &st.Steps)
		case num == 8 && typ == protowire.BytesType:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			v, err := decodeVelocity(raw)
			if err != nil {
				return 0, errors.Wrapf(err, "velocity %d", len(st.Velocity))
			}
			st.Velocity = append(st.Velocity, v)
			return n, nil
		}
		return h.field(num, typ, b)
	})
	if err != nil {
		return OptimizerState{}, errors.Wrap(err, "decode optimizer")
	}
	if h.format != OptimizerFormat {
		return OptimizerState{}, errors.Errorf("decode optimizer: unexpected format %q", h.format)
	}
	return OptimizerState{Epoch: h.epoch, RunID: h.runID, MomentumState: st}, nil
}

func decodeVelocity(b []byte) (ml.GradientSet, error) {
	var g ml.GradientSet
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			return 0, nil
		}
		var raw []byte
		n, err := consumeBytes(b, &raw)
		if err != nil {
			return 0, err
		}
		m, err := decodeMatrix(raw)
		if num == 1 {
			g.DW = m
		} else {
			g.DB = m
		}
		return n, err
	})
	if err == nil && (g.DW == nil || g.DB == nil) {
		err = errors.New("velocity is missing a matrix")
	}
	return g, err
}
