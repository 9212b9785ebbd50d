package trainer

import (
	"github.com/pkg/errors"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/data"
	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// PredictTop is how many ranked classes Predict returns.
const PredictTop = 5

// Prediction is the classification of one image.
type Prediction struct {
	Class      int
	Confidence float64
	Top        []ml.ClassScore
	Epoch      int // checkpoint epoch the model came from
}

// Predict classifies the image at path with the latest checkpoint in
// cfg.ModelDir, preprocessing it like the test split.
func Predict(cfg Config, path string) (Prediction, error) {
	pair, ok, err := checkpoint.Latest(cfg.ModelDir)
	if err != nil {
		return Prediction{}, err
	}
	if !ok {
		return Prediction{}, errors.Errorf("no checkpoint in %s", cfg.ModelDir)
	}
	st, err := checkpoint.LoadModel(pair.ModelPath)
	if err != nil {
		return Prediction{}, err
	}

	img, err := data.LoadImage(path, cfg.ImageSize)
	if err != nil {
		return Prediction{}, err
	}
	values := img.Data().([]float64)
	if len(values) != st.Network.InputDim() {
		return Prediction{}, errors.Wrapf(ErrInvalidConfig, "model expects %d inputs, image-size %d gives %d",
			st.Network.InputDim(), cfg.ImageSize, len(values))
	}
	top := st.Network.PredictTopK(values, PredictTop)
	return Prediction{
		Class:      top[0].Class,
		Confidence: top[0].Probability,
		Top:        top,
		Epoch:      st.Epoch,
	}, nil
}
