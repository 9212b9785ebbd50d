package ml

import (
	"sort"
)

// ClassScore is one ranked class of a prediction.
type ClassScore struct {
	Class       int
	Probability float64
}

// TopK returns the k most probable classes in descending order. Ties keep the
// lower class index first.
func TopK(probs []float64, k int) []ClassScore {
	if k <= 0 || k > len(probs) {
		k = len(probs)
	}

	indexed := make([]ClassScore, len(probs))
	for i, p := range probs {
		indexed[i] = ClassScore{Class: i, Probability: p}
	}

	// Sort in descending order by probability
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].Probability > indexed[j].Probability
	})
	return indexed[:k]
}

// PredictTopK passes one flattened image through the network and ranks the
// k most probable classes.
func (nw *NeuralNetwork) PredictTopK(inputData []float64, k int) []ClassScore {
	nw.Predict(inputData)
	probs := nw.Layers[len(nw.Layers)-1].A.data
	return TopK(probs, k)
}
