package ml

// LRScheduler maps an epoch to a learning rate. Implementations are pure: the
// caller applies the returned rate to the optimizer.
type LRScheduler interface {
	LearningRate(epoch int, base float64) float64
	Name() string
}

// MultiStepLR multiplies the base rate by Factors[i] once epoch reaches
// Milestones[i]. Milestones are inclusive lower bounds and must be ascending.
type MultiStepLR struct {
	Milestones []int
	Factors    []float64
}

// DefaultMultiStepLR decays by 10x at epochs 5, 10 and 15.
func DefaultMultiStepLR() MultiStepLR {
	return MultiStepLR{
		Milestones: []int{5, 10, 15},
		Factors:    []float64{0.1, 0.01, 0.001},
	}
}

func (s MultiStepLR) LearningRate(epoch int, base float64) float64 {
	factor := 1.0
	for i, m := range s.Milestones {
		if epoch >= m {
			factor = s.Factors[i]
		}
	}
	return base * factor
}

func (s MultiStepLR) Name() string { return "MultiStepLR" }

// StepDecay is the default traffic-sign schedule as a plain function.
func StepDecay(base float64, epoch int) float64 {
	return DefaultMultiStepLR().LearningRate(epoch, base)
}
