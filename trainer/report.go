package trainer

import (
	"strings"

	"k8s.io/klog/v2"

	"github.com/yyou22/Example-Repo-iTSS/ml"
)

// Progress is emitted by the Trainer every LogInterval batches.
type Progress struct {
	Epoch        int
	Batch        int
	SamplesSeen  int // Batch * len(batch), matching the console line
	TotalSamples int
	Percent      float64
	Loss         float64
}

// Reporter receives training progress and per-split summaries.
type Reporter interface {
	Progress(p Progress)
	Summary(epoch int, split string, m ml.EpochMetrics)
	EpochDone(epoch int)
}

// KlogReporter prints the classic console lines through klog.
type KlogReporter struct{}

var separator = strings.Repeat("=", 64)

func (KlogReporter) Progress(p Progress) {
	klog.Infof("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
		p.Epoch, p.SamplesSeen, p.TotalSamples, p.Percent, p.Loss)
}

func (KlogReporter) Summary(epoch int, split string, m ml.EpochMetrics) {
	if split == SplitTrain {
		klog.Info(separator)
	}
	klog.Infof("%s: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		splitTitle(split), m.Loss, m.Correct, m.Total, 100*m.Accuracy)
}

func (KlogReporter) EpochDone(epoch int) { klog.Info(separator) }

const (
	SplitTrain = "train"
	SplitTest  = "test"
)

func splitTitle(split string) string {
	switch split {
	case SplitTrain:
		return "Training"
	case SplitTest:
		return "Test"
	}
	return split
}

// nopReporter discards everything.
type nopReporter struct{}

func (nopReporter) Progress(Progress)                    {}
func (nopReporter) Summary(int, string, ml.EpochMetrics) {}
func (nopReporter) EpochDone(int)                        {}
