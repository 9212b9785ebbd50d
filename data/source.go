package data

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Sample is one preprocessed image with its class label.
type Sample struct {
	Image *tensor.Dense // (C, H, W)
	Label int
}

// Source is a finite, indexable collection of samples. A nil rng asks for the
// deterministic (non-augmented) view of sample i.
type Source interface {
	Len() int
	Sample(i int, rng *rand.Rand) (Sample, error)
}

// ImageFolder reads images from disk on demand.
type ImageFolder struct {
	Items    []Item
	Size     int
	Rotation float64 // max degrees, applied only when an rng is given
}

func NewImageFolder(root, annotations string, classes, size int, rotation float64) (*ImageFolder, error) {
	items, err := Discover(root, annotations, classes)
	if err != nil {
		return nil, err
	}
	return &ImageFolder{Items: items, Size: size, Rotation: rotation}, nil
}

func (f *ImageFolder) Len() int { return len(f.Items) }

func (f *ImageFolder) Sample(i int, rng *rand.Rand) (Sample, error) {
	it := f.Items[i]
	src, err := DecodeFile(it.Path)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: Preprocess(src, f.Size, f.Rotation, rng), Label: it.Label}, nil
}

// MemorySource serves pre-built tensors. It ignores augmentation.
type MemorySource struct {
	Images []*tensor.Dense
	Labels []int
}

func (m *MemorySource) Len() int { return len(m.Images) }

func (m *MemorySource) Sample(i int, _ *rand.Rand) (Sample, error) {
	if i < 0 || i >= len(m.Images) {
		return Sample{}, errors.Errorf("sample %d out of range [0, %d)", i, len(m.Images))
	}
	return Sample{Image: m.Images[i], Label: m.Labels[i]}, nil
}
