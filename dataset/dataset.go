// Package dataset supplies the image splits a training run consumes.
//
// Images are flattened in height, width, channel order with pixel values
// scaled to [-0.5, 0.5]; labels are one-hot rows.
package dataset

import "github.com/pkg/errors"

// Dataset holds a train and a test split of flattened images
type Dataset struct {
	TrainX [][]float64
	TrainY [][]float64
	TestX  [][]float64
	TestY  [][]float64

	Height   int
	Width    int
	Channels int
	Classes  int
}

// Provider loads a dataset. Implementations must return data that passes Validate.
type Provider interface {
	Load() (*Dataset, error)
}

// Load makes an in-memory Dataset a Provider of itself
func (d *Dataset) Load() (*Dataset, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// SampleSize is the number of values per flattened image
func (d *Dataset) SampleSize() int {
	return d.Height * d.Width * d.Channels
}

// Validate checks both splits against the declared geometry.
func (d *Dataset) Validate() error {
	if d == nil {
		return errors.New("dataset: nil dataset")
	}
	if d.Height < 1 || d.Width < 1 || d.Channels < 1 {
		return errors.Errorf("dataset: invalid image shape %dx%dx%d", d.Height, d.Width, d.Channels)
	}
	if d.Classes < 2 {
		return errors.Errorf("dataset: need at least 2 classes, got %d", d.Classes)
	}
	if err := d.checkSplit("train", d.TrainX, d.TrainY); err != nil {
		return err
	}
	return d.checkSplit("test", d.TestX, d.TestY)
}

func (d *Dataset) checkSplit(split string, xs, ys [][]float64) error {
	if len(xs) == 0 {
		return errors.Errorf("dataset: %s split is empty", split)
	}
	if len(xs) != len(ys) {
		return errors.Errorf("dataset: %s split has %d images and %d labels", split, len(xs), len(ys))
	}
	size := d.SampleSize()
	for i := range xs {
		if len(xs[i]) != size {
			return errors.Errorf("dataset: %s image %d has %d values, want %d", split, i, len(xs[i]), size)
		}
		if len(ys[i]) != d.Classes {
			return errors.Errorf("dataset: %s label %d has %d values, want %d", split, i, len(ys[i]), d.Classes)
		}
	}
	return nil
}

// OneHot encodes label as a row of length classes
func OneHot(label, classes int) []float64 {
	row := make([]float64, classes)
	row[label] = 1
	return row
}
