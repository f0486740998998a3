package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	cifarSide     = 32
	cifarChannels = 3
	cifarPixels   = cifarSide * cifarSide * cifarChannels
)

// Variant selects the CIFAR flavour
type Variant int

const (
	CIFAR100 Variant = iota
	CIFAR10
)

func (v Variant) String() string {
	if v == CIFAR10 {
		return "cifar10"
	}
	return "cifar100"
}

// ParseVariant accepts "cifar10" or "cifar100"
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "cifar100":
		return CIFAR100, nil
	case "cifar10":
		return CIFAR10, nil
	}
	return 0, fmt.Errorf("dataset: unknown variant %q", s)
}

// CIFAR reads the binary distribution of CIFAR-10 or CIFAR-100 from Dir.
//
// CIFAR-100 expects train.bin and test.bin, each record a coarse label byte,
// a fine label byte and 3072 pixel bytes. CIFAR-10 expects
// data_batch_1.bin .. data_batch_5.bin and test_batch.bin with a single label
// byte per record. Pixels are stored channel-major and converted to HWC.
type CIFAR struct {
	Dir     string
	Variant Variant
	// Coarse uses the 20 CIFAR-100 superclasses instead of the 100 fine labels
	Coarse bool
	// MaxSamples caps each split; 0 reads everything
	MaxSamples int
}

func (c CIFAR) classes() int {
	switch {
	case c.Variant == CIFAR10:
		return 10
	case c.Coarse:
		return 20
	}
	return 100
}

func (c CIFAR) labelBytes() int {
	if c.Variant == CIFAR10 {
		return 1
	}
	return 2
}

func (c CIFAR) files() (train, test []string) {
	if c.Variant == CIFAR10 {
		for i := 1; i <= 5; i++ {
			train = append(train, fmt.Sprintf("data_batch_%d.bin", i))
		}
		return train, []string{"test_batch.bin"}
	}
	return []string{"train.bin"}, []string{"test.bin"}
}

// Load reads both splits
func (c CIFAR) Load() (*Dataset, error) {
	if c.MaxSamples < 0 {
		return nil, fmt.Errorf("dataset: MaxSamples must be >= 0, got %d", c.MaxSamples)
	}
	ds := &Dataset{
		Height:   cifarSide,
		Width:    cifarSide,
		Channels: cifarChannels,
		Classes:  c.classes(),
	}
	trainFiles, testFiles := c.files()
	var err error
	if ds.TrainX, ds.TrainY, err = c.readSplit(trainFiles); err != nil {
		return nil, errors.Wrap(err, "train split")
	}
	if ds.TestX, ds.TestY, err = c.readSplit(testFiles); err != nil {
		return nil, errors.Wrap(err, "test split")
	}
	klog.Infof("Loaded %s from %s: %d train, %d test, %d classes",
		c.Variant, c.Dir, len(ds.TrainX), len(ds.TestX), ds.Classes)
	return ds, ds.Validate()
}

func (c CIFAR) readSplit(names []string) ([][]float64, [][]float64, error) {
	var xs, ys [][]float64
	for _, name := range names {
		if c.MaxSamples > 0 && len(xs) >= c.MaxSamples {
			break
		}
		path := filepath.Join(c.Dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open cifar file")
		}
		limit := 0
		if c.MaxSamples > 0 {
			limit = c.MaxSamples - len(xs)
		}
		x, y, err := c.decode(f, limit)
		f.Close()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decode %s", path)
		}
		xs = append(xs, x...)
		ys = append(ys, y...)
	}
	return xs, ys, nil
}

// decode reads records until EOF or until limit records when limit > 0.
func (c CIFAR) decode(r io.Reader, limit int) ([][]float64, [][]float64, error) {
	br := bufio.NewReader(r)
	labelBytes := c.labelBytes()
	classes := c.classes()
	record := make([]byte, labelBytes+cifarPixels)

	var xs, ys [][]float64
	for limit == 0 || len(xs) < limit {
		if _, err := io.ReadFull(br, record); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, errors.Wrapf(err, "record %d", len(xs))
		}
		label := int(record[0])
		if c.Variant == CIFAR100 && !c.Coarse {
			label = int(record[1])
		}
		if label >= classes {
			return nil, nil, fmt.Errorf("record %d: label %d out of range for %d classes", len(xs), label, classes)
		}
		xs = append(xs, toHWC(record[labelBytes:]))
		ys = append(ys, OneHot(label, classes))
	}
	return xs, ys, nil
}

// toHWC converts channel-major bytes to channel-last values in [-0.5, 0.5].
func toHWC(pixels []byte) []float64 {
	const plane = cifarSide * cifarSide
	out := make([]float64, cifarPixels)
	for c := 0; c < cifarChannels; c++ {
		for p := 0; p < plane; p++ {
			out[p*cifarChannels+c] = float64(pixels[c*plane+p])/255.0 - 0.5
		}
	}
	return out
}
