package flow

import (
	"errors"
	"math/rand"
	"slices"
)

// RandomFlipLayer mirrors each image left-right with probability 0.5.
// With AtEval set the flip also runs outside training, which makes
// evaluation and prediction nondeterministic (test-time augmentation).
type RandomFlipLayer struct {
	atEval     bool
	rng        *rand.Rand
	flipped    []bool
	inputShape []int
	built      bool
}

// RandomFlipConfig for RandomFlip
type RandomFlipConfig struct {
	AtEval bool
}

type RandomFlipBuilder struct {
	layer *RandomFlipLayer
}

func RandomFlip(config RandomFlipConfig) *RandomFlipBuilder {
	return &RandomFlipBuilder{
		layer: &RandomFlipLayer{atEval: config.AtEval},
	}
}

func (b *RandomFlipBuilder) Build() Layer {
	return b.layer
}

func (r *RandomFlipLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("RandomFlip requires input shape [H, W, C], got %v", inputShape)
	}
	r.rng = rng
	r.inputShape = slices.Clone(inputShape)
	r.built = true
	return nil
}

// mirror writes src into dst with the width axis reversed for the selected images.
func (r *RandomFlipLayer) mirror(src, dst *tensor) {
	H, W, C := r.inputShape[0], r.inputShape[1], r.inputShape[2]
	imgSize := H * W * C
	for b, flip := range r.flipped {
		base := b * imgSize
		if !flip {
			copy(dst.data[base:base+imgSize], src.data[base:base+imgSize])
			continue
		}
		for h := 0; h < H; h++ {
			for w := 0; w < W; w++ {
				from := base + (h*W+w)*C
				to := base + (h*W+W-1-w)*C
				copy(dst.data[to:to+C], src.data[from:from+C])
			}
		}
	}
}

func (r *RandomFlipLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !r.built {
		return nil, errors.New("flow: RandomFlip not built")
	}
	if !training && !r.atEval {
		r.flipped = nil
		return input, nil
	}

	r.flipped = make([]bool, input.shape[0])
	for i := range r.flipped {
		r.flipped[i] = r.rng.Float64() < 0.5
	}
	output := newTensor(input.shape...)
	r.mirror(input, output)
	return output, nil
}

// backward mirrors the gradient back; a flip is its own inverse.
func (r *RandomFlipLayer) backward(gradOutput *tensor) (*tensor, error) {
	if r.flipped == nil {
		return gradOutput, nil
	}
	gradInput := newTensor(gradOutput.shape...)
	r.mirror(gradOutput, gradInput)
	return gradInput, nil
}

func (r *RandomFlipLayer) parameters() []*tensor { return nil }
func (r *RandomFlipLayer) gradients() []*tensor  { return nil }
func (r *RandomFlipLayer) outputShape() []int    { return r.inputShape }
func (r *RandomFlipLayer) name() string          { return "random_flip" }
func (r *RandomFlipLayer) release()              { r.flipped = nil }
