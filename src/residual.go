package flow

import (
	"errors"
	"math/rand"
	"slices"
)

// ResidualLayer repeats a branch and adds its output back onto the running
// input after every repetition: x = x + branch_k(x).
type ResidualLayer struct {
	repeats    int
	branch     func() []Layer
	steps      [][]Layer
	inputShape []int
	built      bool
}

type ResidualBuilder struct {
	layer *ResidualLayer
}

// Residual creates a block of repeats branches. branch is called once per
// repetition so every branch owns its own weights.
func Residual(repeats int, branch func() []Layer) *ResidualBuilder {
	return &ResidualBuilder{
		layer: &ResidualLayer{repeats: repeats, branch: branch},
	}
}

func (b *ResidualBuilder) Build() Layer {
	return b.layer
}

func (r *ResidualLayer) build(inputShape []int, rng *rand.Rand) error {
	if r.repeats < 0 {
		return errorf("Residual repeats must be >= 0, got %d", r.repeats)
	}
	if r.branch == nil && r.repeats > 0 {
		return errors.New("flow: Residual requires a branch factory")
	}
	r.inputShape = slices.Clone(inputShape)
	r.steps = make([][]Layer, r.repeats)
	for s := range r.steps {
		r.steps[s] = r.branch()
		shape := inputShape
		for i, l := range r.steps[s] {
			if err := l.build(shape, rng); err != nil {
				return errorf("residual step %d layer %d (%s): %v", s, i, l.name(), err)
			}
			if out := l.outputShape(); out != nil {
				shape = out
			}
		}
		if !slices.Equal(shape, inputShape) {
			return errorf("residual step %d changes shape %v -> %v; the add needs equal shapes", s, inputShape, shape)
		}
	}
	r.built = true
	return nil
}

func (r *ResidualLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !r.built {
		return nil, errors.New("flow: Residual not built")
	}
	cur := input
	for _, step := range r.steps {
		out := cur
		var err error
		for _, l := range step {
			if out, err = l.forward(out, training); err != nil {
				return nil, err
			}
		}
		sum := newTensor(cur.shape...)
		elemAdd(cur, out, sum)
		cur = sum
	}
	return cur, nil
}

func (r *ResidualLayer) backward(gradOutput *tensor) (*tensor, error) {
	grad := gradOutput
	for s := len(r.steps) - 1; s >= 0; s-- {
		branchGrad := grad
		var err error
		for i := len(r.steps[s]) - 1; i >= 0; i-- {
			if branchGrad, err = r.steps[s][i].backward(branchGrad); err != nil {
				return nil, err
			}
		}
		// identity path plus branch path
		sum := newTensor(grad.shape...)
		elemAdd(grad, branchGrad, sum)
		grad = sum
	}
	return grad, nil
}

func (r *ResidualLayer) parameters() []*tensor {
	var params []*tensor
	for _, step := range r.steps {
		for _, l := range step {
			params = append(params, l.parameters()...)
		}
	}
	return params
}

func (r *ResidualLayer) gradients() []*tensor {
	var grads []*tensor
	for _, step := range r.steps {
		for _, l := range step {
			grads = append(grads, l.gradients()...)
		}
	}
	return grads
}

func (r *ResidualLayer) outputShape() []int { return r.inputShape }
func (r *ResidualLayer) name() string       { return "residual" }

func (r *ResidualLayer) release() {
	for _, step := range r.steps {
		for _, l := range step {
			l.release()
		}
	}
	r.steps = nil
	r.built = false
}

// describe expands the block into its branch layers and add nodes.
func (r *ResidualLayer) describe() []LayerInfo {
	var infos []LayerInfo
	for _, step := range r.steps {
		for _, l := range step {
			infos = append(infos, layerInfo(l))
		}
		infos = append(infos, LayerInfo{Name: "add", OutputShape: slices.Clone(r.inputShape)})
	}
	return infos
}
