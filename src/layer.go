package flow

import (
	"errors"
	"math/rand"
	"slices"
)

// Layer is the base interface for all layers
type Layer interface {
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	parameters() []*tensor
	gradients() []*tensor
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	name() string
	// release drops parameters and cached activations
	release()
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("Dense requires a flat input shape, got %v - add Flatten() first", inputShape)
	}
	if d.units <= 0 {
		return errorf("Dense units must be > 0, got %d", d.units)
	}
	if d.initializer == nil {
		return errors.New("flow: Dense requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errors.New("flow: Dense requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errors.New("flow: Dense with bias requires bias initializer - use WithBiasInitializer()")
	}

	fanIn := inputShape[0]

	d.weights = newTensor(fanIn, d.units)
	d.initializer.initialize(d.weights, fanIn, d.units, rng)
	d.gradW = newTensor(fanIn, d.units)

	if d.useBias {
		d.bias = newTensor(d.units)
		d.biasInit.initialize(d.bias, fanIn, d.units, rng)
		d.gradB = newTensor(d.units)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, errors.New("flow: layer not built - call Build() first")
	}
	batchSize := input.shape[0]
	if input.size()/batchSize != d.weights.shape[0] {
		return nil, errorf("Dense input dimension mismatch: got %d, want %d", input.size()/batchSize, d.weights.shape[0])
	}

	d.input = input
	d.preAct = newTensor(batchSize, d.units)
	output := newTensor(batchSize, d.units)

	// Y = X @ W + b
	matmul(input, d.weights, d.preAct)
	if d.useBias {
		addVec(d.preAct, d.bias)
	}

	d.activation.forward(d.preAct, output)
	return output, nil
}

func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}

	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// dL/dW = X^T @ dL/dY; the loss gradient is already averaged over the batch
	matmulTransA(d.input, gradPreAct, d.gradW)

	if d.useBias {
		d.gradB.zero()
		sumRows(gradPreAct, d.gradB)
	}

	// dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights, gradInput)

	return gradInput, nil
}

func (d *DenseLayer) parameters() []*tensor {
	if d.useBias {
		return []*tensor{d.weights, d.bias}
	}
	return []*tensor{d.weights}
}

func (d *DenseLayer) gradients() []*tensor {
	if d.useBias {
		return []*tensor{d.gradW, d.gradB}
	}
	return []*tensor{d.gradW}
}

func (d *DenseLayer) outputShape() []int { return []int{d.units} }
func (d *DenseLayer) name() string       { return "dense" }

func (d *DenseLayer) release() {
	d.weights, d.bias, d.gradW, d.gradB = nil, nil, nil, nil
	d.input, d.preAct = nil, nil
	d.built = false
}

// DropoutLayer - inverted dropout, identity outside training
type DropoutLayer struct {
	rate       float64
	mask       *tensor
	rng        *rand.Rand
	inputShape []int
	built      bool
}

type DropoutBuilder struct {
	layer *DropoutLayer
}

func Dropout(rate float64) *DropoutBuilder {
	return &DropoutBuilder{
		layer: &DropoutLayer{
			rate: rate,
		},
	}
}

func (b *DropoutBuilder) Build() Layer {
	return b.layer
}

func (d *DropoutLayer) build(inputShape []int, rng *rand.Rand) error {
	if d.rate < 0 || d.rate >= 1 {
		return errorf("dropout rate must be in [0, 1), got %f", d.rate)
	}
	d.rng = rng
	d.inputShape = slices.Clone(inputShape)
	d.built = true
	return nil
}

func (d *DropoutLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return input, nil
	}

	output := newTensor(input.shape...)
	d.mask = newTensor(input.shape...)

	scale := 1.0 / (1.0 - d.rate)
	for i := range input.data {
		if d.rng.Float64() >= d.rate {
			d.mask.data[i] = scale
			output.data[i] = input.data[i] * scale
		}
	}
	return output, nil
}

func (d *DropoutLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	gradInput := newTensor(gradOutput.shape...)
	elemMul(gradOutput, d.mask, gradInput)
	return gradInput, nil
}

func (d *DropoutLayer) parameters() []*tensor { return nil }
func (d *DropoutLayer) gradients() []*tensor  { return nil }
func (d *DropoutLayer) outputShape() []int    { return d.inputShape }
func (d *DropoutLayer) name() string          { return "dropout" }
func (d *DropoutLayer) release()              { d.mask = nil }

// FlattenLayer - flattens each sample to 1D
type FlattenLayer struct {
	inputShape []int
	built      bool
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	f.inputShape = slices.Clone(inputShape)
	f.built = true
	return nil
}

func (f *FlattenLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	output := newTensor(batchSize, input.size()/batchSize)
	copy(output.data, input.data)
	return output, nil
}

func (f *FlattenLayer) backward(gradOutput *tensor) (*tensor, error) {
	gradInput := newTensor(append([]int{gradOutput.shape[0]}, f.inputShape...)...)
	copy(gradInput.data, gradOutput.data)
	return gradInput, nil
}

func (f *FlattenLayer) parameters() []*tensor { return nil }
func (f *FlattenLayer) gradients() []*tensor  { return nil }
func (f *FlattenLayer) outputShape() []int    { return []int{shapeSize(f.inputShape)} }
func (f *FlattenLayer) name() string          { return "flatten" }
func (f *FlattenLayer) release()              {}
