package flow

import (
	"errors"
	"math"
	"math/rand"
	"slices"
)

// Conv2DLayer - 2D convolution over channels-last [N, H, W, C] input
type Conv2DLayer struct {
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string // "valid" or "same"
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [kernelH, kernelW, inChannels, filters]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int // [H, W, C]
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("Conv2D requires input shape [H, W, C], got %v", inputShape)
	}
	if c.filters <= 0 {
		return errorf("Conv2D filters must be > 0, got %d", c.filters)
	}
	if c.kernelSize[0] <= 0 || c.kernelSize[1] <= 0 || c.stride[0] <= 0 || c.stride[1] <= 0 {
		return errorf("Conv2D kernel %v and stride %v must be positive", c.kernelSize, c.stride)
	}
	if c.padding != "same" && c.padding != "valid" {
		return errorf("Conv2D padding must be \"same\" or \"valid\", got %q", c.padding)
	}
	if c.initializer == nil {
		return errors.New("flow: Conv2D requires initializer")
	}
	if c.activation == nil {
		return errors.New("flow: Conv2D requires activation")
	}
	if c.useBias && c.biasInit == nil {
		return errors.New("flow: Conv2D with bias requires bias initializer")
	}

	c.inputShape = slices.Clone(inputShape)
	if outH, outW := c.computeOutputSize(inputShape[0], inputShape[1]); outH <= 0 || outW <= 0 {
		return errorf("Conv2D kernel %v does not fit input %v", c.kernelSize, inputShape)
	}
	inChannels := inputShape[2]

	c.weights = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)
	c.gradW = newTensor(c.weights.shape...)

	if c.useBias {
		c.bias = newTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
		c.gradB = newTensor(c.filters)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	if c.padding == "same" {
		return (inputH + c.stride[0] - 1) / c.stride[0], (inputW + c.stride[1] - 1) / c.stride[1]
	}
	return (inputH-c.kernelSize[0])/c.stride[0] + 1, (inputW-c.kernelSize[1])/c.stride[1] + 1
}

// padding offsets for "same"; TensorFlow puts the odd pixel at the bottom/right
func (c *Conv2DLayer) padOffsets(inputH, inputW, outH, outW int) (int, int) {
	if c.padding != "same" {
		return 0, 0
	}
	padH := max((outH-1)*c.stride[0]+c.kernelSize[0]-inputH, 0)
	padW := max((outW-1)*c.stride[1]+c.kernelSize[1]-inputW, 0)
	return padH / 2, padW / 2
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, errors.New("flow: Conv2D not built")
	}

	batchSize := input.shape[0]
	inputH, inputW, inChannels := input.shape[1], input.shape[2], input.shape[3]
	outH, outW := c.computeOutputSize(inputH, inputW)
	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)
	kH, kW, F := c.kernelSize[0], c.kernelSize[1], c.filters

	c.input = input
	c.preAct = newTensor(batchSize, outH, outW, F)

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				outBase := ((b*outH+oh)*outW + ow) * F
				out := c.preAct.data[outBase : outBase+F]
				if c.useBias {
					copy(out, c.bias.data)
				}
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						inBase := ((b*inputH+ih)*inputW + iw) * inChannels
						wBase := (kh*kW + kw) * inChannels * F
						for ic := 0; ic < inChannels; ic++ {
							x := input.data[inBase+ic]
							if x == 0 {
								continue
							}
							w := c.weights.data[wBase+ic*F : wBase+(ic+1)*F]
							for f, wv := range w {
								out[f] += x * wv
							}
						}
					}
				}
			}
		}
	}

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if c.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	batchSize := c.input.shape[0]
	inputH, inputW, inChannels := c.input.shape[1], c.input.shape[2], c.input.shape[3]
	outH, outW := gradOutput.shape[1], gradOutput.shape[2]
	padTop, padLeft := c.padOffsets(inputH, inputW, outH, outW)
	kH, kW, F := c.kernelSize[0], c.kernelSize[1], c.filters

	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	c.gradW.zero()
	if c.useBias {
		c.gradB.zero()
	}
	gradInput := newTensor(c.input.shape...)

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				outBase := ((b*outH+oh)*outW + ow) * F
				dout := gradPreAct.data[outBase : outBase+F]
				if c.useBias {
					for f, g := range dout {
						c.gradB.data[f] += g
					}
				}
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						inBase := ((b*inputH+ih)*inputW + iw) * inChannels
						wBase := (kh*kW + kw) * inChannels * F
						for ic := 0; ic < inChannels; ic++ {
							x := c.input.data[inBase+ic]
							w := c.weights.data[wBase+ic*F : wBase+(ic+1)*F]
							gw := c.gradW.data[wBase+ic*F : wBase+(ic+1)*F]
							gi := 0.0
							for f, g := range dout {
								gw[f] += x * g
								gi += w[f] * g
							}
							gradInput.data[inBase+ic] += gi
						}
					}
				}
			}
		}
	}

	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*tensor {
	if c.useBias {
		return []*tensor{c.weights, c.bias}
	}
	return []*tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*tensor {
	if c.useBias {
		return []*tensor{c.gradW, c.gradB}
	}
	return []*tensor{c.gradW}
}

func (c *Conv2DLayer) outputShape() []int {
	outH, outW := c.computeOutputSize(c.inputShape[0], c.inputShape[1])
	return []int{outH, outW, c.filters}
}

func (c *Conv2DLayer) name() string { return "conv2d" }

func (c *Conv2DLayer) release() {
	c.weights, c.bias, c.gradW, c.gradB = nil, nil, nil, nil
	c.input, c.preAct = nil, nil
	c.built = false
}

// MaxPool2DLayer - max pooling with "valid" padding
type MaxPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	inputShape []int
	maxIndices []int // flat input index of each output's maximum
	built      bool
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize, // default stride = pool size
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errorf("MaxPool2D requires input shape [H, W, C], got %v", inputShape)
	}
	if inputShape[0] < m.poolSize[0] || inputShape[1] < m.poolSize[1] {
		return errorf("MaxPool2D pool %v larger than input %v", m.poolSize, inputShape)
	}
	m.inputShape = slices.Clone(inputShape)
	m.built = true
	return nil
}

func (m *MaxPool2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	return (inputH-m.poolSize[0])/m.stride[0] + 1, (inputW-m.poolSize[1])/m.stride[1] + 1
}

func (m *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	inputH, inputW, channels := input.shape[1], input.shape[2], input.shape[3]

	outH, outW := m.computeOutputSize(inputH, inputW)
	output := newTensor(batchSize, outH, outW, channels)
	m.maxIndices = make([]int, output.size())

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < channels; c++ {
					best := math.Inf(-1)
					bestIdx := 0
					for ph := 0; ph < m.poolSize[0]; ph++ {
						for pw := 0; pw < m.poolSize[1]; pw++ {
							ih := oh*m.stride[0] + ph
							iw := ow*m.stride[1] + pw
							idx := ((b*inputH+ih)*inputW+iw)*channels + c
							if input.data[idx] > best {
								best = input.data[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*outH+oh)*outW+ow)*channels + c
					output.data[outIdx] = best
					m.maxIndices[outIdx] = bestIdx
				}
			}
		}
	}

	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if m.maxIndices == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	gradInput := newTensor(append([]int{gradOutput.shape[0]}, m.inputShape...)...)
	for outIdx, g := range gradOutput.data {
		gradInput.data[m.maxIndices[outIdx]] += g
	}
	return gradInput, nil
}

func (m *MaxPool2DLayer) parameters() []*tensor { return nil }
func (m *MaxPool2DLayer) gradients() []*tensor  { return nil }

func (m *MaxPool2DLayer) outputShape() []int {
	outH, outW := m.computeOutputSize(m.inputShape[0], m.inputShape[1])
	return []int{outH, outW, m.inputShape[2]}
}

func (m *MaxPool2DLayer) name() string { return "max_pool2d" }
func (m *MaxPool2DLayer) release()     { m.maxIndices = nil }
