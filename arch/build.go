package arch

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	flow "hyperflow/src"
)

// Keras BatchNormalization defaults
const (
	bnEpsilon  = 1e-3
	bnMomentum = 0.99
)

// InputShape is the image geometry and the number of output classes
type InputShape struct {
	Height   int
	Width    int
	Channels int
	Classes  int
}

// DefaultInput is CIFAR-100 with fine labels
var DefaultInput = InputShape{Height: 32, Width: 32, Channels: 3, Classes: 100}

// Dims returns the per-sample [H, W, C] shape fed to the network
func (in InputShape) Dims() []int {
	return []int{in.Height, in.Width, in.Channels}
}

func (in InputShape) validate() error {
	switch {
	case in.Height < 1 || in.Width < 1:
		return configErr("input", in, "image size must be positive")
	case in.Channels < 1:
		return configErr("input", in, "channels must be positive")
	case in.Classes < 2:
		return configErr("input", in, "need at least 2 classes")
	}
	return nil
}

// Options controls everything Build needs besides the hyperparameters.
type Options struct {
	// Input defaults to DefaultInput when zero
	Input InputShape
	Seed  int64
	// FlipAtEval keeps the random mirror active outside training
	FlipAtEval bool
	// Verbose logs the shape after every layer
	Verbose bool
}

// DefaultOptions flips at evaluation time too and traces shapes.
func DefaultOptions() Options {
	return Options{Input: DefaultInput, FlipAtEval: true, Verbose: true}
}

// Model is a compiled network plus the values Build derived from the space.
type Model struct {
	Network      *flow.Network
	Space        Space
	Input        InputShape
	Filters      []int
	Optimizer    Optimizer
	LearningRate float64
}

// Release drops the network's weights and optimizer state
func (m *Model) Release() {
	if m != nil && m.Network != nil {
		m.Network.Release()
	}
}

// stageFilters returns the filter count of each conv/pool stage.
func stageFilters(s Space) []int {
	filters := make([]int, s.NbConvPoolLayers)
	n := s.InitialFilters()
	for i := range filters {
		filters[i] = n
		n *= 2
	}
	return filters
}

// checkSpatial walks the image size through every stage's downsampling.
func checkSpatial(s Space, in InputShape) error {
	h, w := in.Height, in.Width
	for stage := 0; stage < s.NbConvPoolLayers; stage++ {
		if s.UseAllconvPooling {
			if h < 3 || w < 3 {
				return configErr("nb_conv_pool_layers", s.NbConvPoolLayers,
					"stage %d gets a %dx%d map, stride-2 pooling conv needs 3x3", stage, h, w)
			}
			h, w = (h-3)/2+1, (w-3)/2+1
			continue
		}
		if h < 2 || w < 2 {
			return configErr("nb_conv_pool_layers", s.NbConvPoolLayers,
				"stage %d gets a %dx%d map, max pooling needs 2x2", stage, h, w)
		}
		h, w = h/2, w/2
	}
	return nil
}

func conv(filters, kernel int) *flow.Conv2DBuilder {
	return flow.Conv2D(filters, [2]int{kernel, kernel}).
		WithInitializer(flow.GlorotUniform(1.0)).
		WithBias(true).
		WithBiasInitializer(flow.Zeros())
}

func dense(units int, act flow.Activation) flow.Layer {
	return flow.Dense(units).
		WithActivation(act).
		WithInitializer(flow.GlorotUniform(1.0)).
		WithBias(true).
		WithBiasInitializer(flow.Zeros()).
		Build()
}

func batchNorm() flow.Layer {
	return flow.BatchNorm(bnEpsilon, bnMomentum).Build()
}

func stageConv(filters int, s Space) flow.Layer {
	return conv(filters, s.ConvKernelSize).
		WithPadding("same").
		WithActivation(flow.ReLU()).
		Build()
}

// layers lays out the full graph for s; nothing is allocated until the
// network is built.
func layers(s Space, in InputShape, flipAtEval bool) []flow.Layer {
	stack := []flow.Layer{
		flow.RandomFlip(flow.RandomFlipConfig{AtEval: flipAtEval}).Build(),
	}
	for _, filters := range stageFilters(s) {
		stack = append(stack, stageConv(filters, s))
		if s.UseBN {
			stack = append(stack, batchNorm())
		}
		if depth, ok := s.ResidualDepth(); ok {
			stack = append(stack,
				flow.Residual(depth, func() []flow.Layer {
					return []flow.Layer{flow.Dropout(s.DropoutDropProba).Build(), stageConv(filters, s)}
				}).Build(),
				batchNorm(),
			)
		}
		if s.UseAllconvPooling {
			stack = append(stack, conv(filters, 3).
				WithStride(2, 2).
				WithPadding("valid").
				WithActivation(flow.Linear()).
				Build())
			if s.UseBN {
				stack = append(stack, batchNorm())
			}
		} else {
			stack = append(stack, flow.MaxPool2D([2]int{2, 2}).Build())
		}
		stack = append(stack, flow.Dropout(s.DropoutDropProba).Build())
	}
	return append(stack,
		flow.Flatten().Build(),
		dense(s.FCUnits(), flow.ReLU()),
		flow.Dropout(s.DropoutDropProba).Build(),
		dense(in.Classes, flow.Softmax()),
	)
}

// Build creates and compiles the network described by space. Every
// hyperparameter is checked first; a *ConfigurationError comes back before
// any weight is allocated.
func Build(space Space, opts Options) (*Model, error) {
	in := opts.Input
	if in == (InputShape{}) {
		in = DefaultInput
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if err := checkSpatial(space, in); err != nil {
		return nil, err
	}

	klog.Infof("Current space being optimized: %s", space)

	optimizer, err := space.Optimizer.New(space.LearningRate())
	if err != nil {
		return nil, err
	}

	builder := flow.NewNetwork(flow.NetworkConfig{Seed: opts.Seed, Verbose: opts.Verbose})
	for _, l := range layers(space, in, opts.FlipAtEval) {
		builder.AddLayer(l)
	}
	net, err := builder.Build(in.Dims())
	if err != nil {
		return nil, errors.Wrap(err, "build network")
	}
	err = net.Compile(flow.CompileConfig{
		Optimizer: optimizer,
		Loss:      flow.CrossEntropy(flow.CrossEntropyConfig{}),
		Metrics:   []flow.Metric{flow.Accuracy()},
	})
	if err != nil {
		net.Release()
		return nil, errors.Wrap(err, "compile network")
	}

	return &Model{
		Network:      net,
		Space:        space,
		Input:        in,
		Filters:      stageFilters(space),
		Optimizer:    space.Optimizer,
		LearningRate: space.LearningRate(),
	}, nil
}
