// Package flow is the numeric engine behind hyperflow: a small, pure-Go,
// Keras-style layer library for channels-last image classifiers.
//
// Every hyperparameter is explicit. Layers are assembled with fluent builders,
// the network is built against an input shape, compiled with an optimizer and
// a loss, then trained:
//
//	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: 42}).
//		AddLayer(flow.RandomFlip(flow.RandomFlipConfig{AtEval: true}).Build()).
//		AddLayer(flow.Conv2D(32, [2]int{3, 3}).
//			WithPadding("same").
//			WithActivation(flow.ReLU()).
//			WithInitializer(flow.GlorotUniform(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		AddLayer(flow.MaxPool2D([2]int{2, 2}).Build()).
//		AddLayer(flow.Flatten().Build()).
//		AddLayer(flow.Dense(10).
//			WithActivation(flow.Softmax()).
//			WithInitializer(flow.GlorotUniform(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{32, 32, 3})
//
//	err = net.Compile(flow.CompileConfig{
//		Optimizer: flow.Nadam(flow.DefaultNadamConfig(0.001)),
//		Loss:      flow.CrossEntropy(flow.CrossEntropyConfig{}),
//		Metrics:   []flow.Metric{flow.Accuracy()},
//	})
//
//	result, err := net.Train(trainX, trainY, flow.TrainConfig{
//		Epochs:         100,
//		BatchSize:      700,
//		Shuffle:        true,
//		ValidationData: &flow.ValidationData{Inputs: testX, Targets: testY},
//	}, []flow.Callback{flow.LogProgress(flow.LogProgressConfig{Every: 1})})
package flow

// Version of the engine
const Version = "1.1.0"

// DebugMode enables verbose shape logging during Build
var DebugMode = false

// SetDebug enables or disables debug mode
func SetDebug(enabled bool) {
	DebugMode = enabled
}
