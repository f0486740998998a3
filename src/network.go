package flow

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network is the main neural network container
type Network struct {
	layers     []Layer
	optimizer  Optimizer
	loss       Loss
	metrics    []Metric
	compiled   bool
	built      bool
	released   bool
	rng        *rand.Rand
	inputShape []int
	verbose    bool
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers:  make([]Layer, 0),
			rng:     rand.New(rand.NewSource(config.Seed)),
			verbose: config.Verbose,
		},
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errors.New("flow: AddLayer called with nil layer")
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure against a per-sample input shape
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errors.New("flow: network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("flow: inputShape must be specified")
	}

	net := n.network
	net.inputShape = slices.Clone(inputShape)

	currentShape := net.inputShape
	if net.verbose || DebugMode {
		klog.Infof("layer  -: %-12s %v", "input", currentShape)
	}
	for i, layer := range net.layers {
		if err := layer.build(currentShape, net.rng); err != nil {
			return nil, &FlowError{
				Component:  layer.name(),
				ErrorType:  "invalid layer",
				LayerIndex: i,
				Phase:      "build",
				Epoch:      -1,
				Batch:      -1,
				Cause:      err.Error(),
			}
		}
		if outShape := layer.outputShape(); outShape != nil {
			currentShape = outShape
		}
		if net.verbose || DebugMode {
			klog.Infof("layer %2d: %-12s %v", i, layer.name(), currentShape)
		}
	}

	net.built = true
	return net, nil
}

// Compile configures optimizer, loss, and metrics
func (n *Network) Compile(config CompileConfig) error {
	if !n.built {
		return errors.New("flow: network must be built before compiling")
	}
	if err := ValidateCompileConfig(config); err != nil {
		return err
	}

	n.optimizer = config.Optimizer
	n.loss = config.Loss
	n.metrics = config.Metrics
	n.compiled = true

	return nil
}

// TrainResult holds training output
type TrainResult struct {
	History      map[string][]float64
	FinalLoss    float64
	FinalMetrics map[string]float64
	Epochs       int
}

func (n *Network) ready(op string) error {
	if n.released {
		return errorf("network released - cannot %s", op)
	}
	if !n.compiled {
		return errorf("network must be compiled before %s", op)
	}
	return nil
}

// toTensors checks the sample/target widths and packs them for the engine.
func (n *Network) toTensors(inputs, targets [][]float64) (*tensor, *tensor, error) {
	if len(inputs) == 0 {
		return nil, nil, errors.New("flow: no samples provided")
	}
	if targets != nil && len(inputs) != len(targets) {
		return nil, nil, errorf("inputs (%d) and targets (%d) must have same length", len(inputs), len(targets))
	}
	inputDim := shapeSize(n.inputShape)
	for i, row := range inputs {
		if len(row) != inputDim {
			return nil, nil, errorf("sample %d has %d values, input shape %v needs %d", i, len(row), n.inputShape, inputDim)
		}
	}
	x := tensorFromRows(inputs, n.inputShape)
	if targets == nil {
		return x, nil, nil
	}
	outDim := shapeSize(n.OutputShape())
	for i, row := range targets {
		if len(row) != outDim {
			return nil, nil, errorf("target %d has %d values, output layer has %d", i, len(row), outDim)
		}
	}
	return x, tensorFromRows(targets, []int{outDim}), nil
}

func (n *Network) forward(x *tensor, training bool) (*tensor, error) {
	out := x
	var err error
	for i, layer := range n.layers {
		if out, err = layer.forward(out, training); err != nil {
			return nil, pkgerrors.Wrapf(err, "layer %d (%s) forward", i, layer.name())
		}
	}
	return out, nil
}

// Train trains the network
func (n *Network) Train(inputs [][]float64, targets [][]float64, config TrainConfig, callbacks []Callback) (*TrainResult, error) {
	if err := n.ready("training"); err != nil {
		return nil, err
	}
	if err := ValidateTrainConfig(config); err != nil {
		return nil, err
	}

	inputTensor, targetTensor, err := n.toTensors(inputs, targets)
	if err != nil {
		return nil, err
	}

	var trainX, trainY, valX, valY *tensor
	switch {
	case config.ValidationData != nil:
		trainX, trainY = inputTensor, targetTensor
		if valX, valY, err = n.toTensors(config.ValidationData.Inputs, config.ValidationData.Targets); err != nil {
			return nil, pkgerrors.Wrap(err, "validation data")
		}
	case config.ValidationSplit > 0:
		trainX, trainY, valX, valY = splitData(inputTensor, targetTensor, config.ValidationSplit)
	default:
		trainX, trainY = inputTensor, targetTensor
	}

	evalBatch := config.EvalBatchSize
	if evalBatch == 0 {
		evalBatch = config.BatchSize
	}

	result := &TrainResult{
		History:      make(map[string][]float64),
		FinalMetrics: make(map[string]float64),
	}
	logs := make(map[string]float64)

	for _, cb := range callbacks {
		cb.onTrainBegin(logs)
	}

	trainSize := trainX.shape[0]
	numBatches := (trainSize + config.BatchSize - 1) / config.BatchSize

	var params, grads []*tensor
	for _, layer := range n.layers {
		params = append(params, layer.parameters()...)
		grads = append(grads, layer.gradients()...)
	}

	for epoch := 0; epoch < config.Epochs; epoch++ {
		for _, cb := range callbacks {
			cb.onEpochBegin(epoch, logs)
		}

		if config.Shuffle {
			shuffleData(trainX, trainY, n.rng)
		}

		epochLoss := 0.0
		for _, m := range n.metrics {
			m.reset()
		}

		for batch := 0; batch < numBatches; batch++ {
			start := batch * config.BatchSize
			batchX := getBatch(trainX, start, config.BatchSize)
			batchY := getBatch(trainY, start, config.BatchSize)

			output, err := n.forward(batchX, true)
			if err != nil {
				return nil, err
			}

			batchLoss := n.loss.compute(output, batchY)
			if err := checkFinite(batchLoss, output, "training", epoch, batch); err != nil {
				return nil, err
			}
			epochLoss += batchLoss * float64(batchX.shape[0])

			for _, m := range n.metrics {
				m.update(output, batchY)
			}

			gradOutput := newTensor(output.shape...)
			n.loss.gradient(output, batchY, gradOutput)

			for i := len(n.layers) - 1; i >= 0; i-- {
				if gradOutput, err = n.layers[i].backward(gradOutput); err != nil {
					return nil, pkgerrors.Wrapf(err, "layer %d (%s) backward", i, n.layers[i].name())
				}
			}

			n.optimizer.step(params, grads)
		}

		logs["loss"] = epochLoss / float64(trainSize)
		for _, m := range n.metrics {
			logs[m.name()] = m.result()
		}

		if valX != nil {
			valLoss, valMetrics, err := n.evaluateTensors(valX, valY, evalBatch)
			if err != nil {
				return nil, err
			}
			if err := checkFinite(valLoss, nil, "validation", epoch, -1); err != nil {
				return nil, err
			}
			logs["val_loss"] = valLoss
			for k, v := range valMetrics {
				logs["val_"+k] = v
			}
		}

		for k, v := range logs {
			result.History[k] = append(result.History[k], v)
		}
		result.Epochs = epoch + 1

		stopTraining := false
		for _, cb := range callbacks {
			if cb.onEpochEnd(epoch, logs) {
				stopTraining = true
			}
		}
		if stopTraining {
			break
		}
	}

	for _, cb := range callbacks {
		cb.onTrainEnd(logs)
	}

	result.FinalLoss = logs["loss"]
	for _, m := range n.metrics {
		result.FinalMetrics[m.name()] = logs[m.name()]
	}

	return result, nil
}

// evaluateTensors runs inference in batches and returns the sample-weighted mean loss and metrics.
func (n *Network) evaluateTensors(x, y *tensor, batchSize int) (float64, map[string]float64, error) {
	total := x.shape[0]
	for _, m := range n.metrics {
		m.reset()
	}
	lossSum := 0.0
	for start := 0; start < total; start += batchSize {
		batchX := getBatch(x, start, batchSize)
		batchY := getBatch(y, start, batchSize)
		output, err := n.forward(batchX, false)
		if err != nil {
			return 0, nil, err
		}
		lossSum += n.loss.compute(output, batchY) * float64(batchX.shape[0])
		for _, m := range n.metrics {
			m.update(output, batchY)
		}
	}
	results := make(map[string]float64, len(n.metrics))
	for _, m := range n.metrics {
		results[m.name()] = m.result()
	}
	return lossSum / float64(total), results, nil
}

// Evaluate runs evaluation on test data without updating any weight. The
// result holds "loss" plus one entry per compiled metric.
func (n *Network) Evaluate(inputs [][]float64, targets [][]float64, batchSize int) (map[string]float64, error) {
	if err := n.ready("evaluation"); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, errorf("batch size must be > 0, got %d", batchSize)
	}
	x, y, err := n.toTensors(inputs, targets)
	if err != nil {
		return nil, err
	}
	loss, results, err := n.evaluateTensors(x, y, batchSize)
	if err != nil {
		return nil, err
	}
	if err := checkFinite(loss, nil, "evaluate", -1, -1); err != nil {
		return nil, err
	}
	results["loss"] = loss
	return results, nil
}

// Predict runs inference on inputs
func (n *Network) Predict(inputs [][]float64, batchSize int) ([][]float64, error) {
	if err := n.ready("prediction"); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, errorf("batch size must be > 0, got %d", batchSize)
	}
	x, _, err := n.toTensors(inputs, nil)
	if err != nil {
		return nil, err
	}

	result := make([][]float64, 0, len(inputs))
	for start := 0; start < x.shape[0]; start += batchSize {
		output, err := n.forward(getBatch(x, start, batchSize), false)
		if err != nil {
			return nil, err
		}
		result = append(result, output.rows()...)
	}
	return result, nil
}

// LayerInfo describes one node of the built computation graph
type LayerInfo struct {
	Index       int
	Name        string
	OutputShape []int
	Params      int
}

func layerInfo(l Layer) LayerInfo {
	info := LayerInfo{Name: l.name(), OutputShape: slices.Clone(l.outputShape())}
	for _, p := range l.parameters() {
		info.Params += p.size()
	}
	return info
}

// Describe lists the graph nodes in order, starting with the input
// placeholder. Composite layers such as Residual are expanded so every
// add node appears on its own.
func (n *Network) Describe() []LayerInfo {
	infos := []LayerInfo{{Name: "input", OutputShape: slices.Clone(n.inputShape)}}
	shape := n.inputShape
	for _, l := range n.layers {
		var nodes []LayerInfo
		if r, ok := l.(*ResidualLayer); ok {
			nodes = r.describe()
		} else {
			nodes = []LayerInfo{layerInfo(l)}
		}
		for _, info := range nodes {
			if info.OutputShape == nil {
				info.OutputShape = slices.Clone(shape)
			}
			shape = info.OutputShape
			info.Index = len(infos)
			infos = append(infos, info)
		}
	}
	return infos
}

// InputShape returns the per-sample input shape
func (n *Network) InputShape() []int { return slices.Clone(n.inputShape) }

// OutputShape returns the per-sample output shape of the last layer
func (n *Network) OutputShape() []int {
	shape := n.inputShape
	for _, l := range n.layers {
		if out := l.outputShape(); out != nil {
			shape = out
		}
	}
	return slices.Clone(shape)
}

// LossName returns the compiled loss, e.g. "categorical_crossentropy"
func (n *Network) LossName() string {
	if n.loss == nil {
		return ""
	}
	return n.loss.name()
}

// OptimizerName returns the compiled optimizer, e.g. "adam"
func (n *Network) OptimizerName() string {
	if n.optimizer == nil {
		return ""
	}
	return n.optimizer.name()
}

// LearningRate returns the compiled optimizer's learning rate
func (n *Network) LearningRate() float64 {
	if n.optimizer == nil {
		return 0
	}
	return n.optimizer.learningRate()
}

// MetricNames returns the compiled metric names in order
func (n *Network) MetricNames() []string {
	names := make([]string, len(n.metrics))
	for i, m := range n.metrics {
		names[i] = m.name()
	}
	return names
}

// ParamCount returns the number of trainable parameters
func (n *Network) ParamCount() int {
	total := 0
	for _, l := range n.layers {
		for _, p := range l.parameters() {
			total += p.size()
		}
	}
	return total
}

// Release drops all weights, optimizer state and cached activations. The
// network cannot be used afterwards; calling Release twice is a no-op.
func (n *Network) Release() {
	if n.released {
		return
	}
	for _, l := range n.layers {
		l.release()
	}
	if n.optimizer != nil {
		n.optimizer.release()
	}
	n.released = true
	n.compiled = false
}

// Released reports whether Release has been called
func (n *Network) Released() bool { return n.released }

// Summary prints network architecture
func (n *Network) Summary() string {
	var b strings.Builder
	b.WriteString("Network Summary\n")
	b.WriteString("===============\n")
	for _, info := range n.Describe() {
		fmt.Fprintf(&b, "%3d %-14s %-16v %d params\n", info.Index, info.Name, info.OutputShape, info.Params)
	}
	b.WriteString("===============\n")
	fmt.Fprintf(&b, "Total parameters: %d\n", n.ParamCount())
	return b.String()
}
