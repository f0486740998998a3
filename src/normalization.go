package flow

import (
	"errors"
	"math"
	"math/rand"
	"slices"
)

// BatchNormLayer normalizes every feature of the last axis over all other
// axes (batch and, for images, height and width).
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64
	gamma       *tensor
	beta        *tensor
	runningMean *tensor
	runningVar  *tensor
	gradGamma   *tensor
	gradBeta    *tensor
	normalized  *tensor
	invStd      []float64
	features    int
	inputShape  []int
	built       bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

// BatchNorm creates a batch normalization layer; Keras uses epsilon 1e-3 and momentum 0.99.
func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errors.New("flow: BatchNorm requires non-empty input shape")
	}
	if bn.epsilon <= 0 {
		return errorf("BatchNorm epsilon must be > 0, got %g", bn.epsilon)
	}
	if bn.momentum < 0 || bn.momentum >= 1 {
		return errorf("BatchNorm momentum must be in [0, 1), got %g", bn.momentum)
	}
	bn.inputShape = slices.Clone(inputShape)
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = newTensor(bn.features)
	bn.gamma.fill(1.0)
	bn.beta = newTensor(bn.features)

	bn.runningMean = newTensor(bn.features)
	bn.runningVar = newTensor(bn.features)
	bn.runningVar.fill(1.0)

	bn.gradGamma = newTensor(bn.features)
	bn.gradBeta = newTensor(bn.features)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !bn.built {
		return nil, errors.New("flow: layer not built")
	}

	F := bn.features
	rows := input.size() / F
	mean := make([]float64, F)
	variance := make([]float64, F)

	if training {
		for i, v := range input.data {
			mean[i%F] += v
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for i, v := range input.data {
			d := v - mean[i%F]
			variance[i%F] += d * d
		}
		for j := range variance {
			variance[j] /= float64(rows)
		}

		for j := 0; j < F; j++ {
			bn.runningMean.data[j] = bn.momentum*bn.runningMean.data[j] + (1-bn.momentum)*mean[j]
			bn.runningVar.data[j] = bn.momentum*bn.runningVar.data[j] + (1-bn.momentum)*variance[j]
		}
	} else {
		copy(mean, bn.runningMean.data)
		copy(variance, bn.runningVar.data)
	}

	bn.invStd = make([]float64, F)
	for j := range variance {
		bn.invStd[j] = 1.0 / math.Sqrt(variance[j]+bn.epsilon)
	}

	bn.normalized = newTensor(input.shape...)
	output := newTensor(input.shape...)
	for i, v := range input.data {
		j := i % F
		xNorm := (v - mean[j]) * bn.invStd[j]
		bn.normalized.data[i] = xNorm
		output.data[i] = bn.gamma.data[j]*xNorm + bn.beta.data[j]
	}

	return output, nil
}

func (bn *BatchNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if bn.normalized == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	F := bn.features
	N := float64(gradOutput.size() / F)

	bn.gradGamma.zero()
	bn.gradBeta.zero()
	for i, g := range gradOutput.data {
		j := i % F
		bn.gradGamma.data[j] += g * bn.normalized.data[i]
		bn.gradBeta.data[j] += g
	}

	// dx = gamma*invStd/N * (N*dy - sum(dy) - xhat*sum(dy*xhat))
	gradInput := newTensor(gradOutput.shape...)
	for i, g := range gradOutput.data {
		j := i % F
		scale := bn.gamma.data[j] * bn.invStd[j] / N
		gradInput.data[i] = scale * (N*g - bn.gradBeta.data[j] - bn.normalized.data[i]*bn.gradGamma.data[j])
	}

	return gradInput, nil
}

func (bn *BatchNormLayer) parameters() []*tensor {
	return []*tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) gradients() []*tensor {
	return []*tensor{bn.gradGamma, bn.gradBeta}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }

func (bn *BatchNormLayer) release() {
	bn.gamma, bn.beta, bn.gradGamma, bn.gradBeta = nil, nil, nil, nil
	bn.runningMean, bn.runningVar = nil, nil
	bn.normalized, bn.invStd = nil, nil
	bn.built = false
}
