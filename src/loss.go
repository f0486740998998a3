package flow

import "math"

// Loss is a scalar training objective
type Loss interface {
	compute(pred, target *tensor) float64
	gradient(pred, target *tensor, gradOut *tensor)
	name() string
}

// CrossEntropyLoss - categorical cross-entropy over a softmax output
type CrossEntropyLoss struct {
	LabelSmoothing float64
}

type CrossEntropyConfig struct {
	LabelSmoothing float64
}

func CrossEntropy(config CrossEntropyConfig) Loss {
	return &CrossEntropyLoss{LabelSmoothing: config.LabelSmoothing}
}

func (c *CrossEntropyLoss) smooth(t float64, nClasses int) float64 {
	if c.LabelSmoothing > 0 {
		return t*(1-c.LabelSmoothing) + c.LabelSmoothing/float64(nClasses)
	}
	return t
}

// compute returns the mean loss over the batch
func (c *CrossEntropyLoss) compute(pred, target *tensor) float64 {
	const eps = 1e-7 // Keras clips probabilities to [eps, 1-eps]
	nClasses := pred.shape[len(pred.shape)-1]
	nSamples := len(pred.data) / nClasses

	sum := 0.0
	for idx, p := range pred.data {
		t := c.smooth(target.data[idx], nClasses)
		if t == 0 {
			continue
		}
		sum -= t * math.Log(math.Min(math.Max(p, eps), 1-eps))
	}
	return sum / float64(nSamples)
}

// gradient returns d(mean loss)/d(logits) assuming a softmax output layer
func (c *CrossEntropyLoss) gradient(pred, target *tensor, gradOut *tensor) {
	nClasses := pred.shape[len(pred.shape)-1]
	nSamples := len(pred.data) / nClasses
	scale := 1.0 / float64(nSamples)

	for idx, p := range pred.data {
		gradOut.data[idx] = scale * (p - c.smooth(target.data[idx], nClasses))
	}
}

func (c *CrossEntropyLoss) name() string { return "categorical_crossentropy" }
