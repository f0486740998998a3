package flow

import "math"

// Activation represents an element-wise (or row-wise) activation function
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = math.Max(v, 0)
	}
}

func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// SoftmaxActivation - normalizes the last dimension into a probability distribution
type SoftmaxActivation struct{}

func Softmax() Activation { return &SoftmaxActivation{} }

func (s *SoftmaxActivation) forward(x *tensor, out *tensor) {
	cols := x.shape[len(x.shape)-1]
	rows := len(x.data) / cols
	for r := 0; r < rows; r++ {
		in := x.data[r*cols : (r+1)*cols]
		o := out.data[r*cols : (r+1)*cols]
		maxV := in[0]
		for _, v := range in[1:] {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for c, v := range in {
			o[c] = math.Exp(v - maxV)
			sum += o[c]
		}
		for c := range o {
			o[c] /= sum
		}
	}
}

// backward passes the gradient through unchanged: CrossEntropy already
// returns d(loss)/d(logits) for a softmax output.
func (s *SoftmaxActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (s *SoftmaxActivation) name() string { return "softmax" }

// LinearActivation - identity
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }
