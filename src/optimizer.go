package flow

import "math"

// Optimizer updates network parameters
type Optimizer interface {
	init(params []*tensor)
	step(params []*tensor, grads []*tensor)
	learningRate() float64
	release()
	name() string
}

// AdamOptimizer - Adaptive Moment Estimation
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	m           []*tensor
	v           []*tensor
	t           int
	initialized bool
}

type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamConfig returns the Keras defaults with the given learning rate
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:      config.LR,
		Beta1:   config.Beta1,
		Beta2:   config.Beta2,
		Epsilon: config.Epsilon,
	}
}

func (a *AdamOptimizer) init(params []*tensor) {
	a.m = make([]*tensor, len(params))
	a.v = make([]*tensor, len(params))
	for i, p := range params {
		a.m[i] = newTensor(p.shape...)
		a.v[i] = newTensor(p.shape...)
	}
	a.t = 0
	a.initialized = true
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	if !a.initialized {
		a.init(params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		g := grads[i]
		m := a.m[i]
		v := a.v[i]

		for j := range p.data {
			grad := g.data[j]
			m.data[j] = a.Beta1*m.data[j] + (1-a.Beta1)*grad
			v.data[j] = a.Beta2*v.data[j] + (1-a.Beta2)*grad*grad

			mHat := m.data[j] / bc1
			vHat := v.data[j] / bc2
			p.data[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

func (a *AdamOptimizer) learningRate() float64 { return a.LR }
func (a *AdamOptimizer) name() string          { return "adam" }

func (a *AdamOptimizer) release() {
	a.m, a.v = nil, nil
	a.initialized = false
}

// NadamOptimizer - Adam with Nesterov momentum and the Keras momentum schedule
type NadamOptimizer struct {
	LR            float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	ScheduleDecay float64
	m             []*tensor
	v             []*tensor
	mSchedule     float64
	t             int
	initialized   bool
}

type NadamConfig struct {
	LR            float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	ScheduleDecay float64
}

// DefaultNadamConfig returns the Keras defaults with the given learning rate
func DefaultNadamConfig(lr float64) NadamConfig {
	return NadamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7, ScheduleDecay: 0.004}
}

func Nadam(config NadamConfig) Optimizer {
	return &NadamOptimizer{
		LR:            config.LR,
		Beta1:         config.Beta1,
		Beta2:         config.Beta2,
		Epsilon:       config.Epsilon,
		ScheduleDecay: config.ScheduleDecay,
	}
}

func (n *NadamOptimizer) init(params []*tensor) {
	n.m = make([]*tensor, len(params))
	n.v = make([]*tensor, len(params))
	for i, p := range params {
		n.m[i] = newTensor(p.shape...)
		n.v[i] = newTensor(p.shape...)
	}
	n.mSchedule = 1
	n.t = 0
	n.initialized = true
}

func (n *NadamOptimizer) step(params []*tensor, grads []*tensor) {
	if !n.initialized {
		n.init(params)
	}
	n.t++
	t := float64(n.t)

	momentumT := n.Beta1 * (1 - 0.5*math.Pow(0.96, t*n.ScheduleDecay))
	momentumNext := n.Beta1 * (1 - 0.5*math.Pow(0.96, (t+1)*n.ScheduleDecay))
	scheduleNew := n.mSchedule * momentumT
	scheduleNext := scheduleNew * momentumNext
	n.mSchedule = scheduleNew
	bc2 := 1 - math.Pow(n.Beta2, t)

	for i, p := range params {
		g := grads[i]
		m := n.m[i]
		v := n.v[i]

		for j := range p.data {
			grad := g.data[j]
			gPrime := grad / (1 - scheduleNew)
			m.data[j] = n.Beta1*m.data[j] + (1-n.Beta1)*grad
			mPrime := m.data[j] / (1 - scheduleNext)
			v.data[j] = n.Beta2*v.data[j] + (1-n.Beta2)*grad*grad
			vPrime := v.data[j] / bc2
			mBar := (1-momentumT)*gPrime + momentumNext*mPrime
			p.data[j] -= n.LR * mBar / (math.Sqrt(vPrime) + n.Epsilon)
		}
	}
}

func (n *NadamOptimizer) learningRate() float64 { return n.LR }
func (n *NadamOptimizer) name() string          { return "nadam" }

func (n *NadamOptimizer) release() {
	n.m, n.v = nil, nil
	n.initialized = false
}

// RMSpropOptimizer
type RMSpropOptimizer struct {
	LR          float64
	Rho         float64
	Epsilon     float64
	v           []*tensor
	initialized bool
}

type RMSpropConfig struct {
	LR      float64
	Rho     float64
	Epsilon float64
}

// DefaultRMSpropConfig returns the Keras defaults with the given learning rate
func DefaultRMSpropConfig(lr float64) RMSpropConfig {
	return RMSpropConfig{LR: lr, Rho: 0.9, Epsilon: 1e-7}
}

func RMSprop(config RMSpropConfig) Optimizer {
	return &RMSpropOptimizer{
		LR:      config.LR,
		Rho:     config.Rho,
		Epsilon: config.Epsilon,
	}
}

func (r *RMSpropOptimizer) init(params []*tensor) {
	r.v = make([]*tensor, len(params))
	for i, p := range params {
		r.v[i] = newTensor(p.shape...)
	}
	r.initialized = true
}

func (r *RMSpropOptimizer) step(params []*tensor, grads []*tensor) {
	if !r.initialized {
		r.init(params)
	}

	for i, p := range params {
		grad := grads[i]
		v := r.v[i]

		for j := range p.data {
			g := grad.data[j]
			v.data[j] = r.Rho*v.data[j] + (1-r.Rho)*g*g
			p.data[j] -= r.LR * g / (math.Sqrt(v.data[j]) + r.Epsilon)
		}
	}
}

func (r *RMSpropOptimizer) learningRate() float64 { return r.LR }
func (r *RMSpropOptimizer) name() string          { return "rmsprop" }

func (r *RMSpropOptimizer) release() {
	r.v = nil
	r.initialized = false
}
