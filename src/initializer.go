package flow

import (
	"math"
	"math/rand"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// GlorotUniformInit - Xavier/Glorot uniform, the Keras default kernel initializer
type GlorotUniformInit struct {
	Gain float64
}

func GlorotUniform(gain float64) Initializer {
	return &GlorotUniformInit{Gain: gain}
}

func (g *GlorotUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := g.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (g *GlorotUniformInit) name() string { return "glorot_uniform" }

// ZerosInit - all zeros
type ZerosInit struct{}

func Zeros() Initializer { return &ZerosInit{} }

func (z *ZerosInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.zero()
}

func (z *ZerosInit) name() string { return "zeros" }
