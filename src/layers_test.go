package flow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLayer(t *testing.T, l Layer, inputShape ...int) Layer {
	t.Helper()
	require.NoError(t, l.build(inputShape, rand.New(rand.NewSource(1))))
	return l
}

func sequence(n int, shape ...int) *tensor {
	x := newTensor(shape...)
	for i := range x.data {
		x.data[i] = float64(i%n) - float64(n)/2
	}
	return x
}

func TestConv2DOutputShapes(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
		want  []int
	}{
		{
			name:  "same padding keeps size",
			layer: Conv2D(4, [2]int{3, 3}).WithPadding("same").WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build(),
			want:  []int{8, 8, 4},
		},
		{
			name:  "valid stride two",
			layer: Conv2D(2, [2]int{3, 3}).WithStride(2, 2).WithActivation(Linear()).WithInitializer(GlorotUniform(1)).Build(),
			want:  []int{3, 3, 2},
		},
		{
			name:  "five by five same",
			layer: Conv2D(1, [2]int{5, 5}).WithPadding("same").WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).WithBias(true).WithBiasInitializer(Zeros()).Build(),
			want:  []int{8, 8, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := buildLayer(t, tt.layer, 8, 8, 3)
			assert.Equal(t, tt.want, l.outputShape())

			out, err := l.forward(sequence(7, 2, 8, 8, 3), true)
			require.NoError(t, err)
			assert.Equal(t, append([]int{2}, tt.want...), out.shape)

			grad, err := l.backward(newTensor(out.shape...))
			require.NoError(t, err)
			assert.Equal(t, []int{2, 8, 8, 3}, grad.shape)
		})
	}
}

func TestConv2DRejectsBadConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := Conv2D(2, [2]int{3, 3}).WithPadding("full").WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build()
	assert.Error(t, l.build([]int{8, 8, 3}, rng))

	l = Conv2D(2, [2]int{3, 3}).WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build()
	assert.Error(t, l.build([]int{2, 2, 3}, rng), "kernel larger than valid input")

	l = Conv2D(2, [2]int{3, 3}).WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build()
	assert.Error(t, l.build([]int{64}, rng))
}

func TestMaxPool2D(t *testing.T) {
	l := buildLayer(t, MaxPool2D([2]int{2, 2}).Build(), 4, 4, 1)
	assert.Equal(t, []int{2, 2, 1}, l.outputShape())

	x := newTensor(1, 4, 4, 1)
	for i := range x.data {
		x.data[i] = float64(i)
	}
	out, err := l.forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 13, 15}, out.data)

	grad := newTensor(out.shape...)
	grad.fill(1)
	gradIn, err := l.backward(grad)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, sum(gradIn.data), 1e-12)
	assert.Equal(t, 1.0, gradIn.data[5])
	assert.Equal(t, 0.0, gradIn.data[0])

	odd := buildLayer(t, MaxPool2D([2]int{2, 2}).Build(), 5, 5, 2)
	assert.Equal(t, []int{2, 2, 2}, odd.outputShape())
	assert.Error(t, MaxPool2D([2]int{2, 2}).Build().build([]int{1, 1, 2}, rand.New(rand.NewSource(1))))
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func TestBatchNormPreservesShape(t *testing.T) {
	l := buildLayer(t, BatchNorm(1e-3, 0.99).Build(), 4, 4, 3)
	assert.Equal(t, []int{4, 4, 3}, l.outputShape())

	x := sequence(11, 5, 4, 4, 3)
	out, err := l.forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, x.shape, out.shape)

	// every channel is normalized to zero mean and roughly unit variance
	for c := 0; c < 3; c++ {
		mean, sq, n := 0.0, 0.0, 0.0
		for i := c; i < len(out.data); i += 3 {
			mean += out.data[i]
			sq += out.data[i] * out.data[i]
			n++
		}
		assert.InDelta(t, 0.0, mean/n, 1e-9)
		assert.InDelta(t, 1.0, sq/n, 1e-2)
	}

	grad, err := l.backward(newTensor(out.shape...))
	require.NoError(t, err)
	assert.Equal(t, x.shape, grad.shape)

	dense := buildLayer(t, BatchNorm(1e-3, 0.99).Build(), 6)
	assert.Equal(t, []int{6}, dense.outputShape())

	assert.Error(t, BatchNorm(0, 0.99).Build().build([]int{3}, nil))
	assert.Error(t, BatchNorm(1e-3, 1).Build().build([]int{3}, nil))
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	l := buildLayer(t, BatchNorm(1e-3, 0.99).Build(), 2)
	x := newTensor(1, 2)
	x.data[0], x.data[1] = 3, -2

	out, err := l.forward(x, false)
	require.NoError(t, err)
	// fresh running stats are mean 0, variance 1
	assert.InDelta(t, 3/math.Sqrt(1+1e-3), out.data[0], 1e-12)
	assert.InDelta(t, -2/math.Sqrt(1+1e-3), out.data[1], 1e-12)
}

func TestDropout(t *testing.T) {
	l := buildLayer(t, Dropout(0.5).Build(), 1000)
	assert.Equal(t, []int{1000}, l.outputShape())

	x := newTensor(1, 1000)
	x.fill(1)

	out, err := l.forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.data, out.data, "identity outside training")

	out, err = l.forward(x, true)
	require.NoError(t, err)
	zeros := 0
	for _, v := range out.data {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 2.0, v, 1e-12)
	}
	assert.InDelta(t, 500, zeros, 100)

	none := buildLayer(t, Dropout(0).Build(), 4, 4, 2)
	x = sequence(5, 2, 4, 4, 2)
	out, err = none.forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, x.data, out.data)
}

func TestRandomFlip(t *testing.T) {
	image := func() *tensor {
		x := newTensor(64, 1, 3, 1)
		for b := 0; b < 64; b++ {
			copy(x.data[b*3:], []float64{1, 2, 3})
		}
		return x
	}

	countFlipped := func(out *tensor) int {
		flipped := 0
		for b := 0; b < 64; b++ {
			row := out.data[b*3 : b*3+3]
			switch {
			case row[0] == 3 && row[1] == 2 && row[2] == 1:
				flipped++
			case row[0] == 1 && row[1] == 2 && row[2] == 3:
			default:
				t.Fatalf("image %d is neither original nor mirrored: %v", b, row)
			}
		}
		return flipped
	}

	l := buildLayer(t, RandomFlip(RandomFlipConfig{AtEval: false}).Build(), 1, 3, 1)
	out, err := l.forward(image(), true)
	require.NoError(t, err)
	n := countFlipped(out)
	assert.True(t, n > 0 && n < 64, "flipped %d of 64", n)

	grad := newTensor(out.shape...)
	copy(grad.data, out.data)
	back, err := l.backward(grad)
	require.NoError(t, err)
	assert.Equal(t, image().data, back.data, "backward undoes the flip")

	out, err = l.forward(image(), false)
	require.NoError(t, err)
	assert.Zero(t, countFlipped(out), "no flip at eval")

	atEval := buildLayer(t, RandomFlip(RandomFlipConfig{AtEval: true}).Build(), 1, 3, 1)
	out, err = atEval.forward(image(), false)
	require.NoError(t, err)
	assert.NotZero(t, countFlipped(out), "flip stays active at eval")
}

func TestResidualAddsBranch(t *testing.T) {
	// a zero-initialized linear conv makes each branch output zero, so the
	// block is the identity; a constant bias then shifts it by repeats*bias
	zeroBranch := func() []Layer {
		return []Layer{
			Dropout(0).Build(),
			Conv2D(2, [2]int{3, 3}).WithPadding("same").WithActivation(Linear()).WithInitializer(Zeros()).Build(),
		}
	}
	l := buildLayer(t, Residual(3, zeroBranch).Build(), 4, 4, 2)
	x := sequence(9, 2, 4, 4, 2)
	out, err := l.forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, x.data, out.data)

	biasBranch := func() []Layer {
		return []Layer{
			Conv2D(2, [2]int{1, 1}).WithActivation(Linear()).WithInitializer(Zeros()).
				WithBias(true).WithBiasInitializer(constInit(0.5)).Build(),
		}
	}
	l = buildLayer(t, Residual(2, biasBranch).Build(), 4, 4, 2)
	out, err = l.forward(x, true)
	require.NoError(t, err)
	for i := range x.data {
		assert.InDelta(t, x.data[i]+1.0, out.data[i], 1e-12)
	}

	// identity path carries the gradient through unchanged plus the branch
	grad := newTensor(out.shape...)
	grad.fill(1)
	gradIn, err := l.backward(grad)
	require.NoError(t, err)
	for _, g := range gradIn.data {
		assert.InDelta(t, 1.0, g, 1e-12)
	}

	r := l.(*ResidualLayer)
	infos := r.describe()
	assert.Len(t, infos, 4)
	assert.Equal(t, "add", infos[1].Name)
	assert.Equal(t, "add", infos[3].Name)
}

func TestResidualRejectsShapeChange(t *testing.T) {
	branch := func() []Layer {
		return []Layer{Conv2D(5, [2]int{3, 3}).WithPadding("same").WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build()}
	}
	err := Residual(1, branch).Build().build([]int{4, 4, 2}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	zero := buildLayer(t, Residual(0, nil).Build(), 4, 4, 2)
	assert.Equal(t, []int{4, 4, 2}, zero.outputShape())
	assert.Error(t, Residual(-1, branch).Build().build([]int{4, 4, 2}, nil))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := newTensor(3, 4)
	copy(x.data, []float64{1, 2, 3, 4, -100, 0, 100, 5, 0, 0, 0, 0})
	out := newTensor(3, 4)
	Softmax().forward(x, out)
	for r := 0; r < 3; r++ {
		assert.InDelta(t, 1.0, sum(out.data[r*4:r*4+4]), 1e-12)
	}
	assert.InDelta(t, 0.25, out.data[8], 1e-12)
	assert.InDelta(t, 1.0, out.data[6], 1e-9)
}

func TestGlorotUniformBounds(t *testing.T) {
	w := newTensor(3, 3, 4, 8)
	GlorotUniform(1).initialize(w, 36, 72, rand.New(rand.NewSource(2)))
	limit := math.Sqrt(6.0 / (36 + 72))
	nonZero := 0
	for _, v := range w.data {
		assert.LessOrEqual(t, math.Abs(v), limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Equal(t, len(w.data), nonZero)
}

type constInitializer float64

func constInit(v float64) Initializer { return constInitializer(v) }

func (c constInitializer) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(float64(c))
}

func (c constInitializer) name() string { return "constant" }
