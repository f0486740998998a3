package flow

import (
	"math/rand"
	"slices"
)

// tensor is the engine's dense row-major storage; never exposed to callers
type tensor struct {
	data  []float64
	shape []int
}

func newTensor(shape ...int) *tensor {
	size := 1
	for _, s := range shape {
		size *= max(s, 1)
	}
	return &tensor{
		data:  make([]float64, size),
		shape: slices.Clone(shape),
	}
}

// tensorFromRows packs per-sample rows into a tensor of shape [len(rows), sampleShape...].
func tensorFromRows(rows [][]float64, sampleShape []int) *tensor {
	t := newTensor(append([]int{len(rows)}, sampleShape...)...)
	width := t.size() / max(len(rows), 1)
	for i, row := range rows {
		copy(t.data[i*width:(i+1)*width], row)
	}
	return t
}

// rows unpacks a [N, D] tensor into per-sample slices.
func (t *tensor) rows() [][]float64 {
	n := t.shape[0]
	width := t.size() / n
	out := make([][]float64, n)
	for i := range out {
		out[i] = slices.Clone(t.data[i*width : (i+1)*width])
	}
	return out
}

func (t *tensor) size() int {
	return len(t.data)
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *tensor) zero() {
	clear(t.data)
}

// matmul: out = a @ b
func matmul(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[1]

	for i := 0; i < m; i++ {
		row := out.data[i*n : (i+1)*n]
		clear(row)
		for l := 0; l < k; l++ {
			av := a.data[i*k+l]
			if av == 0 {
				continue
			}
			brow := b.data[l*n : (l+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// matmulTransA: out = a^T @ b
func matmulTransA(a, b, out *tensor) {
	m := a.shape[1]
	k := a.shape[0]
	n := b.shape[1]

	out.zero()
	for l := 0; l < k; l++ {
		brow := b.data[l*n : (l+1)*n]
		for i := 0; i < m; i++ {
			av := a.data[l*m+i]
			if av == 0 {
				continue
			}
			row := out.data[i*n : (i+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// matmulTransB: out = a @ b^T
func matmulTransB(a, b, out *tensor) {
	m := a.shape[0]
	k := a.shape[1]
	n := b.shape[0]

	for i := 0; i < m; i++ {
		arow := a.data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			brow := b.data[j*k : (j+1)*k]
			sum := 0.0
			for l, av := range arow {
				sum += av * brow[l]
			}
			out.data[i*n+j] = sum
		}
	}
}

// addVec broadcasts b over the last dimension of a
func addVec(a *tensor, b *tensor) {
	for i := range a.data {
		a.data[i] += b.data[i%len(b.data)]
	}
}

func elemMul(a, b, out *tensor) {
	for i := range a.data {
		out.data[i] = a.data[i] * b.data[i]
	}
}

func elemAdd(a, b, out *tensor) {
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
}

// sumRows accumulates a [rows, cols] view of a into out[cols]
func sumRows(a *tensor, out *tensor) {
	cols := len(out.data)
	for i, v := range a.data {
		out.data[i%cols] += v
	}
}
