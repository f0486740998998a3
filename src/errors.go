package flow

import (
	"fmt"
	"math"
	"strings"
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // first 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// Corrupt reports whether the tensor held any NaN or Inf values
func (t *TensorInfo) Corrupt() bool {
	return t.NaNCount > 0 || t.InfCount > 0
}

// FlowError is the standard error type for the engine
type FlowError struct {
	Component  string // "Network", "Conv2D", ...
	ErrorType  string // "divergence", "shape mismatch", ...
	LayerIndex int    // -1 when not tied to a layer
	Phase      string // "build", "forward", "backward", "loss", "evaluate"
	Epoch      int    // -1 outside the training loop
	Batch      int    // -1 outside the training loop
	Info       *TensorInfo
	Cause      string
}

// Error implements the error interface
func (e *FlowError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "flow: %s %s", e.Component, e.ErrorType)
	if e.LayerIndex >= 0 {
		fmt.Fprintf(&b, " at layer %d", e.LayerIndex)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.Epoch >= 0 {
		fmt.Fprintf(&b, " (epoch %d", e.Epoch+1)
		if e.Batch >= 0 {
			fmt.Fprintf(&b, ", batch %d", e.Batch)
		}
		b.WriteString(")")
	}
	if e.Info != nil {
		fmt.Fprintf(&b, ": %s", e.Info.Format())
	}
	fmt.Fprintf(&b, ": %s", e.Cause)

	return b.String()
}

// IsDivergence reports whether the error came from a NaN/Inf loss or output
func (e *FlowError) IsDivergence() bool {
	return e.ErrorType == "divergence"
}

// scanTensor checks for NaN/Inf and collects stats
func scanTensor(t *tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      t.shape,
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		switch {
		case math.IsNaN(v):
			info.NaNCount++
		case math.IsInf(v, 0):
			info.InfCount++
		default:
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
			continue
		}
		if len(info.BadIndices) < 10 {
			info.BadIndices = append(info.BadIndices, i)
		}
	}

	// empty or all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

// checkFinite returns a divergence error when the loss or the network output went non-finite.
func checkFinite(loss float64, output *tensor, phase string, epoch, batch int) error {
	if !math.IsNaN(loss) && !math.IsInf(loss, 0) {
		return nil
	}
	return &FlowError{
		Component:  "Network",
		ErrorType:  "divergence",
		LayerIndex: -1,
		Phase:      phase,
		Epoch:      epoch,
		Batch:      batch,
		Info:       scanTensor(output),
		Cause:      fmt.Sprintf("loss is %v", loss),
	}
}
