package runner

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"hyperflow/arch"
)

// Status is the outcome tag a hyperparameter search reads from a record
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// Record is the result of one training run. Loss and Accuracy are the best
// validation values over all epochs; EndLoss and EndAccuracy come from the
// final evaluation on the test split.
type Record struct {
	Loss        float64              `json:"loss"`
	Accuracy    float64              `json:"accuracy"`
	EndLoss     float64              `json:"end_loss"`
	EndAccuracy float64              `json:"end_accuracy"`
	ModelName   string               `json:"model_name"`
	Space       arch.Space           `json:"space"`
	History     map[string][]float64 `json:"history"`
	Status      Status               `json:"status"`
	Error       string               `json:"error,omitempty"`
}

// FileName is the name the record is persisted under
func (r *Record) FileName() string {
	return r.ModelName + ".txt.json"
}

func modelName(accuracy float64) string {
	return "model_" + strconv.FormatFloat(accuracy, 'f', -1, 64) + "_" + uuid.NewString()
}

func failedModelName() string {
	return "model_failed_" + uuid.NewString()
}

func newRecord(space arch.Space, history map[string][]float64, endLoss, endAccuracy float64) *Record {
	return &Record{
		Loss:        minOf(history["val_loss"]),
		Accuracy:    maxOf(history["val_accuracy"]),
		EndLoss:     endLoss,
		EndAccuracy: endAccuracy,
		ModelName:   modelName(endAccuracy),
		Space:       space,
		History:     history,
		Status:      StatusOK,
	}
}

func newFailedRecord(space arch.Space, err error) *Record {
	return &Record{
		ModelName: failedModelName(),
		Space:     space,
		History:   map[string][]float64{},
		Status:    StatusFail,
		Error:     err.Error(),
	}
}

func minOf(values []float64) float64 {
	best := math.Inf(1)
	for _, v := range values {
		best = math.Min(best, v)
	}
	return best
}

func maxOf(values []float64) float64 {
	best := math.Inf(-1)
	for _, v := range values {
		best = math.Max(best, v)
	}
	return best
}

// Marshal encodes the record with sorted keys and four-space indentation.
func (r *Record) Marshal() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	// round trip through a generic tree so every object, the space
	// included, comes out with sorted keys
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalRecord decodes a record written by Marshal
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return &r, nil
}

// ReadRecord loads a persisted record
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read record")
	}
	return UnmarshalRecord(data)
}

// writeFile replaces path atomically through a temp file in the same directory.
func writeFile(path string, data []byte) error {
	dir, name := filepath.Split(path)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// save writes the record into dir and returns its path.
func (r *Record) save(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, r.FileName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, err
	}
	return path, writeFile(path, data)
}
