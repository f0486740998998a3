package runner

import "fmt"

// TrainingError wraps a failure while fitting or evaluating. Run turns it
// into a record with status "fail".
type TrainingError struct {
	Phase string // "fit" or "evaluate"
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("runner: %s failed: %v", e.Phase, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// SerializationError reports a record that could not be encoded or written.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("runner: serialize record: %v", e.Err)
	}
	return fmt.Sprintf("runner: write %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
