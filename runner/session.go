package runner

import (
	"runtime/debug"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"hyperflow/arch"
	"hyperflow/dataset"
	flow "hyperflow/src"
)

// session owns the model of a single run. Close releases every tensor and
// optimizer slot the run allocated.
type session struct {
	model *arch.Model
	data  *dataset.Dataset
	cfg   Config
}

var buildModel = arch.Build

// newSession builds the model. A panic while building comes back as a
// *TrainingError with Phase "build"; nothing has been written at that point.
func newSession(space arch.Space, data *dataset.Dataset, cfg Config) (s *session, err error) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("Recovered panic during build: %v\n%s", p, debug.Stack())
			s, err = nil, &TrainingError{Phase: "build", Err: errors.Errorf("panic: %v", p)}
		}
	}()

	model, err := buildModel(space, arch.Options{
		Input: arch.InputShape{
			Height:   data.Height,
			Width:    data.Width,
			Channels: data.Channels,
			Classes:  data.Classes,
		},
		Seed:       cfg.Seed,
		FlipAtEval: cfg.FlipAtEval,
		Verbose:    cfg.Verbose,
	})
	if err != nil {
		return nil, err
	}
	return &session{model: model, data: data, cfg: cfg}, nil
}

func (s *session) Close() {
	s.model.Release()
}

func (s *session) callbacks() []flow.Callback {
	var cbs []flow.Callback
	if s.cfg.Progress {
		cbs = append(cbs, flow.LogProgress(flow.LogProgressConfig{Every: 1}))
	}
	if s.cfg.Patience > 0 {
		cbs = append(cbs, flow.EarlyStopping(flow.EarlyStoppingConfig{
			Monitor:  "val_loss",
			Patience: s.cfg.Patience,
			Mode:     "min",
		}))
	}
	return cbs
}

// fit trains on the train split, validating on the test split after every
// epoch, then evaluates once. Panics from the engine come back as errors.
func (s *session) fit() (history map[string][]float64, scores map[string]float64, err error) {
	phase := "fit"
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("Recovered panic during %s: %v\n%s", phase, p, debug.Stack())
			err = &TrainingError{Phase: phase, Err: errors.Errorf("panic: %v", p)}
		}
	}()

	net := s.model.Network
	result, err := net.Train(s.data.TrainX, s.data.TrainY, flow.TrainConfig{
		Epochs:    s.cfg.Epochs,
		BatchSize: s.cfg.BatchSize,
		Shuffle:   true,
		ValidationData: &flow.ValidationData{
			Inputs:  s.data.TestX,
			Targets: s.data.TestY,
		},
	}, s.callbacks())
	if err != nil {
		return nil, nil, &TrainingError{Phase: phase, Err: err}
	}

	phase = "evaluate"
	scores, err = net.Evaluate(s.data.TestX, s.data.TestY, s.cfg.BatchSize)
	if err != nil {
		return nil, nil, &TrainingError{Phase: phase, Err: err}
	}
	return result.History, scores, nil
}
