// Package runner trains one architecture, evaluates it and records the
// outcome as a JSON file a hyperparameter search can consume.
package runner

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"

	"hyperflow/arch"
	"hyperflow/dataset"
	flow "hyperflow/src"
)

// Run builds the network for space, trains it on data and persists the
// record under cfg.ResultsDir.
//
// Invalid configuration returns (nil, err) before anything is built or
// written. A failed fit or evaluation does not return an error: the record
// carries StatusFail and the failure text. When the record cannot be
// written it is returned together with a *SerializationError.
func Run(space arch.Space, data dataset.Provider, cfg Config) (*Record, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	ds, err := data.Load()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load dataset")
	}

	s, err := newSession(space, ds, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var record *Record
	history, scores, err := s.fit()
	if err != nil {
		logTrainingFailure(err)
		record = newFailedRecord(space, err)
	} else {
		record = newRecord(space, history, scores["loss"], scores["accuracy"])
	}

	if err := persist(record, cfg); err != nil {
		return record, err
	}
	return record, nil
}

func logTrainingFailure(err error) {
	var flowErr *flow.FlowError
	if errors.As(err, &flowErr) && flowErr.IsDivergence() {
		klog.Errorf("Training diverged: %v", err)
		return
	}
	klog.Errorf("Training failed: %v", err)
}

// persist logs the canonical record and writes it, plus the optional plot.
func persist(r *Record, cfg Config) error {
	data, err := r.Marshal()
	if err != nil {
		serr := &SerializationError{Err: err}
		klog.Errorf("Could not serialize %s: %v", r.ModelName, serr)
		return serr
	}
	klog.Infof("RESULTS:\n%s\n\n", data)

	path, err := r.save(cfg.ResultsDir, data)
	if err != nil {
		serr := &SerializationError{Path: path, Err: err}
		klog.Errorf("Could not save %s: %v", r.ModelName, serr)
		return serr
	}
	klog.V(1).Infof("Saved record to %s", path)

	if cfg.PlotHistory && r.Status == StatusOK {
		if plotPath, err := plotHistory(r, cfg.ResultsDir); err != nil {
			klog.Warningf("Could not plot history to %s: %v", plotPath, err)
		}
	}
	return nil
}
