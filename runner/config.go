package runner

import "github.com/pkg/errors"

// Config holds everything a run needs besides the hyperparameters and data.
type Config struct {
	Epochs     int
	BatchSize  int
	ResultsDir string
	Seed       int64
	// FlipAtEval keeps the random mirror active while validating and evaluating
	FlipAtEval bool
	// PlotHistory writes <model_name>.svg with the training curves
	PlotHistory bool
	// Progress logs every epoch
	Progress bool
	// Patience stops training after that many epochs without val_loss improvement; 0 disables
	Patience int
	// Verbose logs the shape after every layer while building
	Verbose bool
}

// DefaultConfig trains 100 epochs of 700 samples and writes into ./results
func DefaultConfig() Config {
	return Config{
		Epochs:     100,
		BatchSize:  700,
		ResultsDir: "results",
		FlipAtEval: true,
		Progress:   true,
		Verbose:    true,
	}
}

// Validate checks the run configuration
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("runner: epochs must be > 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("runner: batch size must be > 0, got %d", c.BatchSize)
	}
	if c.ResultsDir == "" {
		return errors.New("runner: results directory must be set")
	}
	if c.Patience < 0 {
		return errors.Errorf("runner: patience must be >= 0, got %d", c.Patience)
	}
	return nil
}
