package flow

// TrainConfig holds all training configuration
type TrainConfig struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	// ValidationSplit carves the tail of the training data off for validation.
	// Ignored when ValidationData is set.
	ValidationSplit float64
	ValidationData  *ValidationData
	// EvalBatchSize bounds memory during validation; 0 means BatchSize.
	EvalBatchSize int
}

// ValidationData is a held-out split evaluated after every epoch
type ValidationData struct {
	Inputs  [][]float64
	Targets [][]float64
}

// CompileConfig holds model compilation settings
type CompileConfig struct {
	Optimizer Optimizer
	Loss      Loss
	Metrics   []Metric
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed    int64
	Verbose bool
}

// ValidateTrainConfig checks all required fields are set
func ValidateTrainConfig(cfg TrainConfig) error {
	if cfg.Epochs <= 0 {
		return errorf("Epochs must be > 0, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return errorf("BatchSize must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return errorf("ValidationSplit must be in [0, 1), got %f", cfg.ValidationSplit)
	}
	if cfg.EvalBatchSize < 0 {
		return errorf("EvalBatchSize must be >= 0, got %d", cfg.EvalBatchSize)
	}
	if v := cfg.ValidationData; v != nil {
		if len(v.Inputs) == 0 {
			return errorf("ValidationData has no samples")
		}
		if len(v.Inputs) != len(v.Targets) {
			return errorf("ValidationData inputs (%d) and targets (%d) differ in length", len(v.Inputs), len(v.Targets))
		}
	}
	return nil
}

// ValidateCompileConfig checks all required fields are set
func ValidateCompileConfig(cfg CompileConfig) error {
	if cfg.Optimizer == nil {
		return errorf("Optimizer is required")
	}
	if cfg.Loss == nil {
		return errorf("Loss is required")
	}
	return nil
}
