package flow

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"k8s.io/klog/v2"
)

// Callback is called during training at various points
type Callback interface {
	onTrainBegin(logs map[string]float64)
	onTrainEnd(logs map[string]float64)
	onEpochBegin(epoch int, logs map[string]float64)
	onEpochEnd(epoch int, logs map[string]float64) bool // return true to stop training
	name() string
}

// LogProgressCallback logs epoch metrics through klog
type LogProgressCallback struct {
	Every  int
	Epochs int
}

type LogProgressConfig struct {
	Every int
}

func LogProgress(config LogProgressConfig) Callback {
	return &LogProgressCallback{Every: max(config.Every, 1)}
}

func (p *LogProgressCallback) onTrainBegin(logs map[string]float64) {
	klog.Info("Training started")
}

func (p *LogProgressCallback) onTrainEnd(logs map[string]float64) {
	klog.Infof("Training complete: %s", formatLogs(logs))
}

func (p *LogProgressCallback) onEpochBegin(epoch int, logs map[string]float64) {}

func (p *LogProgressCallback) onEpochEnd(epoch int, logs map[string]float64) bool {
	if (epoch+1)%p.Every == 0 {
		klog.Infof("Epoch %d: %s", epoch+1, formatLogs(logs))
	}
	return false
}

func (p *LogProgressCallback) name() string { return "log_progress" }

// EarlyStoppingCallback stops training when the monitored value stops improving
type EarlyStoppingCallback struct {
	Monitor   string
	Patience  int
	MinDelta  float64
	Mode      string // "min" or "max"
	best      float64
	wait      int
	hasBest   bool
	StoppedAt int
}

type EarlyStoppingConfig struct {
	Monitor  string
	Patience int
	MinDelta float64
	Mode     string
}

func EarlyStopping(config EarlyStoppingConfig) Callback {
	return &EarlyStoppingCallback{
		Monitor:   config.Monitor,
		Patience:  config.Patience,
		MinDelta:  config.MinDelta,
		Mode:      config.Mode,
		StoppedAt: -1,
	}
}

func (e *EarlyStoppingCallback) onTrainBegin(logs map[string]float64) {
	e.wait = 0
	e.hasBest = false
	e.StoppedAt = -1
}

func (e *EarlyStoppingCallback) onTrainEnd(logs map[string]float64)              {}
func (e *EarlyStoppingCallback) onEpochBegin(epoch int, logs map[string]float64) {}

func (e *EarlyStoppingCallback) onEpochEnd(epoch int, logs map[string]float64) bool {
	current, ok := logs[e.Monitor]
	if !ok {
		return false
	}
	improved := !e.hasBest ||
		(e.Mode == "max" && current > e.best+e.MinDelta) ||
		(e.Mode != "max" && current < e.best-e.MinDelta)
	if improved {
		e.best = current
		e.hasBest = true
		e.wait = 0
		return false
	}
	e.wait++
	if e.wait >= e.Patience {
		e.StoppedAt = epoch
		klog.Infof("Early stopping at epoch %d: %s did not improve for %d epochs", epoch+1, e.Monitor, e.Patience)
		return true
	}
	return false
}

func (e *EarlyStoppingCallback) name() string { return "early_stopping" }

func formatLogs(logs map[string]float64) string {
	parts := make([]string, 0, len(logs))
	for _, k := range slices.Sorted(maps.Keys(logs)) {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, logs[k]))
	}
	return strings.Join(parts, " ")
}
