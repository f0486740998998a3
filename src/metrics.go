package flow

// Metric accumulates an evaluation metric over batches
type Metric interface {
	reset()
	update(pred, target *tensor)
	result() float64
	name() string
}

// AccuracyMetric - multi-class accuracy (argmax of prediction vs argmax of one-hot target)
type AccuracyMetric struct {
	correct int
	total   int
}

func Accuracy() Metric {
	return &AccuracyMetric{}
}

func (a *AccuracyMetric) reset() {
	a.correct = 0
	a.total = 0
}

func argmax(row []float64) int {
	best := 0
	for j, v := range row[1:] {
		if v > row[best] {
			best = j + 1
		}
	}
	return best
}

func (a *AccuracyMetric) update(pred, target *tensor) {
	numClasses := pred.shape[len(pred.shape)-1]
	batchSize := pred.size() / numClasses
	for i := 0; i < batchSize; i++ {
		row := pred.data[i*numClasses : (i+1)*numClasses]
		want := target.data[i*numClasses : (i+1)*numClasses]
		if argmax(row) == argmax(want) {
			a.correct++
		}
		a.total++
	}
}

func (a *AccuracyMetric) result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *AccuracyMetric) name() string { return "accuracy" }
