package flow

import (
	"fmt"
	"math/rand"
)

// shuffleData shuffles input and target rows in-place, keeping pairs aligned
func shuffleData(inputs, targets *tensor, rng *rand.Rand) {
	n := inputs.shape[0]
	inputCols := inputs.size() / n
	targetCols := targets.size() / n

	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		for k := 0; k < inputCols; k++ {
			inputs.data[i*inputCols+k], inputs.data[j*inputCols+k] =
				inputs.data[j*inputCols+k], inputs.data[i*inputCols+k]
		}
		for k := 0; k < targetCols; k++ {
			targets.data[i*targetCols+k], targets.data[j*targetCols+k] =
				targets.data[j*targetCols+k], targets.data[i*targetCols+k]
		}
	}
}

// getBatch copies rows [start, start+batchSize) out of data; the last batch may be short
func getBatch(data *tensor, start, batchSize int) *tensor {
	totalSamples := data.shape[0]
	end := min(start+batchSize, totalSamples)
	actualBatch := end - start

	batch := newTensor(append([]int{actualBatch}, data.shape[1:]...)...)

	elementsPerSample := data.size() / totalSamples
	copy(batch.data, data.data[start*elementsPerSample:end*elementsPerSample])

	return batch
}

// splitData splits the tail of the data off as a validation set
func splitData(inputs, targets *tensor, valSplit float64) (*tensor, *tensor, *tensor, *tensor) {
	n := inputs.shape[0]
	valSize := int(float64(n) * valSplit)
	trainSize := n - valSize

	trainX := getBatch(inputs, 0, trainSize)
	trainY := getBatch(targets, 0, trainSize)
	if valSize == 0 {
		return trainX, trainY, nil, nil
	}
	return trainX, trainY, getBatch(inputs, trainSize, valSize), getBatch(targets, trainSize, valSize)
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("flow: "+format, args...)
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
