package arch

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flow "hyperflow/src"
)

func intPtr(v int) *int { return &v }

func baseSpace() Space {
	return Space{
		HiddenUnitsMult:  1.0,
		NbConvPoolLayers: 2,
		ConvKernelSize:   3,
		UseBN:            true,
		DropoutDropProba: 0.25,
		FCUnitsMult:      1.0,
		Optimizer:        Adam,
		LRRateMult:       1.0,
	}
}

// smallSpace keeps tensors tiny so tests can run forward passes.
func smallSpace() Space {
	s := baseSpace()
	s.HiddenUnitsMult = 0.125
	s.FCUnitsMult = 0.02
	s.UseBN = false
	s.DropoutDropProba = 0
	return s
}

var smallInput = InputShape{Height: 8, Width: 8, Channels: 3, Classes: 5}

func countNodes(infos []flow.LayerInfo, name string) int {
	n := 0
	for _, info := range infos {
		if info.Name == name {
			n++
		}
	}
	return n
}

func names(infos []flow.LayerInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func TestBuildDefaultCIFARSpace(t *testing.T) {
	model, err := Build(baseSpace(), Options{Seed: 1})
	require.NoError(t, err)
	defer model.Release()

	net := model.Network
	infos := net.Describe()
	assert.Equal(t, []string{
		"input", "random_flip",
		"conv2d", "batch_norm", "max_pool2d", "dropout",
		"conv2d", "batch_norm", "max_pool2d", "dropout",
		"flatten", "dense", "dropout", "dense",
	}, names(infos))
	assert.Equal(t, 2, countNodes(infos, "max_pool2d"))
	assert.Zero(t, countNodes(infos, "add"))
	assert.Equal(t, []int{32, 32, 3}, net.InputShape())
	assert.Equal(t, []int{100}, net.OutputShape())
	assert.Equal(t, []int{8, 8, 64}, infos[8].OutputShape)
	assert.Equal(t, []int{700}, infos[11].OutputShape)

	assert.Equal(t, "categorical_crossentropy", net.LossName())
	assert.Equal(t, "adam", net.OptimizerName())
	assert.Equal(t, []string{"accuracy"}, net.MetricNames())
	assert.InDelta(t, 0.001, net.LearningRate(), 1e-12)
	assert.Equal(t, []int{32, 64}, model.Filters)
	assert.Equal(t, DefaultInput, model.Input)
}

func TestBuildFiltersDoublePerStage(t *testing.T) {
	s := smallSpace()
	s.HiddenUnitsMult = 0.5
	s.NbConvPoolLayers = 3
	model, err := Build(s, Options{Input: smallInput})
	require.NoError(t, err)
	defer model.Release()

	assert.Equal(t, []int{16, 32, 64}, model.Filters)
	infos := model.Network.Describe()
	var convFilters []int
	for _, info := range infos {
		if info.Name == "conv2d" {
			convFilters = append(convFilters, info.OutputShape[2])
		}
	}
	assert.Equal(t, []int{16, 32, 64}, convFilters)
}

func TestBuildResidualAddCount(t *testing.T) {
	tests := []struct {
		name     string
		residual *int
		stages   int
		wantAdds int
		wantBN   int
	}{
		{"disabled", nil, 2, 0, 0},
		{"zero repeats keeps the batch norm", intPtr(0), 2, 0, 2},
		{"one per stage", intPtr(1), 3, 3, 3},
		{"two per stage", intPtr(2), 3, 6, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := smallSpace()
			s.Residual = tt.residual
			s.NbConvPoolLayers = tt.stages
			model, err := Build(s, Options{Input: smallInput})
			require.NoError(t, err)
			defer model.Release()

			infos := model.Network.Describe()
			assert.Equal(t, tt.wantAdds, countNodes(infos, "add"))
			assert.Equal(t, tt.wantBN, countNodes(infos, "batch_norm"))
			// stage conv + one conv per residual repeat
			wantConvs := tt.stages + tt.wantAdds
			assert.Equal(t, wantConvs, countNodes(infos, "conv2d"))
		})
	}
}

func TestBuildAllconvPooling(t *testing.T) {
	s := smallSpace()
	s.UseAllconvPooling = true
	s.UseBN = true
	model, err := Build(s, Options{Input: InputShape{Height: 16, Width: 16, Channels: 3, Classes: 4}})
	require.NoError(t, err)
	defer model.Release()

	infos := model.Network.Describe()
	assert.Zero(t, countNodes(infos, "max_pool2d"))
	assert.Equal(t, 4, countNodes(infos, "conv2d"))
	assert.Equal(t, 4, countNodes(infos, "batch_norm"))

	var pooled [][]int
	for i, info := range infos {
		if info.Name == "conv2d" && i+1 < len(infos) && infos[i+1].Name == "batch_norm" &&
			i+2 < len(infos) && infos[i+2].Name == "dropout" {
			pooled = append(pooled, info.OutputShape)
		}
	}
	assert.Equal(t, [][]int{{7, 7, 4}, {3, 3, 8}}, pooled)
}

func TestBuildBatchNormPreservesShape(t *testing.T) {
	s := smallSpace()
	s.UseBN = true
	s.Residual = intPtr(1)
	model, err := Build(s, Options{Input: smallInput})
	require.NoError(t, err)
	defer model.Release()

	infos := model.Network.Describe()
	for i, info := range infos {
		if info.Name == "batch_norm" {
			assert.Equal(t, infos[i-1].OutputShape, info.OutputShape, "node %d", i)
		}
	}
}

func TestBuildOptimizers(t *testing.T) {
	tests := []struct {
		opt  Optimizer
		lr   float64
		want string
	}{
		{Adam, 1, "adam"},
		{Nadam, 0.5, "nadam"},
		{RMSprop, 2, "rmsprop"},
	}
	for _, tt := range tests {
		t.Run(tt.opt.String(), func(t *testing.T) {
			s := smallSpace()
			s.Optimizer = tt.opt
			s.LRRateMult = tt.lr
			model, err := Build(s, Options{Input: smallInput})
			require.NoError(t, err)
			defer model.Release()

			assert.Equal(t, tt.want, model.Network.OptimizerName())
			assert.InDelta(t, 0.001*tt.lr, model.Network.LearningRate(), 1e-12)
			assert.InDelta(t, 0.001*tt.lr, model.LearningRate, 1e-12)
			assert.Equal(t, tt.opt, model.Optimizer)
		})
	}
}

func TestBuildConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Space)
		input   InputShape
		wantKey string
	}{
		{"unknown optimizer", func(s *Space) { s.Optimizer = Optimizer(42) }, smallInput, "optimizer"},
		{"missing optimizer", func(s *Space) { s.Optimizer = 0 }, smallInput, "optimizer"},
		{"no stages", func(s *Space) { s.NbConvPoolLayers = 0 }, smallInput, "nb_conv_pool_layers"},
		{"even kernel", func(s *Space) { s.ConvKernelSize = 4 }, smallInput, "conv_kernel_size"},
		{"zero kernel", func(s *Space) { s.ConvKernelSize = 0 }, smallInput, "conv_kernel_size"},
		{"dropout one", func(s *Space) { s.DropoutDropProba = 1 }, smallInput, "dropout_drop_proba"},
		{"negative dropout", func(s *Space) { s.DropoutDropProba = -0.1 }, smallInput, "dropout_drop_proba"},
		{"zero lr", func(s *Space) { s.LRRateMult = 0 }, smallInput, "lr_rate_mult"},
		{"nan lr", func(s *Space) { s.LRRateMult = math.NaN() }, smallInput, "lr_rate_mult"},
		{"negative residual", func(s *Space) { s.Residual = intPtr(-1) }, smallInput, "residual"},
		{"filters round to zero", func(s *Space) { s.HiddenUnitsMult = 0.01 }, smallInput, "hidden_units_mult"},
		{"units round to zero", func(s *Space) { s.FCUnitsMult = 0.001 }, smallInput, "fc_units_mult"},
		{"last stage filters overflow", func(s *Space) {
			s.HiddenUnitsMult = math.Ldexp(1, 61) / BaseFilters
			s.NbConvPoolLayers = 3
		}, smallInput, "hidden_units_mult"},
		{"doubled filters over limit", func(s *Space) {
			s.HiddenUnitsMult = float64(MaxFilters) / BaseFilters
			s.NbConvPoolLayers = 2
		}, smallInput, "hidden_units_mult"},
		{"many stages over limit", func(s *Space) { s.NbConvPoolLayers = 4000 }, smallInput, "hidden_units_mult"},
		{"units over limit", func(s *Space) { s.FCUnitsMult = math.Ldexp(1, 62) }, smallInput, "fc_units_mult"},
		{"too many max pools", func(s *Space) { s.NbConvPoolLayers = 3 }, InputShape{Height: 4, Width: 4, Channels: 3, Classes: 5}, "nb_conv_pool_layers"},
		{"too many allconv pools", func(s *Space) {
			s.UseAllconvPooling = true
			s.NbConvPoolLayers = 3
		}, smallInput, "nb_conv_pool_layers"},
		{"one class", func(s *Space) {}, InputShape{Height: 8, Width: 8, Channels: 3, Classes: 1}, "input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := smallSpace()
			tt.mutate(&s)
			model, err := Build(s, Options{Input: tt.input})
			require.Error(t, err)
			assert.Nil(t, model)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %T: %v", err, err)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestValidateFilterLimit(t *testing.T) {
	s := smallSpace()
	s.HiddenUnitsMult = float64(MaxFilters) / BaseFilters / 4
	s.NbConvPoolLayers = 3
	require.NoError(t, s.Validate())
	assert.Equal(t, MaxFilters, stageFilters(s)[2])

	s.NbConvPoolLayers = 4
	var cfgErr *ConfigurationError
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "hidden_units_mult", cfgErr.Key)
}

func TestBuildDoesNotModifySpace(t *testing.T) {
	s := smallSpace()
	s.Residual = intPtr(2)
	before := s.String()

	model, err := Build(s, Options{Input: smallInput})
	require.NoError(t, err)
	model.Release()

	assert.Equal(t, before, s.String())
	assert.Equal(t, 2, *s.Residual)
}

func TestBuildSoftmaxOutput(t *testing.T) {
	s := smallSpace()
	s.UseBN = true
	s.Residual = intPtr(1)
	model, err := Build(s, Options{Input: smallInput, Seed: 3, FlipAtEval: true})
	require.NoError(t, err)
	defer model.Release()

	inputs := make([][]float64, 3)
	for i := range inputs {
		inputs[i] = make([]float64, 8*8*3)
		for j := range inputs[i] {
			inputs[i][j] = float64((i*7+j)%11)/11 - 0.5
		}
	}
	preds, err := model.Network.Predict(inputs, 2)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	for _, row := range preds {
		require.Len(t, row, smallInput.Classes)
		sum := 0.0
		for _, p := range row {
			assert.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestModelReleaseIsIdempotent(t *testing.T) {
	model, err := Build(smallSpace(), Options{Input: smallInput})
	require.NoError(t, err)

	model.Release()
	model.Release()
	assert.True(t, model.Network.Released())

	_, err = model.Network.Predict([][]float64{make([]float64, 8*8*3)}, 1)
	assert.Error(t, err)

	var nilModel *Model
	assert.NotPanics(t, nilModel.Release)
}
