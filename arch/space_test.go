package arch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptimizer(t *testing.T) {
	for _, name := range []string{"Adam", "Nadam", "RMSprop"} {
		o, err := ParseOptimizer(name)
		require.NoError(t, err)
		assert.Equal(t, name, o.String())
		assert.True(t, o.Valid())
	}

	_, err := ParseOptimizer("SGD")
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "optimizer", cfgErr.Key)
	assert.Equal(t, "SGD", cfgErr.Value)

	assert.False(t, Optimizer(0).Valid())
	assert.Equal(t, "Optimizer(7)", Optimizer(7).String())
}

func TestOptimizerNew(t *testing.T) {
	for _, o := range []Optimizer{Adam, Nadam, RMSprop} {
		opt, err := o.New(0.01)
		require.NoError(t, err)
		assert.NotNil(t, opt)
	}
	_, err := Optimizer(9).New(0.01)
	assert.Error(t, err)
}

func TestSpaceJSON(t *testing.T) {
	s := baseSpace()
	s.Optimizer = Nadam

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"hidden_units_mult": 1,
		"nb_conv_pool_layers": 2,
		"conv_kernel_size": 3,
		"use_BN": true,
		"residual": null,
		"use_allconv_pooling": false,
		"dropout_drop_proba": 0.25,
		"fc_units_mult": 1,
		"optimizer": "Nadam",
		"lr_rate_mult": 1
	}`, string(b))

	var back Space
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, s, back)

	s.Residual = intPtr(3)
	b, err = json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Residual)
	assert.Equal(t, 3, *back.Residual)
}

func TestSpaceJSONRejectsUnknownOptimizer(t *testing.T) {
	var s Space
	err := json.Unmarshal([]byte(`{"optimizer": "Adagrad"}`), &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Adagrad")

	_, err = json.Marshal(Space{})
	assert.Error(t, err)
}

func TestSpaceDerivedValues(t *testing.T) {
	s := baseSpace()
	s.HiddenUnitsMult = 0.75
	s.FCUnitsMult = 0.5
	s.LRRateMult = 3
	assert.Equal(t, 24, s.InitialFilters())
	assert.Equal(t, 350, s.FCUnits())
	assert.InDelta(t, 0.003, s.LearningRate(), 1e-12)

	depth, ok := s.ResidualDepth()
	assert.False(t, ok)
	assert.Zero(t, depth)
	s.Residual = intPtr(0)
	depth, ok = s.ResidualDepth()
	assert.True(t, ok)
	assert.Zero(t, depth)
}

func TestLoadSpace(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "space.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
hidden_units_mult: 0.5
nb_conv_pool_layers: 3
conv_kernel_size: 5
use_BN: true
residual: 2
use_allconv_pooling: true
dropout_drop_proba: 0.25
fc_units_mult: 1.5
optimizer: RMSprop
lr_rate_mult: 0.3
`), 0o644))

	s, err := LoadSpace(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.HiddenUnitsMult)
	assert.Equal(t, 3, s.NbConvPoolLayers)
	assert.Equal(t, 5, s.ConvKernelSize)
	assert.True(t, s.UseBN)
	require.NotNil(t, s.Residual)
	assert.Equal(t, 2, *s.Residual)
	assert.True(t, s.UseAllconvPooling)
	assert.Equal(t, 0.25, s.DropoutDropProba)
	assert.Equal(t, 1.5, s.FCUnitsMult)
	assert.Equal(t, RMSprop, s.Optimizer)
	assert.Equal(t, 0.3, s.LRRateMult)

	jsonPath := filepath.Join(dir, "space.json")
	b, err := json.Marshal(baseSpace())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jsonPath, b, 0o644))
	s, err = LoadSpace(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, baseSpace(), s)
}

func TestLoadSpaceErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSpace(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("optimizer: SGD\n"), 0o644))
	_, err = LoadSpace(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("nb_conv_pool_layers: 0\noptimizer: Adam\n"), 0o644))
	_, err = LoadSpace(invalid)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "hidden_units_mult", cfgErr.Key)
}
