package arch

import (
	"encoding/json"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	flow "hyperflow/src"
)

const (
	// BaseFilters is the filter count of the first stage before hidden_units_mult
	BaseFilters = 32
	// BaseFCUnits is the dense width before fc_units_mult
	BaseFCUnits = 700
	// BaseLearningRate is scaled by lr_rate_mult
	BaseLearningRate = 0.001

	// MaxFilters bounds the filter count of the last conv/pool stage
	MaxFilters = 1 << 16
	// MaxFCUnits bounds the dense width
	MaxFCUnits = 1 << 20
)

// Optimizer is the closed set of supported optimizers
type Optimizer int

const (
	Adam Optimizer = iota + 1
	Nadam
	RMSprop
)

var optimizerNames = map[Optimizer]string{
	Adam:    "Adam",
	Nadam:   "Nadam",
	RMSprop: "RMSprop",
}

func (o Optimizer) String() string {
	if name, ok := optimizerNames[o]; ok {
		return name
	}
	return "Optimizer(" + strconv.Itoa(int(o)) + ")"
}

// Valid reports whether o is one of the supported optimizers
func (o Optimizer) Valid() bool {
	_, ok := optimizerNames[o]
	return ok
}

// ParseOptimizer maps "Adam", "Nadam" or "RMSprop" to an Optimizer
func ParseOptimizer(name string) (Optimizer, error) {
	for o, n := range optimizerNames {
		if n == name {
			return o, nil
		}
	}
	return 0, configErr("optimizer", name, "must be one of Adam, Nadam, RMSprop")
}

func (o Optimizer) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, configErr("optimizer", int(o), "unknown optimizer")
	}
	return []byte(o.String()), nil
}

func (o *Optimizer) UnmarshalText(text []byte) error {
	parsed, err := ParseOptimizer(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// New constructs the engine optimizer with Keras defaults and the given learning rate.
func (o Optimizer) New(lr float64) (flow.Optimizer, error) {
	switch o {
	case Adam:
		return flow.Adam(flow.DefaultAdamConfig(lr)), nil
	case Nadam:
		return flow.Nadam(flow.DefaultNadamConfig(lr)), nil
	case RMSprop:
		return flow.RMSprop(flow.DefaultRMSpropConfig(lr)), nil
	}
	return nil, configErr("optimizer", o, "unknown optimizer")
}

// Space is one point of the hyperparameter search space. It is passed by
// value and never modified by the builder.
type Space struct {
	HiddenUnitsMult   float64   `json:"hidden_units_mult" yaml:"hidden_units_mult"`
	NbConvPoolLayers  int       `json:"nb_conv_pool_layers" yaml:"nb_conv_pool_layers"`
	ConvKernelSize    int       `json:"conv_kernel_size" yaml:"conv_kernel_size"`
	UseBN             bool      `json:"use_BN" yaml:"use_BN"`
	Residual          *int      `json:"residual" yaml:"residual"`
	UseAllconvPooling bool      `json:"use_allconv_pooling" yaml:"use_allconv_pooling"`
	DropoutDropProba  float64   `json:"dropout_drop_proba" yaml:"dropout_drop_proba"`
	FCUnitsMult       float64   `json:"fc_units_mult" yaml:"fc_units_mult"`
	Optimizer         Optimizer `json:"optimizer" yaml:"optimizer"`
	LRRateMult        float64   `json:"lr_rate_mult" yaml:"lr_rate_mult"`
}

// ResidualDepth returns the residual repeat count and whether residual blocks are enabled.
func (s Space) ResidualDepth() (int, bool) {
	if s.Residual == nil {
		return 0, false
	}
	return *s.Residual, true
}

// InitialFilters is int(32 * hidden_units_mult)
func (s Space) InitialFilters() int {
	return int(BaseFilters * s.HiddenUnitsMult)
}

// FCUnits is int(700 * fc_units_mult)
func (s Space) FCUnits() int {
	return int(BaseFCUnits * s.FCUnitsMult)
}

// LearningRate is 0.001 * lr_rate_mult
func (s Space) LearningRate() float64 {
	return BaseLearningRate * s.LRRateMult
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Validate checks every key; the first problem found is returned as a *ConfigurationError.
func (s Space) Validate() error {
	if !positive(s.HiddenUnitsMult) {
		return configErr("hidden_units_mult", s.HiddenUnitsMult, "must be a positive real")
	}
	if s.NbConvPoolLayers < 1 {
		return configErr("nb_conv_pool_layers", s.NbConvPoolLayers, "must be >= 1")
	}
	// filters double every stage; checked in float so the int conversion cannot overflow
	if last := math.Ldexp(BaseFilters*s.HiddenUnitsMult, s.NbConvPoolLayers-1); last > MaxFilters {
		return configErr("hidden_units_mult", s.HiddenUnitsMult,
			"yields %g filters in stage %d, limit is %d", last, s.NbConvPoolLayers, MaxFilters)
	}
	if s.InitialFilters() < 1 {
		return configErr("hidden_units_mult", s.HiddenUnitsMult, "yields %d filters", s.InitialFilters())
	}
	if s.ConvKernelSize < 1 || s.ConvKernelSize%2 == 0 {
		return configErr("conv_kernel_size", s.ConvKernelSize, "must be a positive odd integer")
	}
	if depth, ok := s.ResidualDepth(); ok && depth < 0 {
		return configErr("residual", depth, "must be >= 0 or null")
	}
	if !(s.DropoutDropProba >= 0 && s.DropoutDropProba < 1) {
		return configErr("dropout_drop_proba", s.DropoutDropProba, "must be in [0, 1)")
	}
	if !positive(s.FCUnitsMult) {
		return configErr("fc_units_mult", s.FCUnitsMult, "must be a positive real")
	}
	if units := BaseFCUnits * s.FCUnitsMult; units > MaxFCUnits {
		return configErr("fc_units_mult", s.FCUnitsMult, "yields %g units, limit is %d", units, MaxFCUnits)
	}
	if s.FCUnits() < 1 {
		return configErr("fc_units_mult", s.FCUnitsMult, "yields %d units", s.FCUnits())
	}
	if !s.Optimizer.Valid() {
		return configErr("optimizer", int(s.Optimizer), "must be one of Adam, Nadam, RMSprop")
	}
	if !positive(s.LRRateMult) {
		return configErr("lr_rate_mult", s.LRRateMult, "must be a positive real")
	}
	return nil
}

func (s Space) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "<invalid space: " + err.Error() + ">"
	}
	return string(b)
}

// LoadSpace reads a YAML (or JSON) hyperparameter file and validates it.
func LoadSpace(path string) (Space, error) {
	var s Space
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "read space")
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "decode space %s", path)
	}
	return s, s.Validate()
}
