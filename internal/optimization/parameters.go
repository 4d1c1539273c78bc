package optimization

import (
	"math"
	"sort"
	"strings"
)

// ParameterKey identifies a tunable optimizer parameter.
type ParameterKey int

const (
	// MaxFunctionEvaluations is the objective+gradient evaluation budget.
	MaxFunctionEvaluations ParameterKey = iota + 1
	// DefaultStepLength is the first trial step of each line search.
	DefaultStepLength
	// LineSearchAccuracy is the Wolfe curvature coefficient of the line search.
	LineSearchAccuracy
	// GradientConvergenceTolerance bounds the projected-gradient infinity norm at convergence.
	GradientConvergenceTolerance
	// MaxIterations is the accepted-iterate budget.
	MaxIterations
	// RelativeReductionFactor scales machine epsilon in the relative decrease test.
	RelativeReductionFactor
)

// Defaults used by a freshly constructed engine.
const (
	DefaultMaxFunctionEvaluations       = 1000
	DefaultDefaultStepLength            = 1.0
	DefaultLineSearchAccuracy           = 0.9
	DefaultGradientConvergenceTolerance = 1e-5
	DefaultMaxIterations                = 15000
	DefaultRelativeReductionFactor      = 1e7
)

var parameterNames = map[ParameterKey]string{
	MaxFunctionEvaluations:       "max_function_evaluations",
	DefaultStepLength:            "default_step_length",
	LineSearchAccuracy:           "line_search_accuracy",
	GradientConvergenceTolerance: "gradient_convergence_tolerance",
	MaxIterations:                "max_iterations",
	RelativeReductionFactor:      "relative_reduction_factor",
}

// parameterAliases maps normalized spellings to keys. The single letters are the
// legacy one-character codes; longer prefixes are not matched.
var parameterAliases = map[string]ParameterKey{
	"maxfunctionevaluations":       MaxFunctionEvaluations,
	"functionevaluations":          MaxFunctionEvaluations,
	"maxfun":                       MaxFunctionEvaluations,
	"f":                            MaxFunctionEvaluations,
	"defaultsteplength":            DefaultStepLength,
	"steplength":                   DefaultStepLength,
	"s":                            DefaultStepLength,
	"linesearchaccuracy":           LineSearchAccuracy,
	"accuracy":                     LineSearchAccuracy,
	"a":                            LineSearchAccuracy,
	"gradientconvergencetolerance": GradientConvergenceTolerance,
	"gradient":                     GradientConvergenceTolerance,
	"pgtol":                        GradientConvergenceTolerance,
	"g":                            GradientConvergenceTolerance,
	"maxiterations":                MaxIterations,
	"maxiter":                      MaxIterations,
	"relativereductionfactor":      RelativeReductionFactor,
	"factr":                        RelativeReductionFactor,
}

// String returns the canonical snake_case name of the key.
func (k ParameterKey) String() string {
	if name, ok := parameterNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is a recognized key.
func (k ParameterKey) Valid() bool {
	_, ok := parameterNames[k]
	return ok
}

// ParameterKeys returns every recognized key in declaration order.
func ParameterKeys() []ParameterKey {
	keys := make([]ParameterKey, 0, len(parameterNames))
	for k := range parameterNames {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ParseParameterKey maps a parameter name to its key. Matching ignores case and
// the separators '_', '-' and ' '. Only whole names and aliases match: the
// single letters F, S, A and G are aliases, but longer inputs are not reduced
// to their first letter, so "FOO" is rejected rather than read as F. T is not
// recognized.
func ParseParameterKey(name string) (ParameterKey, error) {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))

	if key, ok := parameterAliases[normalized]; ok {
		return key, nil
	}
	return 0, NewError(ErrUnrecognizedParameter, "parameter=%q", name).
		WithComponent("parameters").WithOperation("ParseParameterKey")
}

// Parameters holds the optimizer's stopping criteria and line-search controls.
// The zero value is not usable; call DefaultParameters.
type Parameters struct {
	values map[ParameterKey]float64
}

// DefaultParameters returns a Parameters populated with the package defaults.
func DefaultParameters() *Parameters {
	return &Parameters{
		values: map[ParameterKey]float64{
			MaxFunctionEvaluations:       DefaultMaxFunctionEvaluations,
			DefaultStepLength:            DefaultDefaultStepLength,
			LineSearchAccuracy:           DefaultLineSearchAccuracy,
			GradientConvergenceTolerance: DefaultGradientConvergenceTolerance,
			MaxIterations:                DefaultMaxIterations,
			RelativeReductionFactor:      DefaultRelativeReductionFactor,
		},
	}
}

// Get returns the value stored for key.
func (p *Parameters) Get(key ParameterKey) (float64, error) {
	v, ok := p.values[key]
	if !ok {
		return 0, NewError(ErrUnrecognizedParameter, "parameter=%d", int(key)).
			WithComponent("parameters").WithOperation("Get")
	}
	return v, nil
}

// Set stores value for key after validating it. On error nothing is modified.
func (p *Parameters) Set(key ParameterKey, value float64) error {
	const op = "Set"

	if !key.Valid() {
		return NewError(ErrUnrecognizedParameter, "parameter=%d", int(key)).
			WithComponent("parameters").WithOperation(op)
	}
	if math.IsNaN(value) {
		return NewError(ErrValueOutOfRange, "%s must not be NaN", key).
			WithComponent("parameters").WithOperation(op)
	}

	switch key {
	case MaxFunctionEvaluations, MaxIterations:
		if value < 0 || value != math.Trunc(value) || value > math.MaxInt32 {
			return NewError(ErrValueOutOfRange, "%s must be a non-negative integer, got %g", key, value).
				WithComponent("parameters").WithOperation(op)
		}
	case DefaultStepLength:
		if value <= 0 || math.IsInf(value, 0) {
			return NewError(ErrValueOutOfRange, "%s must be positive and finite, got %g", key, value).
				WithComponent("parameters").WithOperation(op)
		}
	case LineSearchAccuracy:
		if value <= 0 || value >= 1 {
			return NewError(ErrValueOutOfRange, "%s must be in (0, 1), got %g", key, value).
				WithComponent("parameters").WithOperation(op)
		}
	case GradientConvergenceTolerance, RelativeReductionFactor:
		if value < 0 {
			return NewError(ErrValueOutOfRange, "%s must be non-negative, got %g", key, value).
				WithComponent("parameters").WithOperation(op)
		}
	}

	p.values[key] = value
	return nil
}

// SetByName parses name and stores value under the resulting key.
func (p *Parameters) SetByName(name string, value float64) error {
	key, err := ParseParameterKey(name)
	if err != nil {
		return err
	}
	return p.Set(key, value)
}

// GetByName parses name and returns the stored value.
func (p *Parameters) GetByName(name string) (float64, error) {
	key, err := ParseParameterKey(name)
	if err != nil {
		return 0, err
	}
	return p.Get(key)
}

// Int returns an integer-valued parameter. It panics on an unknown key.
func (p *Parameters) Int(key ParameterKey) int {
	v, err := p.Get(key)
	if err != nil {
		panic(err)
	}
	return int(v)
}

// Float returns a parameter value. It panics on an unknown key.
func (p *Parameters) Float(key ParameterKey) float64 {
	v, err := p.Get(key)
	if err != nil {
		panic(err)
	}
	return v
}

// Clone returns an independent copy.
func (p *Parameters) Clone() *Parameters {
	c := &Parameters{values: make(map[ParameterKey]float64, len(p.values))}
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Map returns the parameters keyed by canonical name.
func (p *Parameters) Map() map[string]float64 {
	m := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		m[k.String()] = v
	}
	return m
}
