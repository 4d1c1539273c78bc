// Package objectives provides named test objectives for the L-BFGS-B engine.
// They back the server's job API and the boxopt CLI.
package objectives

import (
	"errors"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/diff/fd"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

// ErrUnknownObjective is returned by Lookup for names not in the catalog.
var ErrUnknownObjective = errors.New("unknown objective")

// valueFunc evaluates an objective without its gradient.
type valueFunc func(x []float64) float64

// Definition describes a catalog objective.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// MinDimension and MaxDimension bound the supported dimension. A zero
	// MaxDimension means any dimension from MinDimension up.
	MinDimension int `json:"min_dimension"`
	MaxDimension int `json:"max_dimension,omitempty"`
	// Analytic is false when the gradient is approximated by finite differences.
	Analytic bool `json:"analytic_gradient"`

	value    valueFunc
	gradient func(x, grad []float64)
	minimum  func(n int) []float64
}

var catalog = map[string]Definition{
	"sphere": {
		Name:         "sphere",
		Description:  "Shifted sphere Σ(xᵢ − 1)², minimum 0 at (1, …, 1)",
		MinDimension: 1,
		Analytic:     true,
		value: func(x []float64) float64 {
			f := 0.0
			for _, xi := range x {
				f += (xi - 1) * (xi - 1)
			}
			return f
		},
		gradient: func(x, grad []float64) {
			for i, xi := range x {
				grad[i] = 2 * (xi - 1)
			}
		},
		minimum: func(n int) []float64 { return fill(n, 1) },
	},
	"rosenbrock": {
		Name:         "rosenbrock",
		Description:  "Extended Rosenbrock Σ(1 − xᵢ)² + 100(xᵢ₊₁ − xᵢ²)², minimum 0 at (1, …, 1)",
		MinDimension: 2,
		Analytic:     true,
		value: func(x []float64) float64 {
			f := 0.0
			for i := 0; i < len(x)-1; i++ {
				a := 1 - x[i]
				b := x[i+1] - x[i]*x[i]
				f += a*a + 100*b*b
			}
			return f
		},
		gradient: func(x, grad []float64) {
			for i := range grad {
				grad[i] = 0
			}
			for i := 0; i < len(x)-1; i++ {
				a := 1 - x[i]
				b := x[i+1] - x[i]*x[i]
				grad[i] += -2*a - 400*x[i]*b
				grad[i+1] += 200 * b
			}
		},
		minimum: func(n int) []float64 { return fill(n, 1) },
	},
	"booth": {
		Name:         "booth",
		Description:  "Booth (x + 2y − 7)² + (2x + y − 5)², minimum 0 at (1, 3)",
		MinDimension: 2,
		MaxDimension: 2,
		Analytic:     true,
		value: func(x []float64) float64 {
			a := x[0] + 2*x[1] - 7
			b := 2*x[0] + x[1] - 5
			return a*a + b*b
		},
		gradient: func(x, grad []float64) {
			a := x[0] + 2*x[1] - 7
			b := 2*x[0] + x[1] - 5
			grad[0] = 2*a + 4*b
			grad[1] = 4*a + 2*b
		},
		minimum: func(int) []float64 { return []float64{1, 3} },
	},
	"styblinski-tang": {
		Name:         "styblinski-tang",
		Description:  "Styblinski-Tang ½Σ(xᵢ⁴ − 16xᵢ² + 5xᵢ), global minimum near xᵢ = −2.903534",
		MinDimension: 1,
		Analytic:     true,
		value: func(x []float64) float64 {
			f := 0.0
			for _, xi := range x {
				x2 := xi * xi
				f += x2*x2 - 16*x2 + 5*xi
			}
			return f / 2
		},
		gradient: func(x, grad []float64) {
			for i, xi := range x {
				grad[i] = (4*xi*xi*xi - 32*xi + 5) / 2
			}
		},
		minimum: func(n int) []float64 { return fill(n, -2.903534027771177) },
	},
	"beale": {
		Name:         "beale",
		Description:  "Beale function, minimum 0 at (3, 0.5); gradient by central differences",
		MinDimension: 2,
		MaxDimension: 2,
		value: func(x []float64) float64 {
			a := 1.5 - x[0] + x[0]*x[1]
			b := 2.25 - x[0] + x[0]*x[1]*x[1]
			c := 2.625 - x[0] + x[0]*x[1]*x[1]*x[1]
			return a*a + b*b + c*c
		},
		minimum: func(int) []float64 { return []float64{3, 0.5} },
	},
}

// Names returns the catalog names in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every definition sorted by name.
func All() []Definition {
	defs := make([]Definition, 0, len(catalog))
	for _, name := range Names() {
		defs = append(defs, catalog[name])
	}
	return defs
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, error) {
	def, ok := catalog[name]
	if !ok {
		return Definition{}, optimization.WrapErrorf(ErrUnknownObjective, "objective=%q", name).
			WithComponent("objectives").WithOperation("Lookup")
	}
	return def, nil
}

// SupportsDimension reports whether the objective is defined in n dimensions.
func (d Definition) SupportsDimension(n int) bool {
	return n >= d.MinDimension && (d.MaxDimension == 0 || n <= d.MaxDimension)
}

// Minimum returns the known global minimizer in n dimensions.
func (d Definition) Minimum(n int) []float64 { return d.minimum(n) }

// Value evaluates the objective at x.
func (d Definition) Value(x []float64) float64 { return d.value(x) }

// Func returns the objective in the engine's calling convention for dimension n.
func (d Definition) Func(n int) (optimization.ObjectiveFunc, error) {
	if !d.SupportsDimension(n) {
		return nil, optimization.NewError(optimization.ErrDimensionMismatch,
			"%s is defined for dimensions %s, got %d", d.Name, d.dimensionRange(), n).
			WithComponent("objectives").WithOperation("Func")
	}

	value, gradient := d.value, d.gradient
	if gradient == nil {
		settings := &fd.Settings{Formula: fd.Central}
		gradient = func(x, grad []float64) {
			fd.Gradient(grad, value, x, settings)
		}
	}

	return func(_ int, needGradient bool, x, grad []float64, _ interface{}) (float64, error) {
		f := value(x)
		if needGradient {
			gradient(x, grad)
		}
		if math.IsNaN(f) {
			return f, optimization.NewError(optimization.ErrEvaluation, "%s is NaN", d.Name)
		}
		return f, nil
	}, nil
}

func (d Definition) dimensionRange() string {
	switch {
	case d.MaxDimension == 0:
		return "≥ " + strconv.Itoa(d.MinDimension)
	case d.MinDimension == d.MaxDimension:
		return "= " + strconv.Itoa(d.MinDimension)
	default:
		return strconv.Itoa(d.MinDimension) + ".." + strconv.Itoa(d.MaxDimension)
	}
}

func fill(n int, v float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = v
	}
	return x
}
