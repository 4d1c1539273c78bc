package optimization

import (
	"fmt"
	"math"
)

// BoundType describes which sides of a coordinate's interval are enforced.
type BoundType int

const (
	// BoundNone leaves the coordinate unconstrained.
	BoundNone BoundType = iota
	// BoundLower enforces only the lower bound.
	BoundLower
	// BoundBoth enforces both bounds.
	BoundBoth
	// BoundUpper enforces only the upper bound.
	BoundUpper
)

func (b BoundType) String() string {
	switch b {
	case BoundNone:
		return "none"
	case BoundLower:
		return "lower"
	case BoundBoth:
		return "both"
	case BoundUpper:
		return "upper"
	default:
		return fmt.Sprintf("BoundType(%d)", int(b))
	}
}

// HasLower reports whether the lower bound is enforced.
func (b BoundType) HasLower() bool { return b == BoundLower || b == BoundBoth }

// HasUpper reports whether the upper bound is enforced.
func (b BoundType) HasUpper() bool { return b == BoundUpper || b == BoundBoth }

// ObjectiveFunc evaluates the objective at x and writes the gradient into grad.
//
// n is the problem dimension and needGradient is always true when called by the
// L-BFGS-B engine. userData is the value registered on the Problem, passed
// through unchanged. Implementations must not retain x or grad after returning.
type ObjectiveFunc func(n int, needGradient bool, x, grad []float64, userData interface{}) (float64, error)

// Problem describes a bound-constrained minimization problem.
// Dimension and bounds are fixed once the problem is constructed.
type Problem struct {
	dimension  int
	lower      []float64
	upper      []float64
	boundTypes []BoundType
	objective  ObjectiveFunc
	userData   interface{}
}

// ProblemOption customizes a Problem at construction.
type ProblemOption func(*Problem)

// WithBoundTypes sets explicit per-coordinate bound types. The slice length is
// the problem's bound count and must equal the dimension.
func WithBoundTypes(types []BoundType) ProblemOption {
	return func(p *Problem) {
		p.boundTypes = append([]BoundType(nil), types...)
	}
}

// WithUserData attaches an opaque value passed to every objective call.
func WithUserData(data interface{}) ProblemOption {
	return func(p *Problem) {
		p.userData = data
	}
}

// NewProblem validates and builds a Problem.
//
// Unless WithBoundTypes is given, each coordinate's bound type is derived from
// its bounds: an infinite or NaN bound is not enforced.
func NewProblem(dimension int, lower, upper []float64, objective ObjectiveFunc, opts ...ProblemOption) (*Problem, error) {
	const op = "NewProblem"

	if dimension < 1 {
		return nil, NewError(ErrValueOutOfRange, "dimension must be in [1, %d], got %d", math.MaxInt32, dimension).
			WithComponent("problem").WithOperation(op)
	}
	if len(lower) != dimension || len(upper) != dimension {
		return nil, NewError(ErrDimensionMismatch, "bounds have lengths %d/%d, want %d", len(lower), len(upper), dimension).
			WithComponent("problem").WithOperation(op)
	}
	if objective == nil {
		return nil, NewError(ErrValueOutOfRange, "objective function is required").
			WithComponent("problem").WithOperation(op)
	}

	p := &Problem{
		dimension: dimension,
		lower:     append([]float64(nil), lower...),
		upper:     append([]float64(nil), upper...),
		objective: objective,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.boundTypes == nil {
		p.boundTypes = make([]BoundType, dimension)
		for i := range p.boundTypes {
			p.boundTypes[i] = deriveBoundType(lower[i], upper[i])
		}
	} else if len(p.boundTypes) != dimension {
		return nil, NewError(ErrDimensionMismatch, "%d bound types for dimension %d", len(p.boundTypes), dimension).
			WithComponent("problem").WithOperation(op)
	}

	for i, bt := range p.boundTypes {
		if bt < BoundNone || bt > BoundUpper {
			return nil, NewError(ErrValueOutOfRange, "coordinate %d has unknown bound type %d", i, int(bt)).
				WithComponent("problem").WithOperation(op)
		}
		if bt.HasLower() && math.IsNaN(lower[i]) || bt.HasUpper() && math.IsNaN(upper[i]) {
			return nil, NewError(ErrInvalidBounds, "coordinate %d enforces a NaN bound", i).
				WithComponent("problem").WithOperation(op)
		}
		if bt == BoundBoth && lower[i] > upper[i] {
			return nil, NewError(ErrInvalidBounds, "coordinate %d has lower %g > upper %g", i, lower[i], upper[i]).
				WithComponent("problem").WithOperation(op)
		}
	}

	return p, nil
}

func deriveBoundType(lower, upper float64) BoundType {
	l := !math.IsNaN(lower) && !math.IsInf(lower, 0)
	u := !math.IsNaN(upper) && !math.IsInf(upper, 0)
	switch {
	case l && u:
		return BoundBoth
	case l:
		return BoundLower
	case u:
		return BoundUpper
	default:
		return BoundNone
	}
}

// Dimension returns the number of parameters.
func (p *Problem) Dimension() int { return p.dimension }

// NumBounds returns the number of bound-type entries.
func (p *Problem) NumBounds() int { return len(p.boundTypes) }

// Lower returns the lower bound of coordinate i.
func (p *Problem) Lower(i int) float64 { return p.lower[i] }

// Upper returns the upper bound of coordinate i.
func (p *Problem) Upper(i int) float64 { return p.upper[i] }

// BoundType returns the bound type of coordinate i.
func (p *Problem) BoundType(i int) BoundType { return p.boundTypes[i] }

// LowerBounds returns a copy of the lower bounds.
func (p *Problem) LowerBounds() []float64 { return append([]float64(nil), p.lower...) }

// UpperBounds returns a copy of the upper bounds.
func (p *Problem) UpperBounds() []float64 { return append([]float64(nil), p.upper...) }

// Evaluate calls the objective at x, writing the gradient into grad.
func (p *Problem) Evaluate(x, grad []float64) (float64, error) {
	return p.objective(p.dimension, true, x, grad, p.userData)
}

// Project clamps x into the enforced bounds in place and reports whether any
// coordinate moved.
func (p *Problem) Project(x []float64) bool {
	moved := false
	for i, bt := range p.boundTypes {
		if bt.HasLower() && x[i] < p.lower[i] {
			x[i] = p.lower[i]
			moved = true
		} else if bt.HasUpper() && x[i] > p.upper[i] {
			x[i] = p.upper[i]
			moved = true
		}
	}
	return moved
}

// Feasible reports whether x satisfies every enforced bound.
func (p *Problem) Feasible(x []float64) bool {
	for i, bt := range p.boundTypes {
		if bt.HasLower() && x[i] < p.lower[i] || bt.HasUpper() && x[i] > p.upper[i] {
			return false
		}
	}
	return true
}
