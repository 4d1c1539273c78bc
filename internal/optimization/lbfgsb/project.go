package lbfgsb

import (
	"math"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

// noBoundStep caps the line search along directions no bound can stop.
const noBoundStep = 1e10

// projGradNorm returns the infinity norm of the projected gradient at (x, g).
// A component is clipped when a descent step would leave the box:
//
//	proj gᵢ = max(xᵢ − uᵢ, gᵢ)  if gᵢ < 0
//	proj gᵢ = min(xᵢ − lᵢ, gᵢ)  if gᵢ ≥ 0
func (e *Engine) projGradNorm() float64 {
	norm := 0.0
	for i, gi := range e.g {
		bt := e.problem.BoundType(i)
		if gi < 0 {
			if bt.HasUpper() {
				gi = math.Max(e.x[i]-e.problem.Upper(i), gi)
			}
		} else if bt.HasLower() {
			gi = math.Min(e.x[i]-e.problem.Lower(i), gi)
		}
		norm = math.Max(norm, math.Abs(gi))
	}
	return norm
}

// maxStep returns the largest step along d from x that stays feasible. On the
// first iteration of a constrained problem the step is capped at one.
func (e *Engine) maxStep() float64 {
	if !e.constrained {
		return noBoundStep
	}
	if e.iter == 0 {
		return 1
	}

	step := noBoundStep
	d := e.ws.d
	for i, x := range e.x {
		bt := e.problem.BoundType(i)
		switch {
		case d[i] < 0 && bt.HasLower():
			span := e.problem.Lower(i) - x
			if span >= 0 {
				step = 0
			} else if d[i]*step < span {
				step = span / d[i]
			}
		case d[i] > 0 && bt.HasUpper():
			span := e.problem.Upper(i) - x
			if span <= 0 {
				step = 0
			} else if d[i]*step > span {
				step = span / d[i]
			}
		}
	}
	return step
}

// clamp projects coordinate i of v into its bounds.
func (e *Engine) clamp(v []float64, i int) {
	bt := e.problem.BoundType(i)
	if bt.HasLower() && v[i] < e.problem.Lower(i) {
		v[i] = e.problem.Lower(i)
	} else if bt.HasUpper() && v[i] > e.problem.Upper(i) {
		v[i] = e.problem.Upper(i)
	}
}

// classify records whether any bound is enforced and whether every coordinate
// is boxed on both sides.
func (e *Engine) classify() {
	e.constrained, e.boxed = false, true
	for i := 0; i < e.n; i++ {
		bt := e.problem.BoundType(i)
		if bt != optimization.BoundNone {
			e.constrained = true
		}
		if bt != optimization.BoundBoth {
			e.boxed = false
		}
	}
}
