package lbfgsb

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

const (
	// maxLineSearchEvaluations caps the trial points of one line search.
	maxLineSearchEvaluations = 20
	// maxDecreaseFactor is the sufficient-decrease coefficient used unless the
	// curvature coefficient is small enough to require a tighter one.
	maxDecreaseFactor = 1e-3
)

// beginLineSearch prepares a search along d = xᵏ⁺¹ − xₖ, where ws.z holds the
// subspace minimizer, and requests the first trial point.
func (e *Engine) beginLineSearch() Task {
	ws := e.ws
	floats.SubTo(ws.d, ws.z, e.x)

	e.gd0 = floats.Dot(e.g, ws.d)
	if e.gd0 >= 0 {
		// Not a descent direction; the model is no longer trustworthy.
		return e.recover("ascent direction", zap.Float64("gd", e.gd0))
	}

	e.stpMax = e.maxStep()
	if e.stpMax <= 0 {
		return e.recover("no feasible step", zap.Float64("gd", e.gd0))
	}
	if e.iter == 0 && !e.boxed {
		e.stp = math.Min(1/floats.Norm(ws.d, 2), e.stpMax)
	} else {
		e.stp = math.Min(e.stepLength, e.stpMax)
	}

	e.ls = optimize.MoreThuente{
		DecreaseFactor:  e.decreaseFactor(),
		CurvatureFactor: e.accuracy,
		MaximumStep:     e.stpMax,
	}
	e.ls.Init(e.f0, e.gd0, e.stp)
	e.numLS = 0

	e.phase = phaseLineSearch
	e.setTrialPoint()
	return e.requestEvaluation(TaskFGLineSearch)
}

// continueLineSearch consumes f and g at the current trial point and either
// accepts it or moves to the next trial step.
func (e *Engine) continueLineSearch() Task {
	e.numLS++
	gd := floats.Dot(e.g, e.ws.d)

	op, stp, err := e.ls.Iterate(e.f, gd)
	switch {
	case err != nil:
		// The searcher stopped at a bracket or step bound. The trial point is
		// still usable when it decreases f enough.
		if e.sufficientDecrease() {
			return e.accept()
		}
		return e.recover("line search failed", zap.Error(err), zap.Float64("step", e.stp))
	case op == optimize.MajorIteration:
		return e.accept()
	case e.numLS >= maxLineSearchEvaluations:
		if e.sufficientDecrease() {
			return e.accept()
		}
		return e.recover("line search evaluation limit", zap.Int("trials", e.numLS))
	}

	e.stp = stp
	e.setTrialPoint()
	return e.requestEvaluation(TaskFGLineSearch)
}

// setTrialPoint writes x = x₀ + stp·d into e.x. The unit step reuses the
// subspace minimizer exactly.
func (e *Engine) setTrialPoint() {
	if e.stp == 1 {
		copy(e.x, e.ws.z)
		return
	}
	for i := range e.x {
		e.x[i] = e.x0[i] + e.stp*e.ws.d[i]
		e.clamp(e.x, i)
	}
}

func (e *Engine) sufficientDecrease() bool {
	return e.f <= e.f0+e.decreaseFactor()*e.stp*e.gd0
}

func (e *Engine) decreaseFactor() float64 {
	return math.Min(maxDecreaseFactor, e.accuracy/10)
}
