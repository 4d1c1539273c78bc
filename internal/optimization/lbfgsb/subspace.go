package lbfgsb

import "gonum.org/v1/gonum/floats"

// skipCauchy replaces the Cauchy search on unconstrained problems with a
// non-empty history: xᶜ = xₖ and every coordinate is free.
func (e *Engine) skipCauchy() {
	ws := e.ws
	copy(ws.z, e.x)
	for i := range ws.pinned {
		ws.pinned[i] = false
	}
	for i := range ws.c {
		ws.c[i] = 0
	}
	e.collectFree()
}

// minimizeSubspace minimizes the quadratic model over the free coordinates,
// starting from the Cauchy point in ws.z, and leaves the result in ws.z.
//
// With Z selecting the free coordinates and U = ZᵀW, the reduced Hessian is
// θI − UMUᵀ and its inverse follows from the Sherman-Morrison-Woodbury
// identity:
//
//	r  = Zᵀ(g + θ(xᶜ − x) − WMc)
//	(K − UᵀU/θ) q = Uᵀr
//	du = −r/θ − Uq/θ²
//
// The unconstrained step is then projected back into the box. When the
// projection does not give a descent direction from xₖ, the step is shortened
// to the largest feasible fraction instead.
func (e *Engine) minimizeSubspace() error {
	ws, h := e.ws, e.corrections
	k := h.Len()
	free := ws.free
	if k == 0 || len(free) == 0 {
		return nil
	}
	theta := h.Theta()
	w := ws.w[:2*k]

	// v = Mc
	v := ws.v[:2*k]
	if err := h.multiplyM(v, ws.c[:2*k]); err != nil {
		return err
	}

	// Reduced gradient r on the free coordinates, u = Uᵀr and A = UᵀU.
	u := ws.u[:2*k]
	for i := range u {
		u[i] = 0
	}
	kkt := ws.kkt(k)
	h.middleInverse(kkt)
	r := ws.r[:len(free)]
	for j, i := range free {
		h.row(w, i)
		r[j] = e.g[i] + theta*(ws.z[i]-e.x[i]) - floats.Dot(w, v)
		floats.AddScaled(u, r[j], w)
		for a := 0; a < 2*k; a++ {
			if w[a] == 0 {
				continue
			}
			for b := 0; b < 2*k; b++ {
				kkt.Set(a, b, kkt.At(a, b)-w[a]*w[b]/theta)
			}
		}
	}

	ws.lu.Factorize(kkt)
	q := vec(ws.q, 2*k)
	if err := ws.lu.SolveVecTo(q, false, vec(u, 2*k)); err != nil {
		return err
	}

	du := ws.du[:len(free)]
	qRaw := ws.q[:2*k]
	for j, i := range free {
		h.row(w, i)
		du[j] = -r[j]/theta - floats.Dot(w, qRaw)/(theta*theta)
	}

	e.projectSubspaceStep(du)
	return nil
}

// projectSubspaceStep moves ws.z from the Cauchy point along du. The clipped
// point P(xᶜ + du) is kept when it is a descent direction from xₖ; otherwise
// the largest feasible multiple of du is taken, with the blocking coordinate
// set exactly on its bound.
func (e *Engine) projectSubspaceStep(du []float64) {
	ws := e.ws
	free := ws.free
	x, g := e.x, e.g

	// Trial projection into ws.s, used as scratch.
	trial := ws.s
	copy(trial, ws.z)
	for j, i := range free {
		trial[i] += du[j]
		e.clamp(trial, i)
	}
	slope := 0.0
	for i := range trial {
		slope += (trial[i] - x[i]) * g[i]
	}
	if slope < 0 {
		copy(ws.z, trial)
		return
	}

	alpha, blocking := 1.0, -1
	for j, i := range free {
		dk := du[j]
		bt := e.problem.BoundType(i)
		step := alpha
		switch {
		case dk < 0 && bt.HasLower():
			span := e.problem.Lower(i) - ws.z[i]
			if span >= 0 {
				step = 0
			} else if dk*alpha < span {
				step = span / dk
			}
		case dk > 0 && bt.HasUpper():
			span := e.problem.Upper(i) - ws.z[i]
			if span <= 0 {
				step = 0
			} else if dk*alpha > span {
				step = span / dk
			}
		}
		if step < alpha {
			alpha, blocking = step, j
		}
	}

	if alpha < 1 && blocking >= 0 {
		i := free[blocking]
		if du[blocking] > 0 {
			ws.z[i] = e.problem.Upper(i)
		} else {
			ws.z[i] = e.problem.Lower(i)
		}
		du[blocking] = 0
	}
	for j, i := range free {
		ws.z[i] += alpha * du[j]
		e.clamp(ws.z, i)
	}
}
