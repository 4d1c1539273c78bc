package lbfgsb

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// cauchyPoint computes the generalized Cauchy point xᶜ: the first local
// minimizer of the quadratic model
//
//	m(x) = f + gᵀ(x − xₖ) + ½(x − xₖ)ᵀB(x − xₖ)
//
// along the projected steepest-descent path P(xₖ − tg). The path is piecewise
// linear with a breakpoint wherever a coordinate reaches a bound; breakpoints
// are visited by increasing t, ties by coordinate index.
//
// On return ws.z holds xᶜ, ws.c holds Wᵀ(xᶜ − xₖ), ws.pinned marks the
// coordinates held at a bound and ws.free lists the others.
func (e *Engine) cauchyPoint() error {
	ws, h := e.ws, e.corrections
	x, g := e.x, e.g
	k := h.Len()
	theta := h.Theta()

	p, c, w, v := ws.p[:2*k], ws.c[:2*k], ws.w[:2*k], ws.v[:2*k]
	for i := range p {
		p[i], c[i] = 0, 0
	}
	copy(ws.z, x)
	ws.breaks = ws.breaks[:0]

	// f1 = gᵀd, d = −g on the coordinates the path moves.
	f1 := 0.0
	moving := 0
	for i := 0; i < e.n; i++ {
		ws.pinned[i] = false
		ws.d[i] = 0

		bt := e.problem.BoundType(i)
		lo, hi := e.problem.Lower(i), e.problem.Upper(i)
		if bt.HasLower() && bt.HasUpper() && hi-lo <= 0 {
			ws.pinned[i] = true
			continue
		}

		gi := g[i]
		tb := math.Inf(1)
		switch {
		case gi < 0 && bt.HasUpper():
			tb = (x[i] - hi) / gi
		case gi > 0 && bt.HasLower():
			tb = (x[i] - lo) / gi
		}
		if tb <= 0 {
			ws.pinned[i] = true
			continue
		}
		if gi == 0 {
			continue
		}

		ws.d[i] = -gi
		f1 -= gi * gi
		moving++
		if k > 0 {
			// p += dᵢ · (row i of W)
			h.row(w, i)
			floats.AddScaled(p, -gi, w)
		}
		if !math.IsInf(tb, 1) {
			ws.breaks = append(ws.breaks, breakpoint{t: tb, idx: i})
		}
	}

	if moving == 0 {
		e.collectFree()
		return nil
	}

	// f2 = −θf1 − pᵀMp, floored below at ε(−θf1) along the path.
	f2 := -theta * f1
	f2Min := machineEpsilon * f2
	if k > 0 {
		if err := h.multiplyM(v, p); err != nil {
			return err
		}
		f2 -= floats.Dot(v, p)
	}
	dtMin := -f1 / f2
	tOld := 0.0

	slices.SortFunc(ws.breaks, func(a, b breakpoint) int {
		if r := cmp.Compare(a.t, b.t); r != 0 {
			return r
		}
		return cmp.Compare(a.idx, b.idx)
	})

	for _, bp := range ws.breaks {
		dt := bp.t - tOld
		if dtMin < dt {
			break
		}

		// Pin coordinate i at the bound it reaches and update the slope f1
		// and curvature f2 of the next segment.
		i := bp.idx
		gi := g[i]
		if ws.d[i] > 0 {
			ws.z[i] = e.problem.Upper(i)
		} else {
			ws.z[i] = e.problem.Lower(i)
		}
		zi := ws.z[i] - x[i]
		ws.d[i] = 0
		ws.pinned[i] = true
		moving--
		tOld = bp.t

		f1 += dt*f2 + gi*gi + theta*gi*zi
		f2 -= theta * gi * gi
		if k > 0 {
			floats.AddScaled(c, dt, p)
			h.row(w, i)
			if err := h.multiplyM(v, w); err != nil {
				return err
			}
			f1 -= gi * floats.Dot(v, c)
			f2 -= 2*gi*floats.Dot(v, p) + gi*gi*floats.Dot(v, w)
			floats.AddScaled(p, gi, w)
		}
		f2 = math.Max(f2Min, f2)
		dtMin = -f1 / f2

		if moving == 0 {
			dtMin = 0
			break
		}
	}

	dtMin = math.Max(dtMin, 0)
	tOld += dtMin
	for i := 0; i < e.n; i++ {
		if ws.d[i] != 0 {
			ws.z[i] = x[i] + tOld*ws.d[i]
			e.clamp(ws.z, i)
		}
	}
	if k > 0 {
		floats.AddScaled(c, dtMin, p)
	}

	e.collectFree()
	return nil
}

// collectFree lists the coordinates not pinned by the Cauchy search.
func (e *Engine) collectFree() {
	ws := e.ws
	ws.free = ws.free[:0]
	for i, pinned := range ws.pinned {
		if !pinned {
			ws.free = append(ws.free, i)
		}
	}
}
