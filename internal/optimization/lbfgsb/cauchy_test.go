package lbfgsb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

// assertSlicesInDelta checks that two float64 slices are equal within tol.
func assertSlicesInDelta(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	require.Len(t, got, len(want))
	for i := range got {
		assert.InDelta(t, want[i], got[i], tol, "at index %d", i)
	}
}

// newCauchyEngine returns an engine whose iterate and gradient are seeded with
// x and g, ready for a direct Cauchy search.
func newCauchyEngine(t *testing.T, lower, upper, x, g []float64) *Engine {
	t.Helper()
	zero := func(int, bool, []float64, []float64, interface{}) (float64, error) { return 0, nil }
	problem, err := optimization.NewProblem(len(x), lower, upper, zero)
	require.NoError(t, err)
	e, err := New(problem)
	require.NoError(t, err)
	copy(e.x, x)
	copy(e.g, g)
	return e
}

func TestCauchyPointBreakpointOrder(t *testing.T) {
	tests := []struct {
		name   string
		lower  []float64
		upper  []float64
		g      []float64
		breaks []breakpoint
		z      []float64
		pinned []bool
		free   []int
	}{
		{
			name:   "ties and a degenerate coordinate",
			lower:  []float64{-1, 0, -1, -1},
			upper:  []float64{1, 0, 1, 1},
			g:      []float64{5, 3, 5, 5},
			breaks: []breakpoint{{0.2, 0}, {0.2, 2}, {0.2, 3}},
			z:      []float64{-1, 0, -1, -1},
			pinned: []bool{true, true, true, true},
			free:   []int{},
		},
		{
			name:   "ties after an earlier breakpoint",
			lower:  []float64{-1, -1, -1},
			upper:  []float64{1, 1, 1},
			g:      []float64{5, 10, 5},
			breaks: []breakpoint{{0.1, 1}, {0.2, 0}, {0.2, 2}},
			z:      []float64{-1, -1, -1},
			pinned: []bool{true, true, true},
			free:   []int{},
		},
		{
			name:   "stops between breakpoints",
			lower:  []float64{-1, -1, math.Inf(-1)},
			upper:  []float64{1, 1, math.Inf(1)},
			g:      []float64{0.5, 4, 1},
			breaks: []breakpoint{{0.25, 1}, {2, 0}},
			z:      []float64{-0.5, -1, -1},
			pinned: []bool{false, true, false},
			free:   []int{0, 2},
		},
		{
			name:   "zero gradient coordinate stays free",
			lower:  []float64{-1, -1},
			upper:  []float64{1, 1},
			g:      []float64{0, 4},
			breaks: []breakpoint{{0.25, 1}},
			z:      []float64{0, -1},
			pinned: []bool{false, true},
			free:   []int{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newCauchyEngine(t, tt.lower, tt.upper, make([]float64, len(tt.g)), tt.g)
			require.NoError(t, e.cauchyPoint())

			assert.Equal(t, tt.breaks, e.ws.breaks)
			assertSlicesInDelta(t, e.ws.z, tt.z, 1e-12)
			assert.Equal(t, tt.pinned, e.ws.pinned)
			assert.Equal(t, tt.free, e.ws.free)
		})
	}
}

func TestCauchyPointExcludesDegenerateCoordinate(t *testing.T) {
	// The degenerate coordinate has the steepest gradient but never moves and
	// never contributes a breakpoint.
	e := newCauchyEngine(t,
		[]float64{-10, 2, -10},
		[]float64{10, 2, 10},
		[]float64{1, 2, -1},
		[]float64{1, -50, 1},
	)
	require.NoError(t, e.cauchyPoint())

	assert.True(t, e.ws.pinned[1])
	assert.NotContains(t, e.ws.free, 1)
	assert.Equal(t, []int{0, 2}, e.ws.free)
	assert.Equal(t, 2.0, e.ws.z[1])
	for _, bp := range e.ws.breaks {
		assert.NotEqual(t, 1, bp.idx)
	}
	assertSlicesInDelta(t, e.ws.z, []float64{0, 2, -2}, 1e-12)
}

func TestCauchyPointWithCorrections(t *testing.T) {
	const n, m = 4, 3
	lower := []float64{-1, -0.01, -1, math.Inf(-1)}
	upper := []float64{1, 1, 0.02, math.Inf(1)}
	x := make([]float64, n)
	g := []float64{0.05, 3, -2, 0.5}

	e := newCauchyEngine(t, lower, upper, x, g)
	h := e.corrections
	s, y := spdPairs(t, n, m, 11)
	for k := range s {
		require.NoError(t, h.Push(s[k], y[k]))
	}
	require.NoError(t, e.cauchyPoint())

	k := h.Len()
	theta := h.Theta()
	row := make([]float64, 2*k)

	// wt returns Wᵀd.
	wt := func(d []float64) []float64 {
		out := make([]float64, 2*k)
		for i := 0; i < n; i++ {
			h.row(row, i)
			floats.AddScaled(out, d[i], row)
		}
		return out
	}
	// model returns gᵀd + ½dᵀBd with B = θI − WMWᵀ.
	model := func(z []float64) float64 {
		d := make([]float64, n)
		floats.SubTo(d, z, x)
		v := make([]float64, 2*k)
		require.NoError(t, h.multiplyM(v, wt(d)))
		q := 0.0
		for i := 0; i < n; i++ {
			h.row(row, i)
			q += d[i] * (theta*d[i] - floats.Dot(row, v))
		}
		return floats.Dot(g, d) + q/2
	}
	path := func(step float64) []float64 {
		p := make([]float64, n)
		for i := range p {
			p[i] = x[i] - step*g[i]
			e.clamp(p, i)
		}
		return p
	}

	z := e.ws.z
	assert.True(t, e.problem.Feasible(z), "%v", z)

	d := make([]float64, n)
	floats.SubTo(d, z, x)
	assertSlicesInDelta(t, e.ws.c[:2*k], wt(d), 1e-9)

	// Coordinate 0 reaches its bound far beyond the model minimizer, so it
	// stays free and recovers the Cauchy step length.
	require.Contains(t, e.ws.free, 0)
	tc := (x[0] - z[0]) / g[0]
	require.Greater(t, tc, 0.0)
	assertSlicesInDelta(t, z, path(tc), 1e-9)

	const step = 1e-4
	mc := model(z)
	assert.LessOrEqual(t, mc, model(path(tc+step))+1e-12)
	if tc > step {
		assert.LessOrEqual(t, mc, model(path(tc-step))+1e-12)
	}
	assert.Less(t, mc, 0.0)
}
