package lbfgsb

import "gonum.org/v1/gonum/mat"

// breakpoint is the step length along the projected steepest-descent path at
// which coordinate idx reaches a bound.
type breakpoint struct {
	t   float64
	idx int
}

// workspace holds the scratch buffers of one engine. Everything is sized by the
// dimension n and the correction capacity m at construction and reused across
// iterations.
type workspace struct {
	// n-vectors
	z    []float64 // Cauchy point, then the subspace minimizer
	d    []float64 // Cauchy direction, then the line-search direction
	r    []float64 // reduced gradient on the free variables
	du   []float64 // subspace step on the free variables
	s, y []float64 // newest correction pair

	pinned []bool
	free   []int
	breaks []breakpoint

	// 2m-vectors
	p, c, w, v, u, q []float64

	// 2m×2m buffer for the subspace system
	kktData []float64
	lu      mat.LU
}

func newWorkspace(n, m int) *workspace {
	return &workspace{
		z:       make([]float64, n),
		d:       make([]float64, n),
		r:       make([]float64, n),
		du:      make([]float64, n),
		s:       make([]float64, n),
		y:       make([]float64, n),
		pinned:  make([]bool, n),
		free:    make([]int, 0, n),
		breaks:  make([]breakpoint, 0, n),
		p:       make([]float64, 2*m),
		c:       make([]float64, 2*m),
		w:       make([]float64, 2*m),
		v:       make([]float64, 2*m),
		u:       make([]float64, 2*m),
		q:       make([]float64, 2*m),
		kktData: make([]float64, 4*m*m),
	}
}

// kkt returns a zeroed 2k×2k view over the preallocated subspace buffer.
func (w *workspace) kkt(k int) *mat.Dense {
	data := w.kktData[:4*k*k]
	for i := range data {
		data[i] = 0
	}
	return mat.NewDense(2*k, 2*k, data)
}

// vec wraps the first k entries of buf as a gonum vector.
func vec(buf []float64, k int) *mat.VecDense {
	return mat.NewVecDense(k, buf[:k])
}
