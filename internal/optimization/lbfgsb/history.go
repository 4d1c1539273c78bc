package lbfgsb

import (
	"errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultCorrections is the number of correction pairs kept by a new engine.
const DefaultCorrections = 5

var errNotPositiveDefinite = errors.New("lbfgsb: middle matrix is not positive definite")

// CorrectionHistory is a bounded FIFO of (s, y) curvature pairs together with
// the dot-product caches and the Cholesky factor of
//
//	T = θSᵀS + LD⁻¹Lᵀ
//
// used to apply the compact L-BFGS middle matrix
//
//	M = [ -D   Lᵀ  ]⁻¹
//	    [  L  θSᵀS ]
//
// where D = diag(sᵢᵀyᵢ) and L is the strictly lower triangle of SᵀY. Pairs are
// kept oldest first. All storage is allocated once in NewCorrectionHistory.
type CorrectionHistory struct {
	n, capacity int

	s, y     [][]float64
	sBuf     [][]float64
	yBuf     [][]float64
	ss, sy   [][]float64 // ss[i][j] = sᵢᵀsⱼ, sy[i][j] = sᵢᵀyⱼ
	theta    float64
	tData    []float64
	rhs, sol []float64
	chol     mat.Cholesky
	factored bool
}

// NewCorrectionHistory allocates a history for vectors of length n holding at
// most capacity pairs.
func NewCorrectionHistory(n, capacity int) *CorrectionHistory {
	h := &CorrectionHistory{
		n:        n,
		capacity: capacity,
		s:        make([][]float64, 0, capacity),
		y:        make([][]float64, 0, capacity),
		sBuf:     make([][]float64, capacity),
		yBuf:     make([][]float64, capacity),
		ss:       make([][]float64, capacity),
		sy:       make([][]float64, capacity),
		theta:    1,
		tData:    make([]float64, capacity*capacity),
		rhs:      make([]float64, capacity),
		sol:      make([]float64, capacity),
	}
	for i := 0; i < capacity; i++ {
		h.sBuf[i] = make([]float64, n)
		h.yBuf[i] = make([]float64, n)
		h.ss[i] = make([]float64, capacity)
		h.sy[i] = make([]float64, capacity)
	}
	return h
}

// Len returns the number of stored pairs.
func (h *CorrectionHistory) Len() int { return len(h.s) }

// Cap returns the maximum number of stored pairs.
func (h *CorrectionHistory) Cap() int { return h.capacity }

// Theta returns the scaling θ = yᵀy/sᵀy of the newest pair, or 1 when empty.
func (h *CorrectionHistory) Theta() float64 { return h.theta }

// Pair returns the i-th pair, oldest first. The slices alias internal storage.
func (h *CorrectionHistory) Pair(i int) (s, y []float64) {
	return h.s[i], h.y[i]
}

// Clear drops every pair and resets θ to 1.
func (h *CorrectionHistory) Clear() {
	h.s = h.s[:0]
	h.y = h.y[:0]
	h.theta = 1
	h.factored = false
}

// Push appends a pair, evicting the oldest one when the history is full, then
// refreshes θ and the factorization of T.
func (h *CorrectionHistory) Push(s, y []float64) error {
	if len(s) != h.n || len(y) != h.n {
		panic("lbfgsb: correction pair length mismatch")
	}

	if len(h.s) == h.capacity {
		// Recycle the evicted vectors as storage for the new pair.
		oldS, oldY := h.s[0], h.y[0]
		copy(h.s, h.s[1:])
		copy(h.y, h.y[1:])
		h.s[h.capacity-1] = oldS
		h.y[h.capacity-1] = oldY
		last := h.capacity - 1
		for i := 0; i < last; i++ {
			copy(h.ss[i][:last], h.ss[i+1][1:h.capacity])
			copy(h.sy[i][:last], h.sy[i+1][1:h.capacity])
		}
	} else {
		k := len(h.s)
		h.s = append(h.s, h.sBuf[k])
		h.y = append(h.y, h.yBuf[k])
	}

	k := len(h.s)
	newest := k - 1
	copy(h.s[newest], s)
	copy(h.y[newest], y)

	for j := 0; j < k; j++ {
		sj, yj := h.s[j], h.y[j]
		dss := floats.Dot(s, sj)
		h.ss[newest][j] = dss
		h.ss[j][newest] = dss
		h.sy[newest][j] = floats.Dot(s, yj)
		h.sy[j][newest] = floats.Dot(sj, y)
	}

	h.theta = floats.Dot(y, y) / h.sy[newest][newest]
	return h.factor()
}

// factor builds T = θSᵀS + LD⁻¹Lᵀ and its Cholesky factorization.
func (h *CorrectionHistory) factor() error {
	h.factored = false
	k := len(h.s)
	if k == 0 {
		return nil
	}

	t := mat.NewSymDense(k, h.tData[:k*k])
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := h.theta * h.ss[i][j]
			for l := 0; l < i; l++ {
				v += h.sy[i][l] * h.sy[j][l] / h.sy[l][l]
			}
			t.SetSym(i, j, v)
		}
	}
	if ok := h.chol.Factorize(t); !ok {
		return errNotPositiveDefinite
	}
	h.factored = true
	return nil
}

// row writes the i-th row of W = [Y θS] into dst (length 2k).
func (h *CorrectionHistory) row(dst []float64, i int) {
	k := len(h.s)
	for j := 0; j < k; j++ {
		dst[j] = h.y[j][i]
		dst[k+j] = h.theta * h.s[j][i]
	}
}

// multiplyM computes dst = Mp for a 2k vector p laid out as [Y part; S part].
//
// With K[a; b] = [p₁; p₂] eliminated blockwise:
//
//	T b = p₂ + LD⁻¹p₁
//	a   = D⁻¹(Lᵀb − p₁)
func (h *CorrectionHistory) multiplyM(dst, p []float64) error {
	k := len(h.s)
	if k == 0 {
		return nil
	}
	if !h.factored {
		return errNotPositiveDefinite
	}

	p1, p2 := p[:k], p[k:2*k]
	rhs := h.rhs[:k]
	for i := 0; i < k; i++ {
		v := p2[i]
		for j := 0; j < i; j++ {
			v += h.sy[i][j] * p1[j] / h.sy[j][j]
		}
		rhs[i] = v
	}

	b := mat.NewVecDense(k, h.sol[:k])
	if err := h.chol.SolveVecTo(b, mat.NewVecDense(k, rhs)); err != nil {
		return err
	}

	a, bOut := dst[:k], dst[k:2*k]
	for i := 0; i < k; i++ {
		v := -p1[i]
		for j := i + 1; j < k; j++ {
			v += h.sy[j][i] * h.sol[j]
		}
		a[i] = v / h.sy[i][i]
	}
	copy(bOut, h.sol[:k])
	return nil
}

// middleInverse writes K = M⁻¹ into dst (2k×2k, row-major).
func (h *CorrectionHistory) middleInverse(dst *mat.Dense) {
	k := len(h.s)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			// top-left: -D
			if i == j {
				dst.Set(i, j, -h.sy[i][i])
			} else {
				dst.Set(i, j, 0)
			}
			// bottom-left: L, top-right: Lᵀ
			var l float64
			if i > j {
				l = h.sy[i][j]
			}
			dst.Set(k+i, j, l)
			dst.Set(j, k+i, l)
			// bottom-right: θSᵀS
			dst.Set(k+i, k+j, h.theta*h.ss[i][j])
		}
	}
}
