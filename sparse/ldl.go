package sparse

import (
	"fmt"
	"math"
	"sort"
)

// DefaultPivotTolerance is the smallest accepted ratio between a pivot of
// the factorization and the matching diagonal entry of the matrix.
const DefaultPivotTolerance = 1e-10

// SingularError reports a pivot that failed the tolerance check.
// Column is in the original (unpermuted) numbering.
type SingularError struct {
	Column   int
	Pivot    float64
	Diagonal float64
}

func (e *SingularError) Error() string {
	if e.Diagonal == 0 {
		return fmt.Sprintf("column %d has no support (zero diagonal)", e.Column)
	}
	return fmt.Sprintf("column %d is ill-conditioned (pivot %.3g, diagonal %.3g)", e.Column, e.Pivot, e.Diagonal)
}

// Factor is a sparse LDLᵀ factorization of a symmetric positive
// definite matrix, P A Pᵀ = L D Lᵀ with unit lower triangular L.
// The symbolic part (elimination tree, column counts) is computed once by
// Analyze and reused by every call to Factorize on matrices with the same
// pattern.
type Factor struct {
	n         int
	perm      []int // perm[k] = original column eliminated at step k
	pinv      []int
	parent    []int
	lp        []int
	lnz       []int
	li        []int
	lx        []float64
	d         []float64
	Tolerance float64
}

// DegreeOrdering returns a permutation eliminating low-degree columns first.
// Ties keep the original order.
func DegreeOrdering(a *Matrix) []int {
	perm := make([]int, a.Cols)
	for j := range perm {
		perm[j] = j
	}
	sort.SliceStable(perm, func(x, y int) bool {
		dx := a.ColPtr[perm[x]+1] - a.ColPtr[perm[x]]
		dy := a.ColPtr[perm[y]+1] - a.ColPtr[perm[y]]
		return dx < dy
	})
	return perm
}

// Analyze computes the elimination tree and the column counts of L for a
// square matrix storing both triangles. perm may be nil for the natural order.
func Analyze(a *Matrix, perm []int) (*Factor, error) {
	if a.Rows != a.Cols {
		return nil, fmt.Errorf("matrix is %dx%d, want square", a.Rows, a.Cols)
	}
	n := a.Cols
	if perm == nil {
		perm = make([]int, n)
		for k := range perm {
			perm[k] = k
		}
	}
	if len(perm) != n {
		return nil, fmt.Errorf("permutation has %d entries, want %d", len(perm), n)
	}
	f := &Factor{
		n:         n,
		perm:      append([]int(nil), perm...),
		pinv:      make([]int, n),
		parent:    make([]int, n),
		lp:        make([]int, n+1),
		lnz:       make([]int, n),
		d:         make([]float64, n),
		Tolerance: DefaultPivotTolerance,
	}
	for k := range f.pinv {
		f.pinv[k] = -1
	}
	for k, j := range f.perm {
		if j < 0 || j >= n || f.pinv[j] != -1 {
			return nil, fmt.Errorf("invalid permutation entry %d", j)
		}
		f.pinv[j] = k
	}

	flag := make([]int, n)
	for k := 0; k < n; k++ {
		f.parent[k] = -1
		flag[k] = k
		kk := f.perm[k]
		for p := a.ColPtr[kk]; p < a.ColPtr[kk+1]; p++ {
			i := f.pinv[a.RowIdx[p]]
			if i >= k {
				continue
			}
			for ; flag[i] != k; i = f.parent[i] {
				if f.parent[i] == -1 {
					f.parent[i] = k
				}
				f.lnz[i]++
				flag[i] = k
			}
		}
	}
	for k := 0; k < n; k++ {
		f.lp[k+1] = f.lp[k] + f.lnz[k]
	}
	f.li = make([]int, f.lp[n])
	f.lx = make([]float64, f.lp[n])
	return f, nil
}

// Size returns the dimension of the factored matrix
func (f *Factor) Size() int { return f.n }

// Factorize computes the numeric factorization of a, which must have the
// pattern seen by Analyze (or a subset of it).
func (f *Factor) Factorize(a *Matrix) error {
	n := f.n
	if a.Cols != n || a.Rows != n {
		return fmt.Errorf("matrix is %dx%d, factor expects %dx%d", a.Rows, a.Cols, n, n)
	}
	y := make([]float64, n)
	pattern := make([]int, n)
	flag := make([]int, n)

	for k := 0; k < n; k++ {
		y[k] = 0
		top := n
		flag[k] = k
		f.lnz[k] = 0
		diag := 0.0
		kk := f.perm[k]
		for p := a.ColPtr[kk]; p < a.ColPtr[kk+1]; p++ {
			i := f.pinv[a.RowIdx[p]]
			if i > k {
				continue
			}
			if i == k {
				diag = a.Values[p]
			}
			y[i] += a.Values[p]
			length := 0
			for ; flag[i] != k; i = f.parent[i] {
				pattern[length] = i
				length++
				flag[i] = k
			}
			for length > 0 {
				top--
				length--
				pattern[top] = pattern[length]
			}
		}

		f.d[k] = y[k]
		y[k] = 0
		for ; top < n; top++ {
			i := pattern[top]
			yi := y[i]
			y[i] = 0
			p2 := f.lp[i] + f.lnz[i]
			for p := f.lp[i]; p < p2; p++ {
				y[f.li[p]] -= f.lx[p] * yi
			}
			if p2 >= f.lp[i+1] {
				return fmt.Errorf("matrix pattern differs from the analyzed pattern at column %d", kk)
			}
			lki := yi / f.d[i]
			f.d[k] -= lki * yi
			f.li[p2] = k
			f.lx[p2] = lki
			f.lnz[i]++
		}

		if diag <= 0 || math.IsNaN(f.d[k]) || f.d[k] <= f.Tolerance*diag {
			return &SingularError{Column: kk, Pivot: f.d[k], Diagonal: diag}
		}
	}
	return nil
}

// Solve returns x with A x = b using the last numeric factorization
func (f *Factor) Solve(b []float64) []float64 {
	n := f.n
	x := make([]float64, n)
	for k := 0; k < n; k++ {
		x[k] = b[f.perm[k]]
	}
	for j := 0; j < n; j++ {
		xj := x[j]
		for p := f.lp[j]; p < f.lp[j]+f.lnz[j]; p++ {
			x[f.li[p]] -= f.lx[p] * xj
		}
	}
	for j := 0; j < n; j++ {
		x[j] /= f.d[j]
	}
	for j := n - 1; j >= 0; j-- {
		for p := f.lp[j]; p < f.lp[j]+f.lnz[j]; p++ {
			x[j] -= f.lx[p] * x[f.li[p]]
		}
	}
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		out[f.perm[k]] = x[k]
	}
	return out
}
