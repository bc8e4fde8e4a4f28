package sparse

import "sort"

// Inverse holds the entries of A⁻¹ that fall on the pattern of the factor
// (L + Lᵀ + D), which contains the pattern of A. Every pair of parameters
// coupled by one measurement is therefore available.
type Inverse struct {
	f  *Factor
	zx []float64 // strictly lower entries, laid out like the factor's L
	zd []float64
}

// SelectedInverse computes the entries of A⁻¹ on the factor pattern with the
// Takahashi recurrences, last column first:
//
//	Z_ij = -Σ_k Z_ik L_kj        (i, k in the pattern of column j)
//	Z_jj = 1/D_j - Σ_k L_kj Z_kj
//
// The cost is that of a numeric factorization.
func (f *Factor) SelectedInverse() *Inverse {
	n := f.n
	inv := &Inverse{f: f, zx: make([]float64, f.lp[n]), zd: make([]float64, n)}
	for j := n - 1; j >= 0; j-- {
		start, end := f.lp[j], f.lp[j]+f.lnz[j]
		for p := start; p < end; p++ {
			i := f.li[p]
			s := 0.0
			for q := start; q < end; q++ {
				z, _ := inv.permuted(i, f.li[q])
				s += z * f.lx[q]
			}
			inv.zx[p] = -s
		}
		zjj := 1 / f.d[j]
		for p := start; p < end; p++ {
			zjj -= f.lx[p] * inv.zx[p]
		}
		inv.zd[j] = zjj
	}
	return inv
}

// permuted looks up Z in the elimination order. Row indices of each column of
// L are ascending, so the lookup is a binary search.
func (inv *Inverse) permuted(i, k int) (float64, bool) {
	if i == k {
		return inv.zd[i], true
	}
	if i < k {
		i, k = k, i
	}
	f := inv.f
	col := f.li[f.lp[k] : f.lp[k]+f.lnz[k]]
	p := sort.SearchInts(col, i)
	if p < len(col) && col[p] == i {
		return inv.zx[f.lp[k]+p], true
	}
	return 0, false
}

// At returns entry (i, j) of A⁻¹ in the original numbering. ok is false when
// the entry is outside the factor pattern.
func (inv *Inverse) At(i, j int) (v float64, ok bool) {
	return inv.permuted(inv.f.pinv[i], inv.f.pinv[j])
}

// SelectedInverse returns the entries of N⁻¹ on the factor pattern
func (s *System) SelectedInverse() *Inverse {
	return s.factor.SelectedInverse()
}
