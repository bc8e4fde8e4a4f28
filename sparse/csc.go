package sparse

import (
	"fmt"
	"sort"
)

// Matrix is a compressed sparse column matrix. Row indices are sorted
// within each column and unique.
type Matrix struct {
	Rows   int
	Cols   int
	ColPtr []int
	RowIdx []int
	Values []float64
}

// NNZ returns the number of stored entries
func (m *Matrix) NNZ() int { return m.ColPtr[m.Cols] }

// At returns entry (i, j), zero when not stored
func (m *Matrix) At(i, j int) float64 {
	if p, ok := m.find(i, j); ok {
		return m.Values[p]
	}
	return 0
}

func (m *Matrix) find(i, j int) (int, bool) {
	lo, hi := m.ColPtr[j], m.ColPtr[j+1]
	rows := m.RowIdx[lo:hi]
	k := sort.SearchInts(rows, i)
	if k < len(rows) && rows[k] == i {
		return lo + k, true
	}
	return 0, false
}

// FromTriplets compresses a triplet list into a rows×cols matrix.
// Duplicate entries are summed in the order they were added.
func FromTriplets(rows, cols int, t *TripletList) (*Matrix, error) {
	entries := t.Entries()
	counts := make([]int, cols+1)
	for _, e := range entries {
		if e.Row < 0 || e.Row >= rows || e.Col < 0 || e.Col >= cols {
			return nil, fmt.Errorf("triplet (%d,%d) outside %dx%d matrix", e.Row, e.Col, rows, cols)
		}
		counts[e.Col+1]++
	}
	for j := 0; j < cols; j++ {
		counts[j+1] += counts[j]
	}

	rowIdx := make([]int, len(entries))
	values := make([]float64, len(entries))
	next := make([]int, cols)
	copy(next, counts[:cols])
	for _, e := range entries {
		p := next[e.Col]
		rowIdx[p] = e.Row
		values[p] = e.Value
		next[e.Col]++
	}

	// sum duplicates column by column
	m := &Matrix{Rows: rows, Cols: cols, ColPtr: make([]int, cols+1)}
	w := make([]int, rows)
	for i := range w {
		w[i] = -1
	}
	nz := 0
	for j := 0; j < cols; j++ {
		start := nz
		for p := counts[j]; p < counts[j+1]; p++ {
			i := rowIdx[p]
			if w[i] >= start {
				values[w[i]] += values[p]
				continue
			}
			w[i] = nz
			rowIdx[nz] = i
			values[nz] = values[p]
			nz++
		}
		m.ColPtr[j+1] = nz
		sortColumn(rowIdx[start:nz], values[start:nz])
	}
	m.RowIdx = rowIdx[:nz]
	m.Values = values[:nz]
	return m, nil
}

// Transpose returns mᵀ
func (m *Matrix) Transpose() *Matrix {
	t := &Matrix{
		Rows:   m.Cols,
		Cols:   m.Rows,
		ColPtr: make([]int, m.Rows+1),
		RowIdx: make([]int, m.NNZ()),
		Values: make([]float64, m.NNZ()),
	}
	for _, i := range m.RowIdx {
		t.ColPtr[i+1]++
	}
	for i := 0; i < m.Rows; i++ {
		t.ColPtr[i+1] += t.ColPtr[i]
	}
	next := make([]int, m.Rows)
	copy(next, t.ColPtr[:m.Rows])
	// columns of m are visited in order, so rows of t come out sorted
	for j := 0; j < m.Cols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			q := next[m.RowIdx[p]]
			t.RowIdx[q] = j
			t.Values[q] = m.Values[p]
			next[m.RowIdx[p]]++
		}
	}
	return t
}

// NormalProduct computes the symmetric product m·mᵀ, storing both triangles.
func NormalProduct(m *Matrix) *Matrix {
	n := m.Rows
	mt := m.Transpose()
	out := &Matrix{Rows: n, Cols: n, ColPtr: make([]int, n+1)}

	x := make([]float64, n)
	mark := make([]int, n)
	for i := range mark {
		mark[i] = -1
	}
	var pattern []int
	for j := 0; j < n; j++ {
		pattern = pattern[:0]
		for p := mt.ColPtr[j]; p < mt.ColPtr[j+1]; p++ {
			k := mt.RowIdx[p]
			bkj := mt.Values[p]
			for q := m.ColPtr[k]; q < m.ColPtr[k+1]; q++ {
				i := m.RowIdx[q]
				if mark[i] != j {
					mark[i] = j
					x[i] = 0
					pattern = append(pattern, i)
				}
				x[i] += m.Values[q] * bkj
			}
		}
		sort.Ints(pattern)
		for _, i := range pattern {
			out.RowIdx = append(out.RowIdx, i)
			out.Values = append(out.Values, x[i])
		}
		out.ColPtr[j+1] = len(out.RowIdx)
	}
	return out
}

// SubtractInPlace sets m = m − other. The pattern of other must be contained
// in the pattern of m; m is left untouched otherwise.
func (m *Matrix) SubtractInPlace(other *Matrix) error {
	if other.Rows != m.Rows || other.Cols != m.Cols {
		return fmt.Errorf("dimension mismatch: %dx%d vs %dx%d", m.Rows, m.Cols, other.Rows, other.Cols)
	}
	pos := make([]int, other.NNZ())
	for j := 0; j < other.Cols; j++ {
		for p := other.ColPtr[j]; p < other.ColPtr[j+1]; p++ {
			q, ok := m.find(other.RowIdx[p], j)
			if !ok {
				return fmt.Errorf("entry (%d,%d) not in pattern", other.RowIdx[p], j)
			}
			pos[p] = q
		}
	}
	for p, q := range pos {
		m.Values[q] -= other.Values[p]
	}
	return nil
}

type columnSorter struct {
	rows   []int
	values []float64
}

func (s columnSorter) Len() int           { return len(s.rows) }
func (s columnSorter) Less(a, b int) bool { return s.rows[a] < s.rows[b] }
func (s columnSorter) Swap(a, b int) {
	s.rows[a], s.rows[b] = s.rows[b], s.rows[a]
	s.values[a], s.values[b] = s.values[b], s.values[a]
}

func sortColumn(rows []int, values []float64) {
	if sort.IntsAreSorted(rows) {
		return
	}
	sort.Sort(columnSorter{rows: rows, values: values})
}
