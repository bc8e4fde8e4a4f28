package sparse

// Triplet is one (row, column, value) entry of a sparse matrix.
type Triplet struct {
	Row   int
	Col   int
	Value float64
}

// TripletList is an append-only list of matrix entries.
// Entries sharing the same (row, column) are summed when the list is
// compressed, never before.
type TripletList struct {
	entries  []Triplet
	nextFree int // next unused column
}

// NewTripletList creates a list with room for capacity entries
func NewTripletList(capacity int) *TripletList {
	if capacity < 0 {
		capacity = 0
	}
	return &TripletList{entries: make([]Triplet, 0, capacity)}
}

// Add appends one entry
func (t *TripletList) Add(row, col int, value float64) {
	t.entries = append(t.entries, Triplet{Row: row, Col: col, Value: value})
	if col >= t.nextFree {
		t.nextFree = col + 1
	}
}

// Append concatenates other at the end of t, shifting its columns by
// t.NextFreeIndex() so that column blocks stay disjoint.
func (t *TripletList) Append(other *TripletList) {
	if other == nil {
		return
	}
	shift := t.nextFree
	if cap(t.entries)-len(t.entries) < len(other.entries) {
		grown := make([]Triplet, len(t.entries), len(t.entries)+len(other.entries))
		copy(grown, t.entries)
		t.entries = grown
	}
	for _, e := range other.entries {
		t.entries = append(t.entries, Triplet{Row: e.Row, Col: e.Col + shift, Value: e.Value})
	}
	t.nextFree = shift + other.nextFree
}

// NextFreeIndex returns the first column not used by any entry
func (t *TripletList) NextFreeIndex() int { return t.nextFree }

// SetNextFreeIndex reserves columns up to (excluding) idx
func (t *TripletList) SetNextFreeIndex(idx int) {
	if idx > t.nextFree {
		t.nextFree = idx
	}
}

// Len returns the number of entries
func (t *TripletList) Len() int { return len(t.entries) }

// Entries exposes the raw entries (read-only)
func (t *TripletList) Entries() []Triplet { return t.entries }
