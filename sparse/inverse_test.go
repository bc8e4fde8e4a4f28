package sparse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSelectedInverse_MatchesDenseInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	const nParams = 30
	sys, err := NewSystem(randomJacobian(rng, nParams, 150), nParams, 0)
	require.NoError(t, err)

	var want mat.Dense
	require.NoError(t, want.Inverse(denseOf(sys.Normal)))

	inv := sys.SelectedInverse()
	n := sys.Normal
	for j := 0; j < n.Cols; j++ {
		for p := n.ColPtr[j]; p < n.ColPtr[j+1]; p++ {
			i := n.RowIdx[p]
			v, ok := inv.At(i, j)
			require.True(t, ok, "entry (%d,%d) of the matrix must be in the inverse pattern", i, j)
			assert.InDelta(t, want.At(i, j), v, 1e-9, "(%d,%d)", i, j)

			vt, _ := inv.At(j, i)
			assert.Equal(t, v, vt, "symmetric lookup (%d,%d)", i, j)
		}
	}
}

func TestSelectedInverse_AfterDowndate(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	const nParams = 12
	tl := randomJacobian(rng, nParams, 60)
	sys, err := NewSystem(tl, nParams, 0)
	require.NoError(t, err)

	// drop one measurement row and compare with the inverse of the reduced matrix
	removed := NewTripletList(3)
	kept := NewTripletList(tl.Len())
	for _, e := range tl.Entries() {
		if e.Col == 0 {
			removed.Add(e.Row, 0, e.Value)
		} else {
			kept.Add(e.Row, e.Col, e.Value)
		}
	}
	require.NoError(t, sys.Downdate(removed))
	fresh, err := NewSystem(kept, nParams, 0)
	require.NoError(t, err)

	var want mat.Dense
	require.NoError(t, want.Inverse(denseOf(fresh.Normal)))
	inv := sys.SelectedInverse()
	for i := 0; i < nParams; i++ {
		v, ok := inv.At(i, i)
		require.True(t, ok)
		assert.InDelta(t, want.At(i, i), v, 1e-9, "diagonal %d", i)
	}
}
