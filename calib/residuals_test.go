package calib

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fittedField(t *testing.T) (*testField, *TranslationModel, *Fitter) {
	t.Helper()
	field := newTestField(t, 3, 8, 0.1, 12)
	model := NewTranslationModel(field.cat, 0)
	f := NewAstrometryFit(field.cat, model, testOptions())
	_, err := f.Minimize(context.Background(), "model positions", 0)
	require.NoError(t, err)
	return field, model, f
}

func TestResiduals_CoverAllMeasurements(t *testing.T) {
	field, _, f := fittedField(t)
	masked := field.cat.Images[1].Stars[2]
	field.cat.Mask(masked)

	rows, err := f.Residuals(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, field.cat.NumMeasurements())

	chi2, err := f.ComputeChi2(context.Background())
	require.NoError(t, err)
	sum := 0.0
	for i, r := range rows {
		assert.Equal(t, i, r.MeasuredID, "rows follow catalog order")
		assert.Equal(t, r.MeasuredID != masked.ID, r.Valid)
		if r.Valid {
			sum += r.Chi2
		}
		assert.InDelta(t, r.DX*r.DX+r.DY*r.DY, r.Magnitude*r.Magnitude, 1e-12)
	}
	assert.InDelta(t, chi2.Value, sum, 1e-9)
}

func TestWriteResidualTuple(t *testing.T) {
	_, _, f := fittedField(t)
	rows, err := f.Residuals(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteResidualTuple(&buf, rows))

	sc := bufio.NewScanner(&buf)
	var header, data []string
	inHeader := true
	for sc.Scan() {
		line := sc.Text()
		if inHeader {
			if line == "#end" {
				inHeader = false
				continue
			}
			require.True(t, strings.HasPrefix(line, "#"), line)
			header = append(header, line)
			continue
		}
		data = append(data, line)
	}
	assert.Len(t, header, len(tupleColumns))
	assert.Equal(t, "#image : image id", header[0])
	require.Len(t, data, len(rows))
	for _, line := range data {
		assert.Len(t, strings.Split(line, "\t"), len(tupleColumns))
	}
}

func TestResidualStore_SaveAndLoad(t *testing.T) {
	field, _, f := fittedField(t)
	field.cat.Mask(field.cat.Images[2].Stars[0])
	rows, err := f.Residuals(context.Background())
	require.NoError(t, err)
	chi2, err := f.ComputeChi2(context.Background())
	require.NoError(t, err)

	store, err := OpenResidualStore(filepath.Join(t.TempDir(), "residuals.db"))
	require.NoError(t, err)
	defer store.Close()

	latest, err := store.LatestRun()
	require.NoError(t, err)
	assert.Nil(t, latest)

	id, err := store.SaveRun(f.Scheme(), chi2, 1, rows)
	require.NoError(t, err)

	latest, err = store.LatestRun()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id, latest.ID)
	assert.Equal(t, "astrometry", latest.Scheme)
	assert.Equal(t, chi2.NDof, latest.NDof)
	assert.Equal(t, 1, latest.Outliers)
	assert.InDelta(t, chi2.Value, latest.Chi2, 1e-12)

	got, err := store.LoadResiduals(id)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestResidualRenderer_SVG(t *testing.T) {
	field, model, f := fittedField(t)
	field.cat.Mask(field.cat.Images[0].Stars[1])
	rows, err := f.Residuals(context.Background())
	require.NoError(t, err)

	r := NewResidualRenderer(field.cat, model, rows)
	b := r.Bounds()
	for _, fs := range field.cat.FittedStars {
		assert.True(t, b.Min[0] <= fs.X && fs.X <= b.Max[0])
		assert.True(t, b.Min[1] <= fs.Y && fs.Y <= b.Max[1])
	}

	var buf bytes.Buffer
	require.NoError(t, r.RenderToSVG(&buf))
	svg := buf.String()
	assert.Contains(t, svg, "<svg")
	assert.Contains(t, svg, "</svg>")
	assert.Contains(t, svg, "<path")

	empty := NewResidualRenderer(NewCatalog(), nil, nil)
	assert.Error(t, empty.RenderToSVG(&buf))
}

func TestSolutionCache_RoundTrip(t *testing.T) {
	field, model, f := fittedField(t)
	chi2, err := f.ComputeChi2(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cache", "solution.json")
	missing, err := LoadSolution(path)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.True(t, missing.NeedsRefit(time.Hour))

	sol := Snapshot(f, model, chi2)
	require.NoError(t, SaveSolution(path, sol))
	loaded, err := LoadSolution(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.False(t, loaded.NeedsRefit(time.Hour))
	assert.Equal(t, sol.Images, loaded.Images)

	// a fresh model and perturbed stars are restored from the cache
	fresh := NewTranslationModel(field.cat, 0)
	perturbStars(field.cat, 3, 3)
	require.NoError(t, loaded.Apply(field.cat, fresh))
	for _, id := range model.ImageIDs() {
		want, _ := model.Translation(id)
		got, _ := fresh.Translation(id)
		assert.Equal(t, want, got)
	}
	for i, fs := range field.cat.FittedStars {
		assert.Equal(t, sol.FittedStars[i].X, fs.X)
	}

	other := newTestField(t, 1, 2, 0, 1)
	assert.ErrorIs(t, loaded.Apply(other.cat, fresh), ErrData)

	loaded.LastUpdated = time.Now().Add(-2 * time.Hour).Unix()
	assert.True(t, loaded.NeedsRefit(time.Hour))
}

func TestSolution_ApplyMismatchWritesNothing(t *testing.T) {
	field, model, f := fittedField(t)
	chi2, err := f.ComputeChi2(context.Background())
	require.NoError(t, err)
	sol := Snapshot(f, model, chi2)

	// image 1 is valid and comes before the broken image 2
	sol.Images[1] = []float64{42, 42}
	sol.Images[2] = []float64{1, 2, 3}
	for i := range sol.FittedStars {
		sol.FittedStars[i].X += 10
	}

	fresh := NewTranslationModel(field.cat, 0)
	wantStars := make([]float64, len(field.cat.FittedStars))
	for i, fs := range field.cat.FittedStars {
		wantStars[i] = fs.X
	}

	assert.ErrorIs(t, sol.Apply(field.cat, fresh), ErrData)
	for _, id := range fresh.ImageIDs() {
		got, _ := fresh.Translation(id)
		assert.Equal(t, Point{}, got, "image %d", id)
	}
	for i, fs := range field.cat.FittedStars {
		assert.Equal(t, wantStars[i], fs.X, "fitted star %d", i)
	}
}
