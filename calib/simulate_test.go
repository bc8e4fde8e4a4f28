package calib

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulate_Deterministic(t *testing.T) {
	cfg := DefaultConfig().Simulation
	a, err := Simulate(cfg)
	require.NoError(t, err)
	b, err := Simulate(cfg)
	require.NoError(t, err)

	require.Equal(t, a.Catalog.NumMeasurements(), b.Catalog.NumMeasurements())
	assert.Equal(t, a.TrueOffsets, b.TrueOffsets)
	assert.Equal(t, Point{}, a.TrueOffsets[0])
	assert.Equal(t, 1.0, a.TrueScales[0])
	require.NoError(t, a.Catalog.Validate())

	for _, img := range a.Catalog.Images {
		for _, ms := range img.Stars {
			assert.Equal(t, img.ID, ms.ImageID)
			assert.True(t, ms.Valid)
		}
	}
}

func TestSimulate_InvalidSettings(t *testing.T) {
	_, err := Simulate(SimulationConfig{Images: 2, Stars: 10, FieldSize: 100, ImageSize: 200})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSimulate_PhotometryRecoversScales(t *testing.T) {
	cfg := SimulationConfig{
		Images:      4,
		Stars:       80,
		FieldSize:   1000,
		ImageSize:   800,
		PositionErr: 0.05,
		FluxErr:     0.005,
		MaxOffset:   2,
		MaxScaleDev: 0.1,
		Seed:        17,
	}
	field, err := Simulate(cfg)
	require.NoError(t, err)

	model := NewScaleModel(field.Catalog, 0)
	f := NewPhotometryFit(field.Catalog, model, testOptions())
	report, err := f.Run(context.Background(), f.DefaultPlan())
	require.NoError(t, err)
	assert.NotEmpty(t, report.Steps)

	for id, want := range field.TrueScales {
		got, ok := model.Scale(id)
		require.True(t, ok)
		assert.InDelta(t, want, got, 0.01, "image %d", id)
	}
}

func TestParseFitGroups(t *testing.T) {
	tests := []struct {
		in   string
		want FitGroups
		str  string
	}{
		{"model", FitModel, "model"},
		{"DISTORTIONS positions", FitModel | FitPositions, "model positions"},
		{"fluxes,model", FitModel | FitFluxes, "model fluxes"},
		{"  ", 0, "none"},
	}
	for _, tt := range tests {
		got, err := ParseFitGroups(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.str, got.String())
	}
	_, err := ParseFitGroups("model stars")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, (FitModel | FitPositions).Has(FitModel))
	assert.False(t, FitModel.Has(FitPositions))
}
