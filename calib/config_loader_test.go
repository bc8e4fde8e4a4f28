package calib

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_YAMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
fit:
  scheme: photometry
  model: scale
  nSigma: 4
  stages: [model, fluxes]
  groups: model fluxes
mqtt:
  broker: tcp://localhost:1883
output:
  cacheMaxAge: 2h
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "photometry", cfg.Fit.Scheme)
	assert.Equal(t, 4.0, cfg.Fit.NSigma)
	assert.Equal(t, []string{"model", "fluxes"}, cfg.Fit.Stages)
	assert.Equal(t, 20, cfg.Fit.MaxCycles)
	assert.Equal(t, "jointfit", cfg.MQTT.PublishPrefix)
	assert.Equal(t, 2*time.Hour, cfg.Output.CacheMaxAge)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[fit]
scheme = "astrometry"
model = "poly"
degree = 3
fixedImages = [0, 2]
relTol = 0.01

[simulation]
images = 5
stars = 40
seed = 9
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "poly", cfg.Fit.Model)
	assert.Equal(t, 3, cfg.Fit.Degree)
	assert.Equal(t, []int{0, 2}, cfg.Fit.FixedImages)
	assert.Equal(t, 0.01, cfg.Fit.RelTol)
	assert.Equal(t, 5, cfg.Simulation.Images)
	assert.Equal(t, int64(9), cfg.Simulation.Seed)
	assert.Equal(t, 2048.0, cfg.Simulation.FieldSize)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		isCfg   bool
	}{
		{"bad scheme", "a.yaml", "fit:\n  scheme: spectroscopy\n", true},
		{"model of other scheme", "b.yaml", "fit:\n  scheme: photometry\n  model: affine\n", true},
		{"stage fits positions in photometry", "b2.yaml", "fit:\n  scheme: photometry\n  model: scale\n  groups: model fluxes\n", true},
		{"groups fit fluxes in astrometry", "b3.yaml", "fit:\n  groups: model fluxes\n", true},
		{"unknown group", "c.yaml", "fit:\n  groups: model wobble\n", true},
		{"negative sigma", "d.yaml", "fit:\n  nSigma: -1\n", true},
		{"unknown statistic", "e.yaml", "fit:\n  statistic: median\n", true},
		{"image larger than field", "f.yaml", "simulation:\n  imageSize: 5000\n", true},
		{"unsupported extension", "g.json", "{}", true},
		{"malformed yaml", "h.yaml", "fit: [\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			if tt.isCfg {
				assert.ErrorIs(t, err, ErrConfiguration)
			}
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Fit.Model = "affine"
			cfg.Fit.FixedImages = []int{1}
			cfg.Output.ResidualDB = "residuals.db"
			cfg.Simulation.OutlierCount = 2

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(path, cfg))
			got, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}
}

func TestFitConfig_PlanAndOptions(t *testing.T) {
	fc := DefaultConfig().Fit
	plan := fc.Plan()
	assert.Equal(t, fc.Stages, plan.Stages)
	assert.Equal(t, fc.NSigma, plan.NSigma)

	opts := fc.Options()
	assert.Equal(t, StatisticLeverage, opts.Statistic)
	assert.Equal(t, fc.MaxOutlierCycles, opts.MaxOutlierCycles)
}
