package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{called: make(map[string]bool)}
}

func (m *mockApp) ApplyOptions(opts AppOptions) error { m.opts = opts; return nil }
func (m *mockApp) RunSimulate(context.Context) error  { m.called["RunSimulate"] = true; return nil }
func (m *mockApp) RunFit(context.Context) error       { m.called["RunFit"] = true; return nil }

func execute(t *testing.T, app Runner, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(app, &out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Simulate",
			args:           []string{"simulate", "--seed", "7", "--images", "4", "--stars", "50", "--outliers", "2", "--no-fit"},
			expectedCalled: "RunSimulate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, int64(7), opts.Seed)
				assert.Equal(t, 4, opts.Images)
				assert.Equal(t, 50, opts.Stars)
				assert.Equal(t, 2, opts.Outliers)
				assert.True(t, opts.NoFit)
			},
		},
		{
			name:           "SimulateWritesCatalog",
			args:           []string{"simulate", "--write-catalog", "field.json", "-c", "jointfit.yaml"},
			expectedCalled: "RunSimulate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "field.json", opts.CatalogFile)
				assert.Equal(t, "jointfit.yaml", opts.ConfigFile)
			},
		},
		{
			name:           "Fit",
			args:           []string{"fit", "field.json", "--output-dir", "/tmp/out", "--log-level", "debug", "--log-format", "json"},
			expectedCalled: "RunFit",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "field.json", opts.CatalogFile)
				assert.Equal(t, "/tmp/out", opts.OutputDir)
				assert.Equal(t, "debug", opts.LogLevel)
				assert.Equal(t, "json", opts.LogFormat)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockApp()
			_, err := execute(t, m, tt.args...)
			require.NoError(t, err)
			assert.True(t, m.called[tt.expectedCalled], "expected %s to be called", tt.expectedCalled)
			assert.Len(t, m.called, 1)
			tt.verifyOpts(t, m.opts)
		})
	}
}

func TestRootCmd_FitNeedsCatalog(t *testing.T) {
	m := newMockApp()
	_, err := execute(t, m, "fit")
	assert.Error(t, err)
	assert.Empty(t, m.called)
}

func TestRootCmd_Version(t *testing.T) {
	out, err := execute(t, newMockApp(), "version")
	require.NoError(t, err)
	assert.Equal(t, "jointfit version: dev\n", out)
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, newMockApp(), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "simulate")
	assert.Contains(t, out, "fit")
}
