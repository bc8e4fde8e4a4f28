package calib

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the complete jointfit configuration
type Config struct {
	Fit        FitConfig        `yaml:"fit" toml:"fit" json:"fit"`
	MQTT       MQTTConfig       `yaml:"mqtt" toml:"mqtt" json:"mqtt"`
	Output     OutputConfig     `yaml:"output" toml:"output" json:"output"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" json:"logging"`
	Simulation SimulationConfig `yaml:"simulation" toml:"simulation" json:"simulation"`
}

// FitConfig holds the fit driver settings
type FitConfig struct {
	Scheme             string   `yaml:"scheme" toml:"scheme" json:"scheme"` // astrometry or photometry
	Model              string   `yaml:"model" toml:"model" json:"model"`    // translation, affine, poly or scale
	Degree             int      `yaml:"degree,omitempty" toml:"degree,omitempty" json:"degree,omitempty"`
	FixedImages        []int    `yaml:"fixedImages,omitempty" toml:"fixedImages,omitempty" json:"fixedImages,omitempty"`
	Stages             []string `yaml:"stages" toml:"stages" json:"stages"`
	Groups             string   `yaml:"groups" toml:"groups" json:"groups"`
	NSigma             float64  `yaml:"nSigma" toml:"nSigma" json:"nSigma"`
	MaxCycles          int      `yaml:"maxCycles" toml:"maxCycles" json:"maxCycles"`
	MaxOutlierCycles   int      `yaml:"maxOutlierCycles" toml:"maxOutlierCycles" json:"maxOutlierCycles"`
	RelTol             float64  `yaml:"relTol" toml:"relTol" json:"relTol"`
	Workers            int      `yaml:"workers,omitempty" toml:"workers,omitempty" json:"workers,omitempty"`
	PositionErrorFloor float64  `yaml:"positionErrorFloor" toml:"positionErrorFloor" json:"positionErrorFloor"`
	PivotTolerance     float64  `yaml:"pivotTolerance" toml:"pivotTolerance" json:"pivotTolerance"`
	Statistic          string   `yaml:"statistic" toml:"statistic" json:"statistic"`
}

// MQTTConfig holds MQTT connection settings for progress publishing
type MQTTConfig struct {
	Broker        string `yaml:"broker" toml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" toml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" toml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" toml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" toml:"password,omitempty" json:"password,omitempty"`
}

// OutputConfig lists where fit products are written; empty paths are skipped
type OutputConfig struct {
	ResidualTuple string        `yaml:"residualTuple,omitempty" toml:"residualTuple,omitempty" json:"residualTuple,omitempty"`
	ResidualDB    string        `yaml:"residualDb,omitempty" toml:"residualDb,omitempty" json:"residualDb,omitempty"`
	ResidualSVG   string        `yaml:"residualSvg,omitempty" toml:"residualSvg,omitempty" json:"residualSvg,omitempty"`
	ArrowScale    float64       `yaml:"arrowScale,omitempty" toml:"arrowScale,omitempty" json:"arrowScale,omitempty"` // residual magnification in the SVG
	SolutionCache string        `yaml:"solutionCache,omitempty" toml:"solutionCache,omitempty" json:"solutionCache,omitempty"`
	CacheMaxAge   time.Duration `yaml:"cacheMaxAge,omitempty" toml:"cacheMaxAge,omitempty" json:"cacheMaxAge,omitempty"`
}

// LoggingConfig selects the log level and format (console or json)
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// SimulationConfig describes the synthetic field of the simulate command
type SimulationConfig struct {
	Images       int     `yaml:"images" toml:"images" json:"images"`
	Stars        int     `yaml:"stars" toml:"stars" json:"stars"`
	FieldSize    float64 `yaml:"fieldSize" toml:"fieldSize" json:"fieldSize"`       // pixels per side of the whole field
	ImageSize    float64 `yaml:"imageSize" toml:"imageSize" json:"imageSize"`       // pixels per side of one image
	PositionErr  float64 `yaml:"positionErr" toml:"positionErr" json:"positionErr"` // pixel sigma
	FluxErr      float64 `yaml:"fluxErr" toml:"fluxErr" json:"fluxErr"`             // relative flux sigma
	MaxOffset    float64 `yaml:"maxOffset" toml:"maxOffset" json:"maxOffset"`       // true translation range
	MaxScaleDev  float64 `yaml:"maxScaleDev" toml:"maxScaleDev" json:"maxScaleDev"` // true flux scale range around 1
	OutlierCount int     `yaml:"outlierCount" toml:"outlierCount" json:"outlierCount"`
	OutlierSigma float64 `yaml:"outlierSigma" toml:"outlierSigma" json:"outlierSigma"`
	Seed         int64   `yaml:"seed" toml:"seed" json:"seed"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Fit: FitConfig{
			Scheme:           "astrometry",
			Model:            "translation",
			Degree:           2,
			FixedImages:      []int{0},
			Stages:           []string{"model", "positions", "model positions"},
			Groups:           "model positions",
			NSigma:           5,
			MaxCycles:        20,
			MaxOutlierCycles: 20,
			RelTol:           1e-3,
			Workers:          runtime.NumCPU(),
			PivotTolerance:   1e-10,
			Statistic:        string(StatisticLeverage),
		},
		MQTT: MQTTConfig{
			PublishPrefix: "jointfit",
			ClientID:      "jointfit",
		},
		Output: OutputConfig{
			ArrowScale:  100,
			CacheMaxAge: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Simulation: SimulationConfig{
			Images:      3,
			Stars:       100,
			FieldSize:   2048,
			ImageSize:   1536,
			PositionErr: 0.1,
			FluxErr:     0.01,
			MaxOffset:   5,
			MaxScaleDev: 0.05,
			Seed:        1,
		},
	}
}

// schemeGroups lists the parameter groups each scheme can fit
var schemeGroups = map[string]FitGroups{
	"astrometry": (&astrometryScheme{}).allowed(),
	"photometry": (&photometryScheme{}).allowed(),
}

// Validate checks ranges and names
func (c *Config) Validate() error {
	f := c.Fit
	switch f.Scheme {
	case "astrometry":
		switch f.Model {
		case "translation", "affine", "poly":
		default:
			return fmt.Errorf("%w: fit.model %q is not an astrometry model", ErrConfiguration, f.Model)
		}
	case "photometry":
		if f.Model != "scale" {
			return fmt.Errorf("%w: fit.model %q is not a photometry model", ErrConfiguration, f.Model)
		}
	default:
		return fmt.Errorf("%w: fit.scheme must be astrometry or photometry, got %q", ErrConfiguration, f.Scheme)
	}
	if f.Model == "poly" && f.Degree < 1 {
		return fmt.Errorf("%w: fit.degree must be at least 1", ErrConfiguration)
	}
	for _, s := range append(append([]string(nil), f.Stages...), f.Groups) {
		g, err := ParseFitGroups(s)
		if err != nil {
			return err
		}
		if extra := g &^ schemeGroups[f.Scheme]; extra != 0 {
			return fmt.Errorf("%w: a %s fit has no %s parameters (in %q)", ErrConfiguration, f.Scheme, extra, s)
		}
	}
	if f.NSigma < 0 {
		return fmt.Errorf("%w: fit.nSigma must not be negative", ErrConfiguration)
	}
	if f.MaxCycles <= 0 || f.MaxOutlierCycles <= 0 {
		return fmt.Errorf("%w: fit.maxCycles and fit.maxOutlierCycles must be positive", ErrConfiguration)
	}
	if f.RelTol < 0 || f.PositionErrorFloor < 0 || f.PivotTolerance < 0 {
		return fmt.Errorf("%w: fit.relTol, fit.positionErrorFloor and fit.pivotTolerance must not be negative", ErrConfiguration)
	}
	switch OutlierStatistic(f.Statistic) {
	case StatisticLeverage, StatisticResidual:
	default:
		return fmt.Errorf("%w: fit.statistic %q is unknown", ErrConfiguration, f.Statistic)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: logging.format must be console or json", ErrConfiguration)
	}
	s := c.Simulation
	if s.Images < 1 || s.Stars < 1 || s.FieldSize <= 0 || s.ImageSize <= 0 || s.ImageSize > s.FieldSize {
		return fmt.Errorf("%w: simulation needs images, stars and an image size within the field", ErrConfiguration)
	}
	return nil
}

// Plan returns the driver plan of the fit section
func (f FitConfig) Plan() Plan {
	return Plan{
		Stages:    f.Stages,
		Groups:    f.Groups,
		NSigma:    f.NSigma,
		MaxCycles: f.MaxCycles,
		RelTol:    f.RelTol,
	}
}

// Options returns the fitter options of the fit section
func (f FitConfig) Options() FitOptions {
	return FitOptions{
		Workers:            f.Workers,
		PositionErrorFloor: f.PositionErrorFloor,
		PivotTolerance:     f.PivotTolerance,
		Statistic:          OutlierStatistic(f.Statistic),
		MaxOutlierCycles:   f.MaxOutlierCycles,
	}
}
