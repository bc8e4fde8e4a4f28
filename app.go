package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/jointfit/calib"
	"github.com/rs/zerolog"
)

// AppOptions are the command line settings shared by all commands
type AppOptions struct {
	ConfigFile  string
	CatalogFile string // fit: catalog to read; simulate: catalog to write
	OutputDir   string
	LogLevel    string
	LogFormat   string
	Seed        int64
	Images      int
	Stars       int
	Outliers    int
	NoFit       bool
}

// Runner is what the commands need from the application
type Runner interface {
	ApplyOptions(opts AppOptions) error
	RunSimulate(ctx context.Context) error
	RunFit(ctx context.Context) error
}

// App encapsulates the application state and dependencies
type App struct {
	Config *calib.Config
	Log    zerolog.Logger
	Out    io.Writer

	opts AppOptions
}

// NewApp creates a new App writing its summary to out
func NewApp(out io.Writer) *App {
	return &App{Config: calib.DefaultConfig(), Log: zerolog.Nop(), Out: out}
}

// ApplyOptions loads the configuration and applies command line overrides
func (a *App) ApplyOptions(opts AppOptions) error {
	a.opts = opts
	cfg := calib.DefaultConfig()
	if opts.ConfigFile != "" {
		loaded, err := calib.LoadConfig(opts.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.Seed != 0 {
		cfg.Simulation.Seed = opts.Seed
	}
	if opts.Images > 0 {
		cfg.Simulation.Images = opts.Images
	}
	if opts.Stars > 0 {
		cfg.Simulation.Stars = opts.Stars
	}
	if opts.Outliers > 0 {
		cfg.Simulation.OutlierCount = opts.Outliers
		if cfg.Simulation.OutlierSigma == 0 {
			cfg.Simulation.OutlierSigma = 20
		}
	}
	if opts.OutputDir != "" {
		o := &cfg.Output
		for _, p := range []*string{&o.ResidualTuple, &o.ResidualDB, &o.ResidualSVG, &o.SolutionCache} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(opts.OutputDir, *p)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Log = log
	return nil
}

// newLogger builds a console or JSON logger at the configured level
func newLogger(cfg calib.LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("%w: logging.level: %v", calib.ErrConfiguration, err)
		}
		level = l
	}
	if cfg.Format == "json" {
		return zerolog.New(w).Level(level).With().Timestamp().Str("app", "jointfit").Logger(), nil
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "jointfit").Logger(), nil
}

// RunSimulate draws a synthetic field, optionally writes it, and fits it
func (a *App) RunSimulate(ctx context.Context) error {
	field, err := calib.Simulate(a.Config.Simulation)
	if err != nil {
		return err
	}
	cat := field.Catalog
	a.Log.Info().
		Int("images", len(cat.Images)).
		Int("stars", len(cat.FittedStars)).
		Int("measurements", cat.NumMeasurements()).
		Int("outliers", len(field.Outliers)).
		Msg("field simulated")

	if a.opts.CatalogFile != "" {
		if err := writeCatalog(a.opts.CatalogFile, cat); err != nil {
			return err
		}
	}
	if a.opts.NoFit {
		return nil
	}
	return a.fit(ctx, cat)
}

// RunFit fits the catalog file with the configured model and plan
func (a *App) RunFit(ctx context.Context) error {
	if a.opts.CatalogFile == "" {
		return fmt.Errorf("%w: a catalog file is required", calib.ErrConfiguration)
	}
	cat, err := readCatalog(a.opts.CatalogFile)
	if err != nil {
		return err
	}
	return a.fit(ctx, cat)
}

// model holds the model of one fit under the interfaces each consumer needs
type model struct {
	store calib.ParameterStore
	astro calib.AstrometryModel // nil for photometry
}

func (a *App) newFitter(cat *calib.Catalog) (*calib.Fitter, model, error) {
	fc := a.Config.Fit
	opts := fc.Options()
	switch fc.Scheme {
	case "photometry":
		m := calib.NewScaleModel(cat, fc.FixedImages...)
		return calib.NewPhotometryFit(cat, m, opts), model{store: m}, nil
	case "astrometry":
		var m interface {
			calib.AstrometryModel
			calib.ParameterStore
		}
		switch fc.Model {
		case "translation":
			m = calib.NewTranslationModel(cat, fc.FixedImages...)
		case "affine":
			m = calib.NewAffineModel(cat, fc.FixedImages...)
		case "poly":
			m = calib.NewPolyModel(cat, fc.Degree, fc.FixedImages...)
		default:
			return nil, model{}, fmt.Errorf("%w: unknown astrometry model %q", calib.ErrConfiguration, fc.Model)
		}
		return calib.NewAstrometryFit(cat, m, opts), model{store: m, astro: m}, nil
	}
	return nil, model{}, fmt.Errorf("%w: unknown scheme %q", calib.ErrConfiguration, fc.Scheme)
}

func (a *App) fit(ctx context.Context, cat *calib.Catalog) error {
	f, m, err := a.newFitter(cat)
	if err != nil {
		return err
	}
	f.SetLogger(a.Log)

	client, err := calib.ConnectMQTT(a.Config.MQTT, a.Log)
	if err != nil {
		a.Log.Warn().Err(err).Msg("progress will not be published")
	}
	pub := calib.NewPublisher(client, calib.ResolveMQTT(a.Config.MQTT).PublishPrefix)
	pub.SetLogger(a.Log)
	f.OnStep(pub.Observe)
	if client != nil {
		defer client.Disconnect(250)
	}

	out := a.Config.Output
	if out.SolutionCache != "" {
		sol, err := calib.LoadSolution(out.SolutionCache)
		if err != nil {
			return err
		}
		if !sol.NeedsRefit(out.CacheMaxAge) && sol.Scheme == f.Scheme() {
			if err := sol.Apply(cat, m.store); err != nil {
				a.Log.Warn().Err(err).Msg("cached solution does not match the catalog")
			} else {
				a.Log.Info().Str("path", out.SolutionCache).Msg("starting from cached solution")
			}
		}
	}

	report, err := f.Run(ctx, a.Config.Fit.Plan())
	if err != nil {
		return err
	}
	var warn *calib.ConvergenceWarning
	if errors.As(report.Warning, &warn) {
		a.Log.Warn().Int("remaining", warn.Remaining).Msg("solution returned with a convergence warning")
	}
	if err := pub.PublishResult(report); err != nil {
		a.Log.Warn().Err(err).Msg("result not published")
	}

	if err := a.writeOutputs(ctx, f, m, report); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "%s fit: %d steps, %d outliers removed, %s\n",
		f.Scheme(), len(report.Steps), report.OutliersRemoved, report.Final)
	for _, id := range m.store.ImageIDs() {
		p, _ := m.store.Parameters(id)
		fmt.Fprintf(a.Out, "  image %d: %v\n", id, formatParams(p))
	}
	return nil
}

func formatParams(p []float64) string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (a *App) writeOutputs(ctx context.Context, f *calib.Fitter, m model, report *calib.Report) error {
	out := a.Config.Output
	var rows []calib.Residual
	if out.ResidualTuple != "" || out.ResidualDB != "" || out.ResidualSVG != "" {
		var err error
		if rows, err = f.Residuals(ctx); err != nil {
			return err
		}
	}

	if out.ResidualTuple != "" {
		if err := writeFile(out.ResidualTuple, func(w io.Writer) error {
			return calib.WriteResidualTuple(w, rows)
		}); err != nil {
			return err
		}
		a.Log.Info().Str("path", out.ResidualTuple).Msg("residual tuple written")
	}

	if out.ResidualDB != "" {
		store, err := calib.OpenResidualStore(out.ResidualDB)
		if err != nil {
			return fmt.Errorf("opening residual store: %w", err)
		}
		id, err := store.SaveRun(f.Scheme(), report.Final, report.OutliersRemoved, rows)
		store.Close()
		if err != nil {
			return err
		}
		a.Log.Info().Int64("run", id).Str("path", out.ResidualDB).Msg("residuals stored")
	}

	if out.ResidualSVG != "" && m.astro == nil {
		a.Log.Info().Msg("residual map skipped: photometry has no position residuals")
	} else if out.ResidualSVG != "" {
		r := calib.NewResidualRenderer(f.Catalog(), m.astro, rows)
		if out.ArrowScale > 0 {
			r.ArrowScale = out.ArrowScale
		}
		if err := writeFile(out.ResidualSVG, r.RenderToSVG); err != nil {
			return err
		}
		a.Log.Info().Str("path", out.ResidualSVG).Msg("residual map written")
	}

	if out.SolutionCache != "" {
		if err := calib.SaveSolution(out.SolutionCache, calib.Snapshot(f, m.store, report.Final)); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeCatalog(path string, cat *calib.Catalog) error {
	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cat); err != nil {
			return fmt.Errorf("encoding catalog: %w", err)
		}
		return nil
	})
}

func readCatalog(path string) (*calib.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var cat calib.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}
