package calib

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/kwv/jointfit/sparse"
	"github.com/rs/zerolog"
)

// FitOptions holds the tunables of a Fitter
type FitOptions struct {
	Workers            int              // accumulation goroutines, <= 0 means one per CPU
	PositionErrorFloor float64          // added in quadrature to position errors
	PivotTolerance     float64          // relative pivot threshold of the factorization
	Statistic          OutlierStatistic // outlier scoring
	MaxOutlierCycles   int              // outlier rejection rounds per Minimize call
}

// DefaultFitOptions returns sensible defaults
func DefaultFitOptions() FitOptions {
	return FitOptions{
		Workers:            runtime.NumCPU(),
		PositionErrorFloor: 0,
		PivotTolerance:     sparse.DefaultPivotTolerance,
		Statistic:          StatisticLeverage,
		MaxOutlierCycles:   20,
	}
}

// MinimizeStatus tells how a Minimize call ended
type MinimizeStatus int

const (
	// Converged means no measurement is above the outlier cut (or no cut was requested)
	Converged MinimizeStatus = iota
	// OutliersRemaining means the outlier cycle budget ran out
	OutliersRemaining
	// ChiSquareIncreased means the step ended above the chi2 it started from
	ChiSquareIncreased
)

func (s MinimizeStatus) String() string {
	switch s {
	case Converged:
		return "converged"
	case OutliersRemaining:
		return "outliers remaining"
	case ChiSquareIncreased:
		return "chi2 increased"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MinimizeResult summarizes one Minimize call
type MinimizeResult struct {
	Groups          FitGroups           `json:"groups"`
	Status          MinimizeStatus      `json:"status"`
	Cycles          int                 `json:"cycles"`
	OutliersRemoved int                 `json:"outliersRemoved"`
	NParameters     int                 `json:"nParameters"`
	Chi2            Chi2                `json:"chi2"`
	Warning         *ConvergenceWarning `json:"-"`
}

// StepReport is passed to step observers after every Minimize call
type StepReport struct {
	Step            int     `json:"step"`
	Stage           string  `json:"stage"`
	Status          string  `json:"status"`
	NParameters     int     `json:"nParameters"`
	OutliersRemoved int     `json:"outliersRemoved"`
	Chi2            float64 `json:"chi2"`
	NDof            int     `json:"ndof"`
	Chi2PerDof      float64 `json:"chi2PerDof"`
}

// Fitter runs the joint least-squares fit of one catalog and one model
type Fitter struct {
	cat    *Catalog
	scheme scheme
	opts   FitOptions
	log    zerolog.Logger

	index     *ParameterIndex
	lastNTrip int // triplet count of the last full accumulation
	steps     int
	observers []func(StepReport)
}

// NewAstrometryFit creates a fitter of star positions and per-image mappings
func NewAstrometryFit(cat *Catalog, model AstrometryModel, opts FitOptions) *Fitter {
	return newFitter(cat, &astrometryScheme{model: model, floor: opts.PositionErrorFloor}, opts)
}

// NewPhotometryFit creates a fitter of star fluxes and per-image flux factors
func NewPhotometryFit(cat *Catalog, model PhotometryModel, opts FitOptions) *Fitter {
	return newFitter(cat, &photometryScheme{model: model}, opts)
}

func newFitter(cat *Catalog, s scheme, opts FitOptions) *Fitter {
	if opts.PivotTolerance <= 0 {
		opts.PivotTolerance = sparse.DefaultPivotTolerance
	}
	if opts.Statistic == "" {
		opts.Statistic = StatisticLeverage
	}
	return &Fitter{cat: cat, scheme: s, opts: opts, log: zerolog.Nop()}
}

// SetLogger sets the logger used for step progress
func (f *Fitter) SetLogger(l zerolog.Logger) {
	f.log = l.With().Str("scheme", f.scheme.name()).Logger()
}

// OnStep registers an observer called after every Minimize call
func (f *Fitter) OnStep(fn func(StepReport)) {
	f.observers = append(f.observers, fn)
}

// Catalog returns the fitted catalog
func (f *Fitter) Catalog() *Catalog { return f.cat }

// Scheme returns "astrometry" or "photometry"
func (f *Fitter) Scheme() string { return f.scheme.name() }

// Index returns the parameter layout of the last step, nil before any step
func (f *Fitter) Index() *ParameterIndex { return f.index }

func (f *Fitter) workers() int {
	if f.opts.Workers > 0 {
		return f.opts.Workers
	}
	return runtime.NumCPU()
}

func solverError(idx *ParameterIndex, err error) error {
	var se *sparse.SingularError
	if errors.As(err, &se) {
		return &SolverError{Parameter: se.Column, Group: idx.GroupOf(se.Column), Err: se}
	}
	return &SolverError{Parameter: -1, Err: err}
}

// applyUpdate offsets every free parameter by delta. The whole vector is
// checked before anything is written.
func (f *Fitter) applyUpdate(idx *ParameterIndex, delta []float64) error {
	if len(delta) != idx.Total {
		return &SolverError{Parameter: -1, Err: fmt.Errorf("update has %d entries, want %d", len(delta), idx.Total)}
	}
	for i, v := range delta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &SolverError{Parameter: i, Group: idx.GroupOf(i), Err: errors.New("non-finite update")}
		}
	}
	f.scheme.offsetModel(delta)
	w := idx.starWidth
	for _, fs := range f.cat.FittedStars {
		if first, ok := idx.StarIndex(fs.ID); ok {
			f.scheme.offsetStar(fs, delta[first:first+w])
		}
	}
	return nil
}

// step assigns indices, accumulates every valid measurement and factors the
// normal matrix
func (f *Fitter) step(ctx context.Context, groups FitGroups) (*ParameterIndex, *sparse.System, []float64, error) {
	idx, err := f.assignIndices(groups)
	if err != nil {
		return nil, nil, nil, err
	}
	terms, err := f.accumulate(ctx, idx, f.validLists())
	if err != nil {
		return nil, nil, nil, err
	}
	if n := terms.jacobian.Len(); n != f.lastNTrip {
		f.log.Debug().Int("triplets", n).Int("previous", f.lastNTrip).Msg("triplet count changed")
		f.lastNTrip = n
	}
	sys, err := sparse.NewSystem(terms.jacobian, idx.Total, f.opts.PivotTolerance)
	if err != nil {
		return nil, nil, nil, solverError(idx, err)
	}
	return idx, sys, terms.rhs, nil
}

// Minimize does one Gauss-Newton step on the groups named by whatToFit and,
// when nSigCut > 0, rejects outliers and refits until none is above the cut.
// After a rejection only the outliers are re-evaluated: their contribution is
// removed from the normal matrix, which is refactored, and the step solves
// with the opposite of their gradient. Measurements rejected by this call are
// scored again after every step and put back when under the cut, which
// requires a full step.
func (f *Fitter) Minimize(ctx context.Context, whatToFit string, nSigCut float64) (MinimizeResult, error) {
	groups, err := ParseFitGroups(whatToFit)
	if err != nil {
		return MinimizeResult{}, err
	}
	if err := f.cat.Validate(); err != nil {
		return MinimizeResult{}, err
	}

	before, err := f.ComputeChi2(ctx)
	if err != nil {
		return MinimizeResult{}, err
	}
	idx, sys, grad, err := f.step(ctx, groups)
	if err != nil {
		return MinimizeResult{}, err
	}
	res := MinimizeResult{Groups: groups, NParameters: idx.Total}
	var masked []*MeasuredStar // rejected by this call

	for {
		delta := sys.Solve(grad)
		if err := f.applyUpdate(idx, delta); err != nil {
			return res, err
		}
		if nSigCut <= 0 {
			break
		}
		sc := f.newScorer(sys)

		back, err := f.findReinstated(ctx, idx, sc, masked, nSigCut)
		if err != nil {
			return res, err
		}
		if len(back) > 0 {
			if res.Cycles >= f.opts.MaxOutlierCycles {
				res.Status = OutliersRemaining
				res.Warning = &ConvergenceWarning{Cycles: res.Cycles, Remaining: len(back)}
				break
			}
			res.Cycles++
			masked = unmaskAll(f.cat, masked, back)
			res.OutliersRemoved -= len(back)
			f.log.Debug().Int("cycle", res.Cycles).Int("reinstated", len(back)).Msg("measurements reinstated")

			// restored rows cannot be downdated back in: rebuild the step
			idx, sys, grad, err = f.step(ctx, groups)
			if err != nil {
				return res, err
			}
			res.NParameters = idx.Total
			continue
		}

		outliers, above, err := f.findOutliers(ctx, idx, sc, nSigCut)
		if err != nil {
			return res, err
		}
		if len(outliers) == 0 {
			break
		}
		if res.Cycles >= f.opts.MaxOutlierCycles {
			res.Status = OutliersRemaining
			res.Warning = &ConvergenceWarning{Cycles: res.Cycles, Remaining: above}
			break
		}
		res.Cycles++

		sub, err := f.accumulate(ctx, idx, f.groupByImage(outliers))
		if err != nil {
			return res, err
		}
		lostSupport := false
		masked = append(masked, outliers...)
		for _, ms := range outliers {
			f.cat.Mask(ms)
			if _, free := idx.StarIndex(ms.FittedStar); free && f.cat.FittedStars[ms.FittedStar].MeasurementCount == 0 {
				lostSupport = true
			}
		}
		res.OutliersRemoved += len(outliers)
		f.log.Debug().Int("cycle", res.Cycles).Int("rejected", len(outliers)).Int("above", above).Msg("outliers rejected")

		if lostSupport {
			// a fitted star lost its last measurement: its parameters must leave the layout
			idx, sys, grad, err = f.step(ctx, groups)
			if err != nil {
				return res, err
			}
			res.NParameters = idx.Total
			continue
		}
		if err := sys.Downdate(sub.jacobian); err != nil {
			return res, solverError(idx, err)
		}
		for i := range sub.rhs {
			sub.rhs[i] = -sub.rhs[i]
		}
		grad = sub.rhs
	}

	chi2, err := f.ComputeChi2(ctx)
	if err != nil {
		return res, err
	}
	res.Chi2 = chi2
	if res.Warning != nil {
		res.Warning.Chi2 = chi2
	}
	if res.Status == Converged && chi2.Value > before.Value*(1+1e-9)+1e-12 {
		res.Status = ChiSquareIncreased
		f.log.Warn().Float64("before", before.Value).Float64("after", chi2.Value).Msg("chi2 increased")
	}

	f.steps++
	f.log.Info().
		Int("step", f.steps).
		Str("groups", groups.String()).
		Int("params", idx.Total).
		Int("outliers", res.OutliersRemoved).
		Int("valid", f.cat.NumValid()).
		Float64("chi2", chi2.Value).
		Int("ndof", chi2.NDof).
		Msg("fit step done")
	f.notify(StepReport{
		Step:            f.steps,
		Stage:           groups.String(),
		Status:          res.Status.String(),
		NParameters:     idx.Total,
		OutliersRemoved: res.OutliersRemoved,
		Chi2:            chi2.Value,
		NDof:            chi2.NDof,
		Chi2PerDof:      chi2.PerDof(),
	})
	return res, nil
}

// unmaskAll restores back and returns masked without it
func unmaskAll(cat *Catalog, masked, back []*MeasuredStar) []*MeasuredStar {
	restored := make(map[*MeasuredStar]bool, len(back))
	for _, ms := range back {
		cat.Unmask(ms)
		restored[ms] = true
	}
	kept := masked[:0]
	for _, ms := range masked {
		if !restored[ms] {
			kept = append(kept, ms)
		}
	}
	return kept
}

func (f *Fitter) notify(r StepReport) {
	for _, fn := range f.observers {
		fn(r)
	}
}

// Plan is the calibration policy of Run
type Plan struct {
	Stages    []string `yaml:"stages" toml:"stages" json:"stages"`          // initial steps without outlier rejection
	Groups    string   `yaml:"groups" toml:"groups" json:"groups"`          // groups of the outlier cycles
	NSigma    float64  `yaml:"nSigma" toml:"nSigma" json:"nSigma"`          // outlier cut, 0 disables rejection
	MaxCycles int      `yaml:"maxCycles" toml:"maxCycles" json:"maxCycles"` // outlier cycle budget
	RelTol    float64  `yaml:"relTol" toml:"relTol" json:"relTol"`          // chi2/dof relative change to stop
}

// DefaultPlan returns the staged plan of the fitter's scheme: model alone,
// stars alone, then both with 5 sigma outlier rejection
func (f *Fitter) DefaultPlan() Plan {
	stars := "positions"
	if f.scheme.starGroup() == FitFluxes {
		stars = "fluxes"
	}
	return Plan{
		Stages:    []string{"model", stars, "model " + stars},
		Groups:    "model " + stars,
		NSigma:    5,
		MaxCycles: 20,
		RelTol:    1e-3,
	}
}

// Report is the outcome of Run
type Report struct {
	Steps           []StepReport `json:"steps"`
	Final           Chi2         `json:"final"`
	OutliersRemoved int          `json:"outliersRemoved"`
	Converged       bool         `json:"converged"`
	// Warning is a *ConvergenceWarning when the budget ran out; the
	// solution is still usable.
	Warning error `json:"-"`
}

// Run chains fit steps: every stage once, then outlier cycles until chi2/dof
// changes by less than RelTol with no rejection, or MaxCycles is reached.
func (f *Fitter) Run(ctx context.Context, plan Plan) (*Report, error) {
	if plan.MaxCycles <= 0 {
		return nil, fmt.Errorf("%w: maxCycles must be positive, got %d", ErrConfiguration, plan.MaxCycles)
	}
	if plan.RelTol < 0 || plan.NSigma < 0 {
		return nil, fmt.Errorf("%w: relTol and nSigma must not be negative", ErrConfiguration)
	}

	report := &Report{}
	record := func(res MinimizeResult, stage string) {
		report.Steps = append(report.Steps, StepReport{
			Step:            len(report.Steps) + 1,
			Stage:           stage,
			Status:          res.Status.String(),
			NParameters:     res.NParameters,
			OutliersRemoved: res.OutliersRemoved,
			Chi2:            res.Chi2.Value,
			NDof:            res.Chi2.NDof,
			Chi2PerDof:      res.Chi2.PerDof(),
		})
		report.OutliersRemoved += res.OutliersRemoved
		report.Final = res.Chi2
	}

	for _, stage := range plan.Stages {
		res, err := f.Minimize(ctx, stage, 0)
		if err != nil {
			return report, fmt.Errorf("stage %q: %w", stage, err)
		}
		record(res, stage)
	}

	prev := report.Final.PerDof()
	if len(plan.Stages) == 0 {
		prev = math.NaN()
	}
	var last MinimizeResult
	for cycle := 0; cycle < plan.MaxCycles; cycle++ {
		res, err := f.Minimize(ctx, plan.Groups, plan.NSigma)
		if err != nil {
			return report, fmt.Errorf("cycle %d: %w", cycle+1, err)
		}
		record(res, plan.Groups)
		last = res

		cur := res.Chi2.PerDof()
		rel := math.Abs(prev-cur) / math.Max(math.Abs(cur), math.SmallestNonzeroFloat64)
		if res.Status != OutliersRemaining && res.OutliersRemoved == 0 && rel <= plan.RelTol {
			report.Converged = true
			break
		}
		prev = cur
	}

	if !report.Converged {
		w := last.Warning
		if w == nil {
			w = &ConvergenceWarning{Cycles: plan.MaxCycles, Remaining: last.OutliersRemoved, Chi2: last.Chi2}
		}
		report.Warning = w
		f.log.Warn().Err(w).Msg("fit did not stabilize")
	}
	return report, nil
}
