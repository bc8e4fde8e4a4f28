package calib

import (
	"context"
	"fmt"
	"sort"

	"github.com/kwv/jointfit/sparse"
	"gonum.org/v1/gonum/mat"
)

// OutlierStatistic selects how a measurement's chi2 contribution is scored
type OutlierStatistic string

const (
	// StatisticLeverage divides out the part of the residual absorbed by the
	// fit: zᵀ (I - H)⁻¹ z with H the measurement's block of the hat matrix.
	StatisticLeverage OutlierStatistic = "leverage"
	// StatisticResidual uses the plain whitened residual zᵀ z.
	StatisticResidual OutlierStatistic = "residual"
)

// maxLeverageCond bounds the condition number of I - H. Above it the
// measurement alone determines some parameter and cannot be tested.
const maxLeverageCond = 1e10

type outlierCandidate struct {
	star         *MeasuredStar
	contribution float64
	indices      []int
}

// Contribution is the outlier score of one measured star
type Contribution struct {
	Star  *MeasuredStar
	Value float64
}

// scorer scores terms against one factorization. inv is nil for the residual
// statistic.
type scorer struct {
	inv *sparse.Inverse
}

func (f *Fitter) newScorer(sys *sparse.System) scorer {
	if sys == nil || f.opts.Statistic == StatisticResidual {
		return scorer{}
	}
	return scorer{inv: sys.SelectedInverse()}
}

// leverageWork is the per-worker scratch of the leverage statistic
type leverageWork struct {
	g    []float64
	c    *mat.SymDense
	chol mat.Cholesky
	z, x *mat.VecDense
}

func newLeverageWork(dim int) *leverageWork {
	return &leverageWork{
		c: mat.NewSymDense(dim, nil),
		z: mat.NewVecDense(dim, nil),
		x: mat.NewVecDense(dim, nil),
	}
}

// contribution computes zᵀ (I - H)⁻¹ z for a measurement in the fit, and
// zᵀ (I + H)⁻¹ z for an excluded one, with H = A N⁻¹ Aᵀ. Only the block of
// N⁻¹ on the term's own parameters is read.
func (w *leverageWork) contribution(t *term, inv *sparse.Inverse, excluded bool) float64 {
	m := len(t.indices)
	if m == 0 {
		return t.chi2()
	}
	if cap(w.g) < m*m {
		w.g = make([]float64, m*m)
	}
	g := w.g[:m*m]
	for k, gk := range t.indices {
		for l := k; l < m; l++ {
			// outside the pattern the derivative pair is structurally zero
			v, _ := inv.At(gk, t.indices[l])
			g[k*m+l] = v
			g[l*m+k] = v
		}
	}

	sign := -1.0
	if excluded {
		sign = 1
	}
	for s := 0; s < t.dim; s++ {
		for r := s; r < t.dim; r++ {
			h := 0.0
			for k := 0; k < m; k++ {
				ask := t.a[s][k]
				if ask == 0 {
					continue
				}
				for l := 0; l < m; l++ {
					h += ask * g[k*m+l] * t.a[r][l]
				}
			}
			v := sign * h
			if s == r {
				v++
			}
			w.c.SetSym(s, r, v)
		}
		w.z.SetVec(s, t.z[s])
	}

	if ok := w.chol.Factorize(w.c); !ok || w.chol.Cond() > maxLeverageCond {
		return 0
	}
	if err := w.chol.SolveVecTo(w.x, w.z); err != nil {
		return 0
	}
	return mat.Dot(w.z, w.x)
}

// contributions scores the listed measurements at the current parameter
// state. excluded tells whether they are left out of the factorization.
func (f *Fitter) contributions(ctx context.Context, idx *ParameterIndex, sc scorer, lists [][]*MeasuredStar, excluded bool) ([]outlierCandidate, error) {
	partial := make([][]outlierCandidate, len(f.cat.Images))

	err := f.forEachImage(ctx, func(i int, img *Image) error {
		var work *leverageWork
		for _, ms := range lists[i] {
			fs, err := f.cat.FittedStar(ms.FittedStar)
			if err != nil {
				return err
			}
			t, err := f.scheme.evaluate(img, ms, fs, idx)
			if err != nil {
				return err
			}
			c := t.chi2()
			if sc.inv != nil {
				if work == nil {
					work = newLeverageWork(t.dim)
				}
				c = work.contribution(&t, sc.inv, excluded)
			}
			partial[i] = append(partial[i], outlierCandidate{star: ms, contribution: c, indices: t.indices})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var all []outlierCandidate
	for _, p := range partial {
		all = append(all, p...)
	}
	return all, nil
}

// findOutliers returns the measurements to reject this cycle and the number
// of measurements above the cut. Candidates are taken worst first and a
// measurement is skipped when it shares a free parameter with one already
// taken, so correlated measurements are not rejected together.
func (f *Fitter) findOutliers(ctx context.Context, idx *ParameterIndex, sc scorer, nSigCut float64) ([]*MeasuredStar, int, error) {
	all, err := f.contributions(ctx, idx, sc, f.validLists(), false)
	if err != nil {
		return nil, 0, fmt.Errorf("scoring outliers: %w", err)
	}

	cut := nSigCut * nSigCut
	var above []outlierCandidate
	for _, c := range all {
		if c.contribution > cut {
			above = append(above, c)
		}
	}
	sort.SliceStable(above, func(a, b int) bool {
		return above[a].contribution > above[b].contribution
	})

	touched := make(map[int]bool)
	var rejected []*MeasuredStar
	for _, c := range above {
		conflict := false
		for _, gi := range c.indices {
			if touched[gi] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, gi := range c.indices {
			touched[gi] = true
		}
		rejected = append(rejected, c.star)
	}
	return rejected, len(above), nil
}

// findReinstated returns the masked measurements that score back under the
// cut against the current fit. A measurement masked while a worse outlier
// still pulled the model is recovered this way. Measurements whose fitted
// star has no valid measurement left cannot be predicted and stay masked.
func (f *Fitter) findReinstated(ctx context.Context, idx *ParameterIndex, sc scorer, masked []*MeasuredStar, nSigCut float64) ([]*MeasuredStar, error) {
	var scorable []*MeasuredStar
	for _, ms := range masked {
		if fs, err := f.cat.FittedStar(ms.FittedStar); err == nil && fs.MeasurementCount > 0 {
			scorable = append(scorable, ms)
		}
	}
	if len(scorable) == 0 {
		return nil, nil
	}
	all, err := f.contributions(ctx, idx, sc, f.groupByImage(scorable), true)
	if err != nil {
		return nil, fmt.Errorf("scoring masked measurements: %w", err)
	}

	cut := nSigCut * nSigCut
	var back []*MeasuredStar
	for _, c := range all {
		if c.contribution <= cut {
			back = append(back, c.star)
		}
	}
	return back, nil
}

// Contributions scores every valid measurement at the current state using
// the configured statistic. It refactors the normal matrix of the last step.
func (f *Fitter) Contributions(ctx context.Context) ([]Contribution, error) {
	if f.index == nil {
		return nil, fmt.Errorf("%w: no fit step has assigned indices yet", ErrConfiguration)
	}
	idx := f.index
	var sys *sparse.System
	if f.opts.Statistic != StatisticResidual {
		terms, err := f.accumulate(ctx, idx, f.validLists())
		if err != nil {
			return nil, err
		}
		sys, err = sparse.NewSystem(terms.jacobian, idx.Total, f.opts.PivotTolerance)
		if err != nil {
			return nil, solverError(idx, err)
		}
	}
	all, err := f.contributions(ctx, idx, f.newScorer(sys), f.validLists(), false)
	if err != nil {
		return nil, err
	}
	out := make([]Contribution, len(all))
	for i, c := range all {
		out[i] = Contribution{Star: c.star, Value: c.contribution}
	}
	return out, nil
}
