package calib

import (
	"context"
	"fmt"
	"math"
)

// Chi2 is the sum of squared normalized residuals with its degrees of freedom
type Chi2 struct {
	Value  float64 `json:"chi2"`
	NTerms int     `json:"nTerms"`
	NDof   int     `json:"ndof"`
}

// Add accumulates one squared normalized residual
func (c *Chi2) Add(z float64) {
	c.Value += z * z
	c.NTerms++
}

// Merge adds the terms of other
func (c *Chi2) Merge(other Chi2) {
	c.Value += other.Value
	c.NTerms += other.NTerms
}

// PerDof returns chi2/dof, NaN when there are no degrees of freedom
func (c Chi2) PerDof() float64 {
	if c.NDof <= 0 {
		return math.NaN()
	}
	return c.Value / float64(c.NDof)
}

func (c Chi2) String() string {
	return fmt.Sprintf("chi2=%.6g ndof=%d chi2/dof=%.4g", c.Value, c.NDof, c.PerDof())
}

// ComputeChi2 returns the chi2 of all valid measurements at the current
// parameter state. Degrees of freedom use the layout of the last fit step.
func (f *Fitter) ComputeChi2(ctx context.Context) (Chi2, error) {
	if err := f.cat.Validate(); err != nil {
		return Chi2{}, err
	}
	partial := make([]Chi2, len(f.cat.Images))
	err := f.forEachImage(ctx, func(i int, img *Image) error {
		var c Chi2
		for _, ms := range img.Stars {
			if !ms.Valid {
				continue
			}
			fs, err := f.cat.FittedStar(ms.FittedStar)
			if err != nil {
				return err
			}
			t, err := f.scheme.evaluate(img, ms, fs, nil)
			if err != nil {
				return err
			}
			for r := 0; r < t.dim; r++ {
				c.Add(t.z[r])
			}
		}
		partial[i] = c
		return nil
	})
	if err != nil {
		return Chi2{}, err
	}

	var total Chi2
	for _, c := range partial {
		total.Merge(c)
	}
	total.NDof = total.NTerms
	if f.index != nil {
		total.NDof -= f.index.Total
	}
	return total, nil
}
