package calib

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
)

// Residual is the state of one measured star at the current parameters
type Residual struct {
	ImageID    int     `json:"imageId"`
	MeasuredID int     `json:"measuredId"`
	FittedID   int     `json:"fittedId"`
	X          float64 `json:"x"` // pixel position
	Y          float64 `json:"y"`
	DX         float64 `json:"dx"` // astrometry: residual, photometry: flux residual
	DY         float64 `json:"dy"` // astrometry only
	Magnitude  float64 `json:"magnitude"`
	Chi2       float64 `json:"chi2"`
	Valid      bool    `json:"valid"`
}

// Residuals evaluates every measured star, masked ones included, in catalog order
func (f *Fitter) Residuals(ctx context.Context) ([]Residual, error) {
	if err := f.cat.Validate(); err != nil {
		return nil, err
	}
	partial := make([][]Residual, len(f.cat.Images))
	err := f.forEachImage(ctx, func(i int, img *Image) error {
		rows := make([]Residual, 0, len(img.Stars))
		for _, ms := range img.Stars {
			fs, err := f.cat.FittedStar(ms.FittedStar)
			if err != nil {
				return err
			}
			t, err := f.scheme.evaluate(img, ms, fs, nil)
			if err != nil {
				return err
			}
			rows = append(rows, Residual{
				ImageID:    img.ID,
				MeasuredID: ms.ID,
				FittedID:   fs.ID,
				X:          ms.X,
				Y:          ms.Y,
				DX:         t.r[0],
				DY:         t.r[1],
				Magnitude:  math.Hypot(t.r[0], t.r[1]),
				Chi2:       t.chi2(),
				Valid:      ms.Valid,
			})
		}
		partial[i] = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Residual
	for _, p := range partial {
		out = append(out, p...)
	}
	return out, nil
}

var tupleColumns = [][2]string{
	{"image", "image id"},
	{"measured", "measured star id"},
	{"fitted", "fitted star id"},
	{"x", "pixel x"},
	{"y", "pixel y"},
	{"dx", "x residual (flux residual in photometry)"},
	{"dy", "y residual"},
	{"mag", "residual magnitude"},
	{"chi2", "normalized chi2 contribution"},
	{"valid", "1 when used by the fit"},
}

// WriteResidualTuple writes residuals as a self-describing tab separated
// table: one "#name : description" line per column, "#end", then the rows
func WriteResidualTuple(w io.Writer, rows []Residual) error {
	bw := bufio.NewWriter(w)
	for _, c := range tupleColumns {
		fmt.Fprintf(bw, "#%s : %s\n", c[0], c[1])
	}
	fmt.Fprintln(bw, "#end")
	for _, r := range rows {
		valid := 0
		if r.Valid {
			valid = 1
		}
		fmt.Fprintf(bw, "%d\t%d\t%d\t%.6f\t%.6f\t%.6g\t%.6g\t%.6g\t%.6g\t%d\n",
			r.ImageID, r.MeasuredID, r.FittedID, r.X, r.Y, r.DX, r.DY, r.Magnitude, r.Chi2, valid)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing residual tuple: %w", err)
	}
	return nil
}
