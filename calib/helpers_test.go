package calib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
)

var testFrame = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1000, 1000}}

// testField is a fully overlapping field: every image measures every star.
// Fitted stars start at the truth.
type testField struct {
	cat     *Catalog
	offsets []Point   // pixel + offset = fitted plane
	scales  []float64 // scale * measured flux = true flux
	stars   []Point
	fluxes  []float64
}

func newTestField(t *testing.T, nImages, nStars int, sigma float64, seed int64) *testField {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	f := &testField{cat: NewCatalog()}
	for s := 0; s < nStars; s++ {
		p := Point{X: 100 + 800*rng.Float64(), Y: 100 + 800*rng.Float64()}
		flux := 2000 + 3000*rng.Float64()
		f.stars = append(f.stars, p)
		f.fluxes = append(f.fluxes, flux)
		f.cat.AddFittedStar(p.X, p.Y, flux)
	}
	for i := 0; i < nImages; i++ {
		off := Point{}
		scale := 1.0
		if i > 0 {
			off = Point{X: 10*rng.Float64() - 5, Y: 10*rng.Float64() - 5}
			scale = 0.9 + 0.2*rng.Float64()
		}
		f.offsets = append(f.offsets, off)
		f.scales = append(f.scales, scale)
		img := f.cat.AddImage("img", testFrame)
		for s, p := range f.stars {
			flux := f.fluxes[s] / scale
			f.cat.AddMeasurement(img, f.cat.FittedStars[s],
				p.X-off.X+sigma*rng.NormFloat64(),
				p.Y-off.Y+sigma*rng.NormFloat64(),
				0.1,
				flux,
				0.01*flux)
		}
	}
	return f
}

// perturbStars moves every fitted star away from its current position
func perturbStars(cat *Catalog, dx, dy float64) {
	for _, fs := range cat.FittedStars {
		fs.X += dx
		fs.Y -= dy
	}
}

func testOptions() FitOptions {
	opts := DefaultFitOptions()
	opts.Workers = 4
	return opts
}

// rotationShift rotates by degrees around the origin, then shifts by (tx, ty)
func rotationShift(degrees, tx, ty float64) AffineMatrix {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	return AffineMatrix{A: cos, B: -sin, Tx: tx, C: sin, D: cos, Ty: ty}
}
