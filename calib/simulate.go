package calib

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paulmach/orb"
)

// Field is a synthetic catalog together with the truth it was drawn from
type Field struct {
	Catalog     *Catalog
	TrueOffsets map[int]Point   // per image: pixel + offset = fitted plane
	TrueScales  map[int]float64 // per image: scale * measured flux = true flux
	TrueStars   []Point         // by fitted star ID
	TrueFluxes  []float64       // by fitted star ID
	Outliers    []*MeasuredStar
}

// Simulate draws a field of stars, images placed at random over it with
// random translations and flux scales, and noisy measurements. Image 0 is
// the reference: zero offset and unit scale. Fitted stars start at their
// first measurement.
func Simulate(cfg SimulationConfig) (*Field, error) {
	if cfg.Images < 1 || cfg.Stars < 1 || cfg.ImageSize <= 0 || cfg.ImageSize > cfg.FieldSize {
		return nil, fmt.Errorf("%w: invalid simulation settings", ErrConfiguration)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &Field{
		Catalog:     NewCatalog(),
		TrueOffsets: make(map[int]Point, cfg.Images),
		TrueScales:  make(map[int]float64, cfg.Images),
	}
	cat := f.Catalog

	for i := 0; i < cfg.Stars; i++ {
		p := Point{X: rng.Float64() * cfg.FieldSize, Y: rng.Float64() * cfg.FieldSize}
		f.TrueStars = append(f.TrueStars, p)
		f.TrueFluxes = append(f.TrueFluxes, 1000+9000*rng.Float64())
		cat.AddFittedStar(0, 0, 0)
	}

	span := cfg.FieldSize - cfg.ImageSize
	for i := 0; i < cfg.Images; i++ {
		origin := orb.Point{rng.Float64() * span, rng.Float64() * span}
		frame := orb.Bound{Min: origin, Max: orb.Point{origin[0] + cfg.ImageSize, origin[1] + cfg.ImageSize}}
		img := cat.AddImage(fmt.Sprintf("sim-%03d", i), frame)

		offset := Point{}
		scale := 1.0
		if i > 0 {
			offset = Point{
				X: (2*rng.Float64() - 1) * cfg.MaxOffset,
				Y: (2*rng.Float64() - 1) * cfg.MaxOffset,
			}
			scale = 1 + (2*rng.Float64()-1)*cfg.MaxScaleDev
		}
		f.TrueOffsets[img.ID] = offset
		f.TrueScales[img.ID] = scale

		for id, truth := range f.TrueStars {
			pix := Point{X: truth.X - offset.X, Y: truth.Y - offset.Y}
			if !frame.Contains(orb.Point{pix.X, pix.Y}) {
				continue
			}
			flux := f.TrueFluxes[id] / scale
			fluxErr := cfg.FluxErr * flux
			if fluxErr <= 0 {
				fluxErr = 1e-3 * flux
			}
			sigma := cfg.PositionErr
			if sigma <= 0 {
				sigma = 1e-3
			}
			cat.AddMeasurement(img, cat.FittedStars[id],
				pix.X+cfg.PositionErr*rng.NormFloat64(),
				pix.Y+cfg.PositionErr*rng.NormFloat64(),
				sigma,
				flux+cfg.FluxErr*flux*rng.NormFloat64(),
				fluxErr)
		}
	}

	for _, fs := range cat.FittedStars {
		if ms := cat.MeasurementsOf(fs.ID); len(ms) > 0 {
			fs.X, fs.Y, fs.Flux = ms[0].X, ms[0].Y, ms[0].Flux
		}
	}

	if cfg.OutlierCount > 0 {
		var all []*MeasuredStar
		for _, img := range cat.Images {
			all = append(all, img.Stars...)
		}
		for _, k := range rng.Perm(len(all)) {
			if len(f.Outliers) == cfg.OutlierCount {
				break
			}
			ms := all[k]
			if cat.FittedStars[ms.FittedStar].MeasurementCount < 3 {
				continue
			}
			ms.X += cfg.OutlierSigma * math.Sqrt(ms.VX)
			ms.Flux += cfg.OutlierSigma * ms.FluxErr
			f.Outliers = append(f.Outliers, ms)
		}
	}
	return f, nil
}
