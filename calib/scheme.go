package calib

import (
	"fmt"
	"math"
)

// term is the contribution of one measured star: its whitened residual and
// the whitened derivatives with respect to the free parameters it touches.
type term struct {
	dim     int
	r       [2]float64 // residual
	z       [2]float64 // whitened residual
	indices []int
	a       [2][]float64 // a[row][k] is the derivative for indices[k]
}

func (t *term) chi2() float64 {
	s := 0.0
	for i := 0; i < t.dim; i++ {
		s += t.z[i] * t.z[i]
	}
	return s
}

// scheme isolates what differs between astrometric and photometric fits
type scheme interface {
	name() string
	allowed() FitGroups
	starGroup() FitGroups
	starWidth() int
	assignModel(groups FitGroups, first int) int
	offsetModel(delta []float64)
	offsetStar(fs *FittedStar, delta []float64)
	// evaluate computes the term of ms; derivatives are skipped when idx is nil
	evaluate(img *Image, ms *MeasuredStar, fs *FittedStar, idx *ParameterIndex) (term, error)
}

type astrometryScheme struct {
	model AstrometryModel
	floor float64 // position error added in quadrature
}

func (s *astrometryScheme) name() string         { return "astrometry" }
func (s *astrometryScheme) allowed() FitGroups   { return FitModel | FitPositions }
func (s *astrometryScheme) starGroup() FitGroups { return FitPositions }
func (s *astrometryScheme) starWidth() int       { return 2 }

func (s *astrometryScheme) assignModel(groups FitGroups, first int) int {
	return s.model.AssignIndices(groups, first)
}

func (s *astrometryScheme) offsetModel(delta []float64) { s.model.Offset(delta) }

func (s *astrometryScheme) offsetStar(fs *FittedStar, delta []float64) {
	fs.X += delta[0]
	fs.Y += delta[1]
}

// whitening returns the lower Cholesky factor of the inverse of the 2x2
// covariance [[cxx, cxy], [cxy, cyy]]
func whitening(cxx, cyy, cxy float64) (l11, l21, l22 float64, ok bool) {
	det := cxx*cyy - cxy*cxy
	if cxx <= 0 || cyy <= 0 || det <= 0 || math.IsNaN(det) {
		return 0, 0, 0, false
	}
	wxx := cyy / det
	wyy := cxx / det
	wxy := -cxy / det
	l11 = math.Sqrt(wxx)
	l21 = wxy / l11
	rest := wyy - l21*l21
	if rest <= 0 {
		return 0, 0, 0, false
	}
	return l11, l21, math.Sqrt(rest), true
}

func (s *astrometryScheme) evaluate(img *Image, ms *MeasuredStar, fs *FittedStar, idx *ParameterIndex) (term, error) {
	var t term
	m, ok := s.model.Mapping(img.ID)
	if !ok {
		return t, fmt.Errorf("%w: image %d has no mapping", ErrData, img.ID)
	}
	if ms.VX <= 0 || ms.VY <= 0 || ms.VX*ms.VY-ms.VXY*ms.VXY <= 0 {
		return t, fmt.Errorf("%w: measured star %d has a non-positive-definite covariance", ErrData, ms.ID)
	}

	p := ms.Position()
	var pos Point
	var dT [][2]float64
	if idx != nil {
		pos, dT = m.TransformAndDerivatives(p)
	} else {
		pos = m.Transform(p)
	}

	// propagate the pixel covariance through the mapping
	j := m.PositionDerivative(p)
	floor2 := s.floor * s.floor
	cxx := j[0][0]*j[0][0]*ms.VX + 2*j[0][0]*j[0][1]*ms.VXY + j[0][1]*j[0][1]*ms.VY + floor2
	cyy := j[1][0]*j[1][0]*ms.VX + 2*j[1][0]*j[1][1]*ms.VXY + j[1][1]*j[1][1]*ms.VY + floor2
	cxy := j[0][0]*j[1][0]*ms.VX + (j[0][0]*j[1][1]+j[0][1]*j[1][0])*ms.VXY + j[0][1]*j[1][1]*ms.VY
	l11, l21, l22, ok := whitening(cxx, cyy, cxy)
	if !ok {
		return t, fmt.Errorf("%w: measured star %d: transformed covariance is not positive definite", ErrData, ms.ID)
	}

	t.dim = 2
	t.r = [2]float64{pos.X - fs.X, pos.Y - fs.Y}
	t.z = [2]float64{l11*t.r[0] + l21*t.r[1], l22 * t.r[1]}
	if idx == nil {
		return t, nil
	}

	mi := m.Indices()
	n := len(mi)
	first, starFree := idx.StarIndex(fs.ID)
	if starFree {
		n += 2
	}
	t.indices = make([]int, 0, n)
	t.a[0] = make([]float64, 0, n)
	t.a[1] = make([]float64, 0, n)
	for k, gi := range mi {
		g := dT[k]
		t.indices = append(t.indices, gi)
		t.a[0] = append(t.a[0], l11*g[0]+l21*g[1])
		t.a[1] = append(t.a[1], l22*g[1])
	}
	if starFree {
		// d(residual)/d(fitted position) = -I
		t.indices = append(t.indices, first, first+1)
		t.a[0] = append(t.a[0], -l11, -l21)
		t.a[1] = append(t.a[1], 0, -l22)
	}
	return t, nil
}

type photometryScheme struct {
	model PhotometryModel
}

func (s *photometryScheme) name() string         { return "photometry" }
func (s *photometryScheme) allowed() FitGroups   { return FitModel | FitFluxes }
func (s *photometryScheme) starGroup() FitGroups { return FitFluxes }
func (s *photometryScheme) starWidth() int       { return 1 }

func (s *photometryScheme) assignModel(groups FitGroups, first int) int {
	return s.model.AssignIndices(groups, first)
}

func (s *photometryScheme) offsetModel(delta []float64) { s.model.Offset(delta) }

func (s *photometryScheme) offsetStar(fs *FittedStar, delta []float64) {
	fs.Flux += delta[0]
}

func (s *photometryScheme) evaluate(img *Image, ms *MeasuredStar, fs *FittedStar, idx *ParameterIndex) (term, error) {
	var t term
	m, ok := s.model.PhotomMapping(img.ID)
	if !ok {
		return t, fmt.Errorf("%w: image %d has no photometric mapping", ErrData, img.ID)
	}
	if ms.FluxErr <= 0 {
		return t, fmt.Errorf("%w: measured star %d has a non-positive flux error", ErrData, ms.ID)
	}

	p := ms.Position()
	var factor float64
	var dS []float64
	if idx != nil {
		factor, dS = m.FactorAndDerivatives(p)
	} else {
		factor = m.Factor(p)
	}
	sigma := factor * ms.FluxErr
	if sigma <= 0 || math.IsNaN(sigma) {
		return t, fmt.Errorf("%w: image %d: non-positive flux factor %g", ErrData, img.ID, factor)
	}

	t.dim = 1
	t.r[0] = factor*ms.Flux - fs.Flux
	t.z[0] = t.r[0] / sigma
	if idx == nil {
		return t, nil
	}

	mi := m.Indices()
	first, starFree := idx.StarIndex(fs.ID)
	n := len(mi)
	if starFree {
		n++
	}
	t.indices = make([]int, 0, n)
	t.a[0] = make([]float64, 0, n)
	for k, gi := range mi {
		t.indices = append(t.indices, gi)
		t.a[0] = append(t.a[0], ms.Flux*dS[k]/sigma)
	}
	if starFree {
		t.indices = append(t.indices, first)
		t.a[0] = append(t.a[0], -1/sigma)
	}
	return t, nil
}
