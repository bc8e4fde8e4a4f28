package calib

import (
	"github.com/paulmach/orb"
)

// TranslationModel shifts every image by its own (tx, ty)
type TranslationModel struct {
	*blockSet
}

// NewTranslationModel creates a zero-offset translation per catalog image.
// Images listed in fixed keep their offsets during fits.
func NewTranslationModel(cat *Catalog, fixed ...int) *TranslationModel {
	return &TranslationModel{
		blockSet: newBlockSet(catalogImageIDs(cat), fixed, func(int) []float64 {
			return []float64{0, 0}
		}),
	}
}

// Mapping returns the transform of an image
func (m *TranslationModel) Mapping(imageID int) (Mapping, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return nil, false
	}
	return translationMapping{b}, true
}

// Translation returns the current offset of an image
func (m *TranslationModel) Translation(imageID int) (Point, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return Point{}, false
	}
	return Point{X: b.params[0], Y: b.params[1]}, true
}

type translationMapping struct{ *paramBlock }

func (t translationMapping) Transform(p Point) Point {
	return Point{X: p.X + t.params[0], Y: p.Y + t.params[1]}
}

func (t translationMapping) TransformAndDerivatives(p Point) (Point, [][2]float64) {
	return t.Transform(p), [][2]float64{{1, 0}, {0, 1}}
}

func (t translationMapping) PositionDerivative(Point) [2][2]float64 {
	return [2][2]float64{{1, 0}, {0, 1}}
}

// AffineModel applies one AffineMatrix per image
type AffineModel struct {
	*blockSet
}

// NewAffineModel creates an identity affine transform per catalog image
func NewAffineModel(cat *Catalog, fixed ...int) *AffineModel {
	return &AffineModel{
		blockSet: newBlockSet(catalogImageIDs(cat), fixed, func(int) []float64 {
			return []float64{1, 0, 0, 0, 1, 0}
		}),
	}
}

// Mapping returns the transform of an image
func (m *AffineModel) Mapping(imageID int) (Mapping, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return nil, false
	}
	return affineMapping{b}, true
}

// Matrix returns the current transform of an image
func (m *AffineModel) Matrix(imageID int) (AffineMatrix, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return AffineMatrix{A: 1, D: 1}, false
	}
	return affineFromParams(b.params), true
}

type affineMapping struct{ *paramBlock }

func (a affineMapping) Transform(p Point) Point {
	return TransformPoint(p, affineFromParams(a.params))
}

func (a affineMapping) TransformAndDerivatives(p Point) (Point, [][2]float64) {
	return a.Transform(p), [][2]float64{
		{p.X, 0}, {p.Y, 0}, {1, 0},
		{0, p.X}, {0, p.Y}, {0, 1},
	}
}

func (a affineMapping) PositionDerivative(Point) [2][2]float64 {
	return [2][2]float64{{a.params[0], a.params[1]}, {a.params[3], a.params[4]}}
}

// PolyModel applies an independent polynomial of total degree Degree per
// image, in pixel coordinates normalized to [-1, 1] over the image frame.
type PolyModel struct {
	*blockSet
	Degree int
	frames map[int]frameNorm
}

type frameNorm struct {
	cx, cy float64
	hx, hy float64
}

func newFrameNorm(b orb.Bound) frameNorm {
	c := b.Center()
	hx := (b.Max[0] - b.Min[0]) / 2
	hy := (b.Max[1] - b.Min[1]) / 2
	if hx <= 0 {
		hx = 1
	}
	if hy <= 0 {
		hy = 1
	}
	return frameNorm{cx: c[0], cy: c[1], hx: hx, hy: hy}
}

func (f frameNorm) normalize(p Point) (float64, float64) {
	return (p.X - f.cx) / f.hx, (p.Y - f.cy) / f.hy
}

// monomialCount returns the number of monomials u^i v^j with i+j <= degree
func monomialCount(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// NewPolyModel creates a polynomial mapping per image initialized to the
// identity on pixel coordinates
func NewPolyModel(cat *Catalog, degree int, fixed ...int) *PolyModel {
	if degree < 1 {
		degree = 1
	}
	frames := make(map[int]frameNorm, len(cat.Images))
	for _, img := range cat.Images {
		frames[img.ID] = newFrameNorm(img.Frame)
	}
	nm := monomialCount(degree)
	m := &PolyModel{Degree: degree, frames: frames}
	m.blockSet = newBlockSet(catalogImageIDs(cat), fixed, func(id int) []float64 {
		f := frames[id]
		p := make([]float64, 2*nm)
		// monomial order: 1, u, v, u², uv, v², ...
		p[0], p[1] = f.cx, f.hx
		p[nm], p[nm+2] = f.cy, f.hy
		return p
	})
	return m
}

// Mapping returns the transform of an image
func (m *PolyModel) Mapping(imageID int) (Mapping, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return nil, false
	}
	return polyMapping{paramBlock: b, degree: m.Degree, norm: m.frames[imageID]}, true
}

type polyMapping struct {
	*paramBlock
	degree int
	norm   frameNorm
}

// monomials evaluates u^i v^j in degree order together with their partial
// derivatives in u and v
func (m polyMapping) monomials(u, v float64) (val, du, dv []float64) {
	n := monomialCount(m.degree)
	val = make([]float64, 0, n)
	du = make([]float64, 0, n)
	dv = make([]float64, 0, n)
	for d := 0; d <= m.degree; d++ {
		for j := 0; j <= d; j++ {
			i := d - j
			val = append(val, ipow(u, i)*ipow(v, j))
			du = append(du, float64(i)*ipow(u, i-1)*ipow(v, j))
			dv = append(dv, float64(j)*ipow(u, i)*ipow(v, j-1))
		}
	}
	return val, du, dv
}

func ipow(x float64, n int) float64 {
	if n <= 0 {
		return 1
	}
	r := 1.0
	for ; n > 0; n-- {
		r *= x
	}
	return r
}

func (m polyMapping) eval(mono []float64) Point {
	n := len(mono)
	var out Point
	for k, v := range mono {
		out.X += m.params[k] * v
		out.Y += m.params[n+k] * v
	}
	return out
}

func (m polyMapping) Transform(p Point) Point {
	u, v := m.norm.normalize(p)
	mono, _, _ := m.monomials(u, v)
	return m.eval(mono)
}

func (m polyMapping) TransformAndDerivatives(p Point) (Point, [][2]float64) {
	u, v := m.norm.normalize(p)
	mono, _, _ := m.monomials(u, v)
	n := len(mono)
	derivs := make([][2]float64, 2*n)
	for k, val := range mono {
		derivs[k] = [2]float64{val, 0}
		derivs[n+k] = [2]float64{0, val}
	}
	return m.eval(mono), derivs
}

func (m polyMapping) PositionDerivative(p Point) [2][2]float64 {
	u, v := m.norm.normalize(p)
	_, du, dv := m.monomials(u, v)
	n := len(du)
	var j [2][2]float64
	for k := 0; k < n; k++ {
		j[0][0] += m.params[k] * du[k] / m.norm.hx
		j[0][1] += m.params[k] * dv[k] / m.norm.hy
		j[1][0] += m.params[n+k] * du[k] / m.norm.hx
		j[1][1] += m.params[n+k] * dv[k] / m.norm.hy
	}
	return j
}

// ScaleModel multiplies the fluxes of every image by its own factor
type ScaleModel struct {
	*blockSet
}

// NewScaleModel creates a unit flux scale per catalog image
func NewScaleModel(cat *Catalog, fixed ...int) *ScaleModel {
	return &ScaleModel{
		blockSet: newBlockSet(catalogImageIDs(cat), fixed, func(int) []float64 {
			return []float64{1}
		}),
	}
}

// PhotomMapping returns the flux correction of an image
func (m *ScaleModel) PhotomMapping(imageID int) (PhotomMapping, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return nil, false
	}
	return scaleMapping{b}, true
}

// Scale returns the current factor of an image
func (m *ScaleModel) Scale(imageID int) (float64, bool) {
	b, ok := m.byImage[imageID]
	if !ok {
		return 0, false
	}
	return b.params[0], true
}

type scaleMapping struct{ *paramBlock }

func (s scaleMapping) Factor(Point) float64 { return s.params[0] }

func (s scaleMapping) FactorAndDerivatives(Point) (float64, []float64) {
	return s.params[0], []float64{1}
}
