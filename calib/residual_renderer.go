package calib

import (
	"fmt"
	"image/color"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ImageColor is the drawing color of one image's frame and residuals
type ImageColor struct {
	Frame    color.NRGBA
	Residual color.NRGBA
}

// DefaultImageColors returns the palette cycled over images
func DefaultImageColors() []ImageColor {
	return []ImageColor{
		{Frame: color.NRGBA{100, 149, 237, 120}, Residual: color.NRGBA{0, 0, 139, 255}},  // blue
		{Frame: color.NRGBA{144, 238, 144, 120}, Residual: color.NRGBA{0, 100, 0, 255}},  // green
		{Frame: color.NRGBA{255, 255, 150, 120}, Residual: color.NRGBA{184, 134, 11, 255}}, // goldenrod
		{Frame: color.NRGBA{216, 191, 216, 120}, Residual: color.NRGBA{75, 0, 130, 255}},  // indigo
	}
}

// masked measurements are always drawn in this color
var maskedColor = color.NRGBA{220, 20, 60, 255}

// nrgbaToRGBA premultiplies alpha for the canvas library
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * a) / 255),
		G: uint8((uint32(c.G) * a) / 255),
		B: uint8((uint32(c.B) * a) / 255),
		A: c.A,
	}
}

// ResidualRenderer draws a residual map: image frames in the fitted plane,
// fitted stars, and one magnified arrow per measurement
type ResidualRenderer struct {
	Catalog    *Catalog
	Model      AstrometryModel // maps frames to the fitted plane; nil draws pixel frames
	Rows       []Residual
	ArrowScale float64 // residual magnification
	Padding    float64 // in fitted plane units
	StarRadius float64
	Colors     []ImageColor
}

// NewResidualRenderer creates a renderer with default settings
func NewResidualRenderer(cat *Catalog, model AstrometryModel, rows []Residual) *ResidualRenderer {
	return &ResidualRenderer{
		Catalog:    cat,
		Model:      model,
		Rows:       rows,
		ArrowScale: 100,
		Padding:    50,
		StarRadius: 3,
		Colors:     DefaultImageColors(),
	}
}

// frameRing returns the corners of an image frame in the fitted plane
func (r *ResidualRenderer) frameRing(img *Image) orb.Ring {
	b := img.Frame
	corners := []orb.Point{
		{b.Min[0], b.Min[1]}, {b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]}, {b.Min[0], b.Max[1]},
	}
	var m Mapping
	if r.Model != nil {
		m, _ = r.Model.Mapping(img.ID)
	}
	ring := make(orb.Ring, 0, len(corners)+1)
	for _, c := range corners {
		if m != nil {
			p := m.Transform(Point{X: c[0], Y: c[1]})
			c = orb.Point{p.X, p.Y}
		}
		ring = append(ring, c)
	}
	return append(ring, ring[0])
}

// arrow returns the start and magnified end of a residual
func (r *ResidualRenderer) arrow(row Residual) (orb.Point, orb.Point, bool) {
	fs, err := r.Catalog.FittedStar(row.FittedID)
	if err != nil {
		return orb.Point{}, orb.Point{}, false
	}
	start := orb.Point{fs.X, fs.Y}
	end := orb.Point{fs.X + r.ArrowScale*row.DX, fs.Y + r.ArrowScale*row.DY}
	return start, end, true
}

// Bounds returns the fitted plane area covered by frames, stars and arrows
func (r *ResidualRenderer) Bounds() orb.Bound {
	var b orb.Bound
	first := true
	extend := func(p orb.Point) {
		if first {
			b = orb.Bound{Min: p, Max: p}
			first = false
			return
		}
		b = b.Extend(p)
	}
	for _, img := range r.Catalog.Images {
		for _, p := range r.frameRing(img) {
			extend(p)
		}
	}
	for _, row := range r.Rows {
		if s, e, ok := r.arrow(row); ok {
			extend(s)
			extend(e)
		}
	}
	return b
}

// RenderToSVG writes the residual map as an SVG
func (r *ResidualRenderer) RenderToSVG(w io.Writer) error {
	if len(r.Catalog.Images) == 0 {
		return fmt.Errorf("no images to render")
	}
	b := r.Bounds()
	width := (b.Max[0] - b.Min[0]) + 2*r.Padding
	height := (b.Max[1] - b.Min[1]) + 2*r.Padding

	out := svg.New(w, width, height, nil)

	toCanvas := func(p orb.Point) (float64, float64) {
		return p[0] - b.Min[0] + r.Padding, p[1] - b.Min[1] + r.Padding
	}

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	slot := make(map[int]int, len(r.Catalog.Images))
	for i, img := range r.Catalog.Images {
		slot[img.ID] = i
		ic := r.Colors[i%len(r.Colors)]
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(ic.Frame)}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(ic.Residual)}
		style.StrokeWidth = 1

		p := &canvas.Path{}
		for k, c := range r.frameRing(img) {
			x, y := toCanvas(c)
			if k == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
		out.RenderPath(p, style, canvas.Identity)
	}

	starStyle := canvas.DefaultStyle
	starStyle.Fill = canvas.Paint{Color: canvas.Black}
	starStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, fs := range r.Catalog.FittedStars {
		if fs.MeasurementCount == 0 {
			continue
		}
		x, y := toCanvas(orb.Point{fs.X, fs.Y})
		out.RenderPath(canvas.Circle(r.StarRadius).Translate(x, y), starStyle, canvas.Identity)
	}

	for _, row := range r.Rows {
		s, e, ok := r.arrow(row)
		if !ok {
			continue
		}
		c := maskedColor
		if row.Valid {
			c = r.Colors[slot[row.ImageID]%len(r.Colors)].Residual
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(c)}
		style.StrokeWidth = 1.5

		x1, y1 := toCanvas(s)
		x2, y2 := toCanvas(e)
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		out.RenderPath(p, style, canvas.Identity)
	}

	return out.Close()
}
