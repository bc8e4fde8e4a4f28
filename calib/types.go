package calib

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MeasuredStar is one detection of a star in one image
type MeasuredStar struct {
	ID      int     `json:"id"`
	ImageID int     `json:"imageId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	VX      float64 `json:"vx"`  // variance of X
	VY      float64 `json:"vy"`  // variance of Y
	VXY     float64 `json:"vxy"` // covariance of X and Y
	Flux    float64 `json:"flux"`
	FluxErr float64 `json:"fluxErr"`

	// FittedStar is the identity of the star in Catalog.FittedStars
	FittedStar int  `json:"fittedStar"`
	Valid      bool `json:"valid"`
}

// Position returns the pixel position of the detection
func (m *MeasuredStar) Position() Point {
	return Point{X: m.X, Y: m.Y}
}

// FittedStar is the consensus position and flux of one physical star.
// Only the parameter update step and outlier masking change it.
type FittedStar struct {
	ID               int     `json:"id"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Flux             float64 `json:"flux"`
	MeasurementCount int     `json:"measurementCount"` // valid measurements
}

// Image holds the detections of one exposure
type Image struct {
	ID    int             `json:"id"`
	Name  string          `json:"name"`
	Frame orb.Bound       `json:"frame"` // pixel bounds
	Stars []*MeasuredStar `json:"stars"`
}

// Catalog is the associated set of images and fitted stars.
// FittedStars is an arena: FittedStars[i].ID == i.
type Catalog struct {
	Images      []*Image      `json:"images"`
	FittedStars []*FittedStar `json:"fittedStars"`
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{}
}

// AddImage appends an image with the next free ID
func (c *Catalog) AddImage(name string, frame orb.Bound) *Image {
	img := &Image{ID: len(c.Images), Name: name, Frame: frame}
	c.Images = append(c.Images, img)
	return img
}

// AddFittedStar appends a fitted star with the next free ID
func (c *Catalog) AddFittedStar(x, y, flux float64) *FittedStar {
	fs := &FittedStar{ID: len(c.FittedStars), X: x, Y: y, Flux: flux}
	c.FittedStars = append(c.FittedStars, fs)
	return fs
}

// AddMeasurement records a valid detection of fitted star fs in img.
// sigma is the isotropic position error, fluxErr the flux error.
func (c *Catalog) AddMeasurement(img *Image, fs *FittedStar, x, y, sigma, flux, fluxErr float64) *MeasuredStar {
	ms := &MeasuredStar{
		ID:         c.NumMeasurements(),
		ImageID:    img.ID,
		X:          x,
		Y:          y,
		VX:         sigma * sigma,
		VY:         sigma * sigma,
		Flux:       flux,
		FluxErr:    fluxErr,
		FittedStar: fs.ID,
		Valid:      true,
	}
	img.Stars = append(img.Stars, ms)
	fs.MeasurementCount++
	return ms
}

// NumMeasurements returns the total number of detections, valid or not
func (c *Catalog) NumMeasurements() int {
	n := 0
	for _, img := range c.Images {
		n += len(img.Stars)
	}
	return n
}

// NumValid returns the number of valid detections
func (c *Catalog) NumValid() int {
	n := 0
	for _, img := range c.Images {
		for _, ms := range img.Stars {
			if ms.Valid {
				n++
			}
		}
	}
	return n
}

// FittedStar resolves a fitted star identity
func (c *Catalog) FittedStar(id int) (*FittedStar, error) {
	if id < 0 || id >= len(c.FittedStars) || c.FittedStars[id] == nil {
		return nil, fmt.Errorf("%w: fitted star %d not in catalog", ErrData, id)
	}
	return c.FittedStars[id], nil
}

// Validate checks the links between images, measured stars and fitted stars
// and recomputes the valid measurement count of every fitted star.
func (c *Catalog) Validate() error {
	for i, fs := range c.FittedStars {
		if fs == nil || fs.ID != i {
			return fmt.Errorf("%w: fitted star slot %d holds a mismatched identity", ErrData, i)
		}
	}
	seen := make(map[int]bool, len(c.Images))
	counts := make([]int, len(c.FittedStars))
	for _, img := range c.Images {
		if img == nil {
			return fmt.Errorf("%w: nil image in catalog", ErrData)
		}
		if seen[img.ID] {
			return fmt.Errorf("%w: duplicate image id %d", ErrData, img.ID)
		}
		seen[img.ID] = true
		for _, ms := range img.Stars {
			if ms.ImageID != img.ID {
				return fmt.Errorf("%w: measured star %d claims image %d but is listed in image %d",
					ErrData, ms.ID, ms.ImageID, img.ID)
			}
			if _, err := c.FittedStar(ms.FittedStar); err != nil {
				return fmt.Errorf("measured star %d: %w", ms.ID, err)
			}
			if ms.Valid {
				counts[ms.FittedStar]++
			}
		}
	}
	for i, fs := range c.FittedStars {
		fs.MeasurementCount = counts[i]
	}
	return nil
}

// Mask removes a detection from future accumulation
func (c *Catalog) Mask(ms *MeasuredStar) {
	if !ms.Valid {
		return
	}
	ms.Valid = false
	if fs, err := c.FittedStar(ms.FittedStar); err == nil {
		fs.MeasurementCount--
	}
}

// Unmask restores a masked detection at its original weight
func (c *Catalog) Unmask(ms *MeasuredStar) {
	if ms.Valid {
		return
	}
	ms.Valid = true
	if fs, err := c.FittedStar(ms.FittedStar); err == nil {
		fs.MeasurementCount++
	}
}

// MeasurementsOf returns the detections linked to a fitted star.
// The returned slice is a view for iteration; it does not own the stars.
func (c *Catalog) MeasurementsOf(fittedID int) []*MeasuredStar {
	var out []*MeasuredStar
	for _, img := range c.Images {
		for _, ms := range img.Stars {
			if ms.FittedStar == fittedID {
				out = append(out, ms)
			}
		}
	}
	return out
}
