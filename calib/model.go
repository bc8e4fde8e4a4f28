package calib

import (
	"fmt"
	"sort"
)

// AstrometryModel maps pixel positions of every image onto the plane where
// fitted star positions live. One implementation per calibration scheme.
type AstrometryModel interface {
	// AssignIndices places the free parameters in the global vector starting
	// at first and returns the next free index. Parameters are fixed when
	// groups does not contain FitModel.
	AssignIndices(groups FitGroups, first int) int
	// NumParameters returns the number of free parameters of the last
	// AssignIndices call.
	NumParameters() int
	// Offset adds the update to the free parameters, in place.
	Offset(delta []float64)
	Mapping(imageID int) (Mapping, bool)
}

// Mapping is the transform of one image
type Mapping interface {
	NumParameters() int
	// Indices returns the global indices of the parameters, nil when fixed
	Indices() []int
	Transform(p Point) Point
	// TransformAndDerivatives returns the transformed point and, for each
	// parameter k, the derivative of the output with respect to it.
	TransformAndDerivatives(p Point) (Point, [][2]float64)
	// PositionDerivative returns d(output)/d(input) at p
	PositionDerivative(p Point) [2][2]float64
}

// PhotometryModel maps measured fluxes of every image onto the common flux scale
type PhotometryModel interface {
	AssignIndices(groups FitGroups, first int) int
	NumParameters() int
	Offset(delta []float64)
	PhotomMapping(imageID int) (PhotomMapping, bool)
}

// PhotomMapping is the flux correction of one image
type PhotomMapping interface {
	NumParameters() int
	Indices() []int
	Factor(p Point) float64
	// FactorAndDerivatives returns the correction factor at p and its
	// derivative with respect to each parameter
	FactorAndDerivatives(p Point) (float64, []float64)
}

// paramBlock holds the parameters of one image mapping
type paramBlock struct {
	imageID int
	params  []float64
	fixed   bool
	first   int // first global index, -1 when not free
	indices []int
}

func (b *paramBlock) Indices() []int { return b.indices }

func (b *paramBlock) NumParameters() int { return len(b.params) }

// blockSet is the per-image parameter storage shared by the models
type blockSet struct {
	blocks  []*paramBlock
	byImage map[int]*paramBlock
	nFree   int
}

func newBlockSet(imageIDs []int, fixed []int, initial func(imageID int) []float64) *blockSet {
	ids := append([]int(nil), imageIDs...)
	sort.Ints(ids)
	isFixed := make(map[int]bool, len(fixed))
	for _, id := range fixed {
		isFixed[id] = true
	}
	s := &blockSet{byImage: make(map[int]*paramBlock, len(ids))}
	for _, id := range ids {
		b := &paramBlock{imageID: id, params: initial(id), fixed: isFixed[id], first: -1}
		s.blocks = append(s.blocks, b)
		s.byImage[id] = b
	}
	return s
}

// AssignIndices lays out free blocks contiguously, ordered by image ID
func (s *blockSet) AssignIndices(groups FitGroups, first int) int {
	next := first
	s.nFree = 0
	for _, b := range s.blocks {
		b.first = -1
		b.indices = nil
		if !groups.Has(FitModel) || b.fixed {
			continue
		}
		b.first = next
		b.indices = make([]int, len(b.params))
		for k := range b.params {
			b.indices[k] = next + k
		}
		next += len(b.params)
		s.nFree += len(b.params)
	}
	return next
}

// NumParameters returns the free parameter count of the last layout
func (s *blockSet) NumParameters() int { return s.nFree }

// Offset adds the update to every free block
func (s *blockSet) Offset(delta []float64) {
	for _, b := range s.blocks {
		if b.first < 0 {
			continue
		}
		for k := range b.params {
			b.params[k] += delta[b.first+k]
		}
	}
}

// ImageIDs returns the images known to the model, sorted
func (s *blockSet) ImageIDs() []int {
	ids := make([]int, len(s.blocks))
	for i, b := range s.blocks {
		ids[i] = b.imageID
	}
	return ids
}

// Parameters returns a copy of the parameters of an image
func (s *blockSet) Parameters(imageID int) ([]float64, bool) {
	b, ok := s.byImage[imageID]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), b.params...), true
}

// SetParameters overwrites the parameters of an image
func (s *blockSet) SetParameters(imageID int, params []float64) error {
	b, ok := s.byImage[imageID]
	if !ok {
		return fmt.Errorf("image %d not in model", imageID)
	}
	if len(params) != len(b.params) {
		return fmt.Errorf("image %d: got %d parameters, want %d", imageID, len(params), len(b.params))
	}
	copy(b.params, params)
	return nil
}

func catalogImageIDs(cat *Catalog) []int {
	ids := make([]int, len(cat.Images))
	for i, img := range cat.Images {
		ids[i] = img.ID
	}
	return ids
}
