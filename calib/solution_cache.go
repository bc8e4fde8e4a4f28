package calib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultSolutionCachePath is the default path of the fitted solution cache
const DefaultSolutionCachePath = ".jointfit-solution.json"

// ParameterStore is implemented by every model: per-image parameter access
type ParameterStore interface {
	ImageIDs() []int
	Parameters(imageID int) ([]float64, bool)
	SetParameters(imageID int, params []float64) error
}

// Solution is a snapshot of a fit: model parameters per image and the
// fitted stars
type Solution struct {
	Scheme      string            `json:"scheme"`
	Images      map[int][]float64 `json:"images"`
	FittedStars []FittedStar      `json:"fittedStars"`
	Chi2        Chi2              `json:"chi2"`
	LastUpdated int64             `json:"lastUpdated"`
}

// Snapshot captures the current state of a fitter and its model
func Snapshot(f *Fitter, model ParameterStore, chi2 Chi2) *Solution {
	sol := &Solution{
		Scheme: f.Scheme(),
		Images: make(map[int][]float64),
		Chi2:   chi2,
	}
	for _, id := range model.ImageIDs() {
		if p, ok := model.Parameters(id); ok {
			sol.Images[id] = p
		}
	}
	for _, fs := range f.Catalog().FittedStars {
		sol.FittedStars = append(sol.FittedStars, *fs)
	}
	return sol
}

// Apply restores model parameters and fitted star positions and fluxes.
// The catalog must have the same fitted stars as the snapshot and every
// image of the snapshot must match the model. Nothing is written on a
// mismatch.
func (s *Solution) Apply(cat *Catalog, model ParameterStore) error {
	if len(s.FittedStars) != len(cat.FittedStars) {
		return fmt.Errorf("%w: solution has %d fitted stars, catalog has %d",
			ErrData, len(s.FittedStars), len(cat.FittedStars))
	}
	ids := make([]int, 0, len(s.Images))
	for id, p := range s.Images {
		cur, ok := model.Parameters(id)
		if !ok {
			return fmt.Errorf("%w: solution image %d not in model", ErrData, id)
		}
		if len(cur) != len(p) {
			return fmt.Errorf("%w: solution image %d has %d parameters, model has %d", ErrData, id, len(p), len(cur))
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := model.SetParameters(id, s.Images[id]); err != nil {
			return fmt.Errorf("%w: %v", ErrData, err)
		}
	}
	for i, fs := range s.FittedStars {
		cat.FittedStars[i].X = fs.X
		cat.FittedStars[i].Y = fs.Y
		cat.FittedStars[i].Flux = fs.Flux
	}
	return nil
}

// LoadSolution loads a solution from a JSON cache file.
// A missing file is not an error: it returns nil, nil.
func LoadSolution(path string) (*Solution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading solution file: %w", err)
	}

	var sol Solution
	if err := json.Unmarshal(data, &sol); err != nil {
		return nil, fmt.Errorf("parsing solution file: %w", err)
	}
	return &sol, nil
}

// SaveSolution writes a solution to a JSON cache file
func SaveSolution(path string, sol *Solution) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating solution directory: %w", err)
	}

	sol.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(sol, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling solution: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing solution file: %w", err)
	}
	return nil
}

// NeedsRefit checks if the cached solution is missing or older than maxAge
func (s *Solution) NeedsRefit(maxAge time.Duration) bool {
	if s == nil || s.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(s.LastUpdated, 0)) > maxAge
}
