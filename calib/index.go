package calib

import "fmt"

// GroupRange is the contiguous index range of one parameter group
type GroupRange struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// End returns the first index after the range
func (r GroupRange) End() int { return r.Start + r.Count }

// Contains reports whether i falls in the range
func (r GroupRange) Contains(i int) bool { return i >= r.Start && i < r.End() }

// ParameterIndex maps every free parameter to its column in the global
// parameter vector. Model parameters come first, then fitted star parameters.
// It is rebuilt by every fit step.
type ParameterIndex struct {
	Groups FitGroups  `json:"groups"`
	Model  GroupRange `json:"model"`
	Stars  GroupRange `json:"stars"`
	Total  int        `json:"total"`

	starGroup FitGroups
	starWidth int
	starFirst []int // by fitted star ID, -1 when the star is not free
}

// StarIndex returns the first index of a fitted star's parameters
func (p *ParameterIndex) StarIndex(fittedID int) (int, bool) {
	if fittedID < 0 || fittedID >= len(p.starFirst) || p.starFirst[fittedID] < 0 {
		return -1, false
	}
	return p.starFirst[fittedID], true
}

// StarWidth returns the number of parameters per free fitted star
func (p *ParameterIndex) StarWidth() int { return p.starWidth }

// GroupOf returns the group owning index i
func (p *ParameterIndex) GroupOf(i int) FitGroups {
	switch {
	case p.Model.Contains(i):
		return FitModel
	case p.Stars.Contains(i):
		return p.starGroup
	}
	return 0
}

// AssignIndices parses whatToFit and lays out the free parameters.
// The layout is used by the following accumulation and update.
func (f *Fitter) AssignIndices(whatToFit string) (*ParameterIndex, error) {
	groups, err := ParseFitGroups(whatToFit)
	if err != nil {
		return nil, err
	}
	return f.assignIndices(groups)
}

func (f *Fitter) assignIndices(groups FitGroups) (*ParameterIndex, error) {
	if extra := groups &^ f.scheme.allowed(); extra != 0 {
		return nil, fmt.Errorf("%w: group %q is not fitted by the %s scheme", ErrConfiguration, extra, f.scheme.name())
	}

	idx := &ParameterIndex{
		Groups:    groups,
		starGroup: f.scheme.starGroup(),
		starWidth: f.scheme.starWidth(),
		starFirst: make([]int, len(f.cat.FittedStars)),
	}

	next := f.scheme.assignModel(groups, 0)
	idx.Model = GroupRange{Start: 0, Count: next}

	freeStars := groups&idx.starGroup != 0
	for i, fs := range f.cat.FittedStars {
		idx.starFirst[i] = -1
		// a star without valid measurements has no support
		if !freeStars || fs.MeasurementCount <= 0 {
			continue
		}
		idx.starFirst[i] = next
		next += idx.starWidth
	}
	idx.Stars = GroupRange{Start: idx.Model.End(), Count: next - idx.Model.End()}
	idx.Total = next

	if idx.Total == 0 {
		return nil, fmt.Errorf("%w: no free parameters for %q", ErrConfiguration, groups)
	}
	f.index = idx
	return idx, nil
}
