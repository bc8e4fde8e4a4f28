package calib

import (
	"fmt"
	"strings"
)

// FitGroups is the set of parameter groups free in a fit step
type FitGroups uint8

const (
	FitModel     FitGroups = 1 << iota // per-image mapping parameters
	FitPositions                       // fitted star positions (astrometry)
	FitFluxes                          // fitted star fluxes (photometry)
)

var groupNames = map[string]FitGroups{
	"model":       FitModel,
	"distortions": FitModel,
	"positions":   FitPositions,
	"fluxes":      FitFluxes,
}

// ParseFitGroups parses a list such as "model positions" or "Distortions,Positions".
// Names are case-insensitive. An empty list yields an empty set.
func ParseFitGroups(whatToFit string) (FitGroups, error) {
	var g FitGroups
	fields := strings.FieldsFunc(whatToFit, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	for _, f := range fields {
		bit, ok := groupNames[strings.ToLower(f)]
		if !ok {
			return 0, fmt.Errorf("%w: unknown parameter group %q", ErrConfiguration, f)
		}
		g |= bit
	}
	return g, nil
}

// Has reports whether all groups in other are set
func (g FitGroups) Has(other FitGroups) bool { return g&other == other && other != 0 }

func (g FitGroups) String() string {
	var names []string
	if g&FitModel != 0 {
		names = append(names, "model")
	}
	if g&FitPositions != 0 {
		names = append(names, "positions")
	}
	if g&FitFluxes != 0 {
		names = append(names, "fluxes")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, " ")
}
