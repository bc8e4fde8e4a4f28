package sparse

import "fmt"

// System is an assembled, factored normal matrix N = J Jᵀ built from the
// transposed Jacobian J (parameters × measurement rows).
type System struct {
	Normal *Matrix
	factor *Factor
}

// NewSystem assembles the normal matrix of jacobian and factors it.
// nParams is the number of rows of the Jacobian.
func NewSystem(jacobian *TripletList, nParams int, tolerance float64) (*System, error) {
	if nParams <= 0 {
		return nil, fmt.Errorf("no parameters to solve for")
	}
	j, err := FromTriplets(nParams, jacobian.NextFreeIndex(), jacobian)
	if err != nil {
		return nil, fmt.Errorf("compressing jacobian: %w", err)
	}
	normal := NormalProduct(j)
	factor, err := Analyze(normal, DegreeOrdering(normal))
	if err != nil {
		return nil, fmt.Errorf("analyzing normal matrix: %w", err)
	}
	if tolerance > 0 {
		factor.Tolerance = tolerance
	}
	if err := factor.Factorize(normal); err != nil {
		return nil, err
	}
	return &System{Normal: normal, factor: factor}, nil
}

// Size returns the number of parameters
func (s *System) Size() int { return s.factor.Size() }

// Solve returns x with N x = rhs
func (s *System) Solve(rhs []float64) []float64 {
	return s.factor.Solve(rhs)
}

// Downdate removes the contribution of the given Jacobian rows from the
// normal matrix and refactors it, reusing the symbolic analysis. On error the
// system must be considered invalid.
func (s *System) Downdate(jacobian *TripletList) error {
	n := s.Normal.Rows
	j, err := FromTriplets(n, jacobian.NextFreeIndex(), jacobian)
	if err != nil {
		return fmt.Errorf("compressing jacobian: %w", err)
	}
	if err := s.Normal.SubtractInPlace(NormalProduct(j)); err != nil {
		return fmt.Errorf("downdating normal matrix: %w", err)
	}
	return s.factor.Factorize(s.Normal)
}
