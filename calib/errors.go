package calib

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned before any computation when the fit
	// request itself is invalid (unknown group, nothing free to fit).
	ErrConfiguration = errors.New("configuration error")

	// ErrData marks inconsistent input: dangling links, non-positive-definite
	// covariances. The step is aborted and no state is mutated.
	ErrData = errors.New("data error")

	// ErrSolver marks a singular or ill-conditioned normal matrix. Parameters
	// keep their last valid values.
	ErrSolver = errors.New("solver error")

	// ErrConvergence is wrapped by ConvergenceWarning. It is never fatal.
	ErrConvergence = errors.New("convergence warning")
)

// SolverError reports which parameter made the factorization fail.
// Parameter is -1 when the failure is not tied to one parameter.
type SolverError struct {
	Parameter int
	Group     FitGroups
	Err       error
}

func (e *SolverError) Error() string {
	if e.Parameter < 0 {
		return fmt.Sprintf("solver error: %v", e.Err)
	}
	return fmt.Sprintf("solver error: parameter %d (%s): %v", e.Parameter, e.Group, e.Err)
}

func (e *SolverError) Unwrap() []error { return []error{ErrSolver, e.Err} }

// ConvergenceWarning is reported when outlier or refit cycles ran out before
// the fit stabilized. The solution that comes with it is usable.
type ConvergenceWarning struct {
	Cycles    int
	Remaining int // outliers still above the cut
	Chi2      Chi2
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("convergence warning: stopped after %d cycles with %d outliers above the cut (%s)",
		w.Cycles, w.Remaining, w.Chi2)
}

func (w *ConvergenceWarning) Unwrap() error { return ErrConvergence }
