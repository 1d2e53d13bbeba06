package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound        = errors.New("resource not found")
	ErrRunNotFound     = fmt.Errorf("%w: run", ErrNotFound)
	ErrReportNotFound  = fmt.Errorf("%w: report", ErrNotFound)
	ErrDatasetNotFound = fmt.Errorf("%w: dataset", ErrNotFound)

	// Contrast construction errors - fatal and local, the caller must
	// supply a valid specification
	ErrSingularHypothesis  = errors.New("hypothesis matrix is singular: requested contrasts are not mutually independent")
	ErrNonInvertibleMatrix = errors.New("hypothesis matrix is not invertible")

	// Fit errors
	ErrConvergenceFailure    = errors.New("no configured optimizer converged")
	ErrDegenerateFit         = errors.New("degenerate fit")
	ErrOptimizerDisagreement = errors.New("optimizer panel disagreement")

	// Data errors
	ErrEmptyDataset     = errors.New("dataset contains no observations")
	ErrUnknownLevel     = errors.New("observation condition not among factor levels")
	ErrInsufficientData = errors.New("insufficient data for analysis")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

func NewSingularHypothesisError(rank, k int) error {
	return fmt.Errorf("%w: rank %d, need %d", ErrSingularHypothesis, rank, k)
}

func NewDegenerateFitError(reason string) error {
	return fmt.Errorf("%w: %s", ErrDegenerateFit, reason)
}

func NewConvergenceFailureError(attempts int) error {
	return fmt.Errorf("%w after %d optimizer attempts", ErrConvergenceFailure, attempts)
}

func NewUnknownLevelError(level string, factor string) error {
	return fmt.Errorf("%w: %q not a level of %s", ErrUnknownLevel, level, factor)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsContrastError reports whether err is fatal to contrast construction.
func IsContrastError(err error) bool {
	return errors.Is(err, ErrSingularHypothesis) ||
		errors.Is(err, ErrNonInvertibleMatrix)
}

// IsDegenerateError reports whether err means no point estimates may be
// returned for the fit.
func IsDegenerateError(err error) bool {
	return errors.Is(err, ErrDegenerateFit)
}

// IsFitQualityError reports whether err is recoverable: the workflow
// continues and the condition is surfaced in the final report.
func IsFitQualityError(err error) bool {
	return errors.Is(err, ErrConvergenceFailure) ||
		errors.Is(err, ErrOptimizerDisagreement)
}
