package ports

import (
	"context"
)

// ObjectiveFunc evaluates the criterion being minimized at a parameter
// vector. Implementations must be safe for repeated sequential calls; the
// fitter never shares one instance across goroutines.
type ObjectiveFunc func(x []float64) float64

// Problem is a bound-constrained minimization problem. LowerBounds may be
// nil for an unconstrained search; when present it has the same length as
// Start and entries may be negative infinity for unbounded coordinates.
type Problem struct {
	Objective   ObjectiveFunc
	Start       []float64
	LowerBounds []float64
}

// OptimizerSettings bounds one optimizer run
type OptimizerSettings struct {
	MaxEvaluations int
	Tolerance      float64
}

// OptimizerResult is the outcome of one minimization run. Converged reports
// whether the optimizer's own stopping rule was met before the evaluation
// cap; Message carries the reason when it was not.
type OptimizerResult struct {
	X           []float64
	Value       float64
	Evaluations int
	Converged   bool
	Message     string
}

// OptimizerPort is one derivative-free or gradient-based minimizer. The
// context bounds the run in wall time; exceeding the evaluation cap is
// reported through Converged and Message rather than an error. Errors are
// reserved for unusable problems (no start point, NaN objective at start).
type OptimizerPort interface {
	Name() string
	Minimize(ctx context.Context, problem Problem, settings OptimizerSettings) (OptimizerResult, error)
}

// OptimizerFactory builds a fresh optimizer by panel name so concurrent runs
// never share optimizer state.
type OptimizerFactory interface {
	New(name string) (OptimizerPort, error)
	Available() []string
}
