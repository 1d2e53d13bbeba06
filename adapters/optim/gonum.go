package optim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"golmm/ports"
)

// gonumOptimizer adapts one gonum optimization method to the optimizer
// port. The gonum methods search unconstrained; Problem.LowerBounds is
// honored only by the bounded quadratic search.
type gonumOptimizer struct {
	name     string
	method   optimize.Method
	gradient bool
}

func (o *gonumOptimizer) Name() string {
	return o.name
}

// Minimize runs the wrapped method until its convergence test, the
// evaluation cap, or the context deadline stops it. Line search and other
// method-internal failures are reported as non-converged results carrying
// the best point found, not as errors.
func (o *gonumOptimizer) Minimize(ctx context.Context, problem ports.Problem, settings ports.OptimizerSettings) (ports.OptimizerResult, error) {
	if len(problem.Start) == 0 {
		return ports.OptimizerResult{}, errors.New("minimize: empty start point")
	}
	if v := problem.Objective(problem.Start); math.IsNaN(v) || math.IsInf(v, 0) {
		return ports.OptimizerResult{}, errors.New("minimize: objective is not finite at the start point")
	}

	p := optimize.Problem{Func: problem.Objective}
	if o.gradient {
		p.Grad = func(grad, x []float64) {
			fd.Gradient(grad, problem.Objective, x, &fd.Settings{Formula: fd.Central})
		}
	}

	s := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   convergeTolerance(settings),
			Iterations: 30,
		},
	}
	if settings.MaxEvaluations > 0 {
		s.FuncEvaluations = settings.MaxEvaluations
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.Runtime = time.Until(deadline)
	}

	result, err := optimize.Minimize(p, problem.Start, s, o.method)
	if result == nil {
		return ports.OptimizerResult{}, fmt.Errorf("minimize with %s: %w", o.name, err)
	}

	out := ports.OptimizerResult{
		X:           append([]float64(nil), result.X...),
		Value:       result.F,
		Evaluations: result.Stats.FuncEvaluations,
		Converged:   err == nil,
	}
	if err != nil {
		out.Message = err.Error()
		return out, nil
	}
	switch result.Status {
	case optimize.FunctionEvaluationLimit:
		out.Converged = false
		out.Message = "function evaluation limit reached"
	case optimize.RuntimeLimit:
		out.Converged = false
		out.Message = "runtime limit reached"
	case optimize.NotTerminated:
		out.Converged = false
		out.Message = "terminated without convergence"
	}
	return out, nil
}

// convergeTolerance maps the port tolerance onto the function-convergence
// test, defaulting tight enough for deviance surfaces.
func convergeTolerance(settings ports.OptimizerSettings) float64 {
	if settings.Tolerance > 0 {
		return settings.Tolerance
	}
	return 1e-9
}
