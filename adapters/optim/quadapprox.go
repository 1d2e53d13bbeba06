package optim

import (
	"context"
	"errors"
	"math"

	"golmm/ports"
)

// QuadApprox is a deterministic bound-constrained minimizer built on
// successive one-dimensional quadratic approximations. Each cycle sweeps the
// coordinates, interpolates a parabola through three points along the
// coordinate, and jumps to the parabola's minimum clamped to the bounds and
// a trust region; coordinates that stop improving have their step shrunk.
// It needs no derivatives and tolerates objectives that return +Inf at
// infeasible points, which makes it the retry optimizer of last resort for
// hard deviance surfaces.
type QuadApprox struct {
	InitialStep float64
	StepShrink  float64
	MinStep     float64
	Improvement float64
}

// NewQuadApprox creates the search with its standard tuning
func NewQuadApprox() *QuadApprox {
	return &QuadApprox{
		InitialStep: 0.25,
		StepShrink:  0.5,
		MinStep:     1e-8,
		Improvement: 1e-12,
	}
}

func (q *QuadApprox) Name() string {
	return "quadapprox"
}

// Minimize runs coordinate sweeps until every step length falls below the
// minimum, the evaluation cap is reached, or the context is cancelled.
func (q *QuadApprox) Minimize(ctx context.Context, problem ports.Problem, settings ports.OptimizerSettings) (ports.OptimizerResult, error) {
	dim := len(problem.Start)
	if dim == 0 {
		return ports.OptimizerResult{}, errors.New("minimize: empty start point")
	}

	lower := problem.LowerBounds
	clamp := func(j int, v float64) float64 {
		if lower != nil && v < lower[j] {
			return lower[j]
		}
		return v
	}

	maxEval := settings.MaxEvaluations
	if maxEval <= 0 {
		maxEval = 200000
	}
	evals := 0
	eval := func(x []float64) (float64, bool) {
		if evals >= maxEval || ctx.Err() != nil {
			return 0, false
		}
		evals++
		return problem.Objective(x), true
	}

	x := make([]float64, dim)
	for j := range x {
		x[j] = clamp(j, problem.Start[j])
	}
	fx, ok := eval(x)
	if !ok {
		return ports.OptimizerResult{}, errors.New("minimize: no budget for the first evaluation")
	}
	if math.IsNaN(fx) || math.IsInf(fx, 0) {
		return ports.OptimizerResult{}, errors.New("minimize: objective is not finite at the start point")
	}

	steps := make([]float64, dim)
	for j := range steps {
		steps[j] = q.InitialStep * math.Max(1, math.Abs(x[j]))
	}

	result := func(converged bool, message string) ports.OptimizerResult {
		return ports.OptimizerResult{
			X:           append([]float64(nil), x...),
			Value:       fx,
			Evaluations: evals,
			Converged:   converged,
			Message:     message,
		}
	}

	trial := make([]float64, dim)
	for {
		improvedCycle := false
		for j := 0; j < dim; j++ {
			if ctx.Err() != nil {
				return result(false, "context cancelled"), nil
			}
			if steps[j] < q.MinStep*math.Max(1, math.Abs(x[j])) {
				continue
			}

			copy(trial, x)
			a := clamp(j, x[j]-steps[j])
			b := x[j] + steps[j]

			trial[j] = a
			fa, ok := eval(trial)
			if !ok {
				return result(false, "function evaluation limit reached"), nil
			}
			trial[j] = b
			fb, ok := eval(trial)
			if !ok {
				return result(false, "function evaluation limit reached"), nil
			}

			bestX, bestF := x[j], fx
			if fa < bestF {
				bestX, bestF = a, fa
			}
			if fb < bestF {
				bestX, bestF = b, fb
			}

			if v, usable := parabolicMinimum(a, fa, x[j], fx, b, fb); usable {
				v = clamp(j, v)
				// Keep the jump inside a trust region around the current
				// point so a bad interpolation cannot fling the search.
				if v < x[j]-2*steps[j] {
					v = x[j] - 2*steps[j]
				}
				if v > x[j]+2*steps[j] {
					v = x[j] + 2*steps[j]
				}
				v = clamp(j, v)
				if v != a && v != b && v != x[j] {
					trial[j] = v
					if fv, ok := eval(trial); ok && fv < bestF {
						bestX, bestF = v, fv
					} else if !ok {
						return result(false, "function evaluation limit reached"), nil
					}
				}
			}

			if bestF < fx-q.Improvement*math.Max(1, math.Abs(fx)) {
				x[j] = bestX
				fx = bestF
				improvedCycle = true
			} else {
				steps[j] *= q.StepShrink
			}
		}

		done := true
		for j := range steps {
			if steps[j] >= q.MinStep*math.Max(1, math.Abs(x[j])) {
				done = false
				break
			}
		}
		if done {
			return result(true, ""), nil
		}
		if !improvedCycle {
			// Keep shrinking until the steps collapse; the next sweeps are
			// cheap because shrunk coordinates are skipped.
			continue
		}
	}
}

// parabolicMinimum interpolates a parabola through three points along one
// coordinate and returns its vertex. The fit is unusable when the points
// are non-convex or collapse onto each other.
func parabolicMinimum(a, fa, m, fm, b, fb float64) (float64, bool) {
	if math.IsInf(fa, 0) || math.IsInf(fb, 0) || math.IsInf(fm, 0) {
		return 0, false
	}
	d1 := (m - a) * (fm - fb)
	d2 := (m - b) * (fm - fa)
	denom := 2 * (d1 - d2)
	// A convex interpolant has a strictly negative denominator here; zero or
	// positive means the three points describe a flat line or a maximum.
	if denom >= 0 {
		return 0, false
	}
	num := (m-a)*(m-a)*(fm-fb) - (m-b)*(m-b)*(fm-fa)
	return m - num/denom, true
}
