package optim

import (
	"context"
	"math"
	"testing"

	"golmm/ports"
)

func sphere(center []float64) ports.ObjectiveFunc {
	return func(x []float64) float64 {
		sum := 0.0
		for i := range x {
			d := x[i] - center[i]
			sum += d * d
		}
		return sum
	}
}

func TestFactoryKnowsEveryPanelName(t *testing.T) {
	factory := NewFactory()
	for _, name := range factory.Available() {
		opt, err := factory.New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if opt.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, opt.Name())
		}
	}
	if _, err := factory.New("annealing"); err == nil {
		t.Error("expected an error for an unknown optimizer")
	}
}

func TestFactoryAliases(t *testing.T) {
	factory := NewFactory()
	for alias, want := range map[string]string{
		"Nelder-Mead":        "neldermead",
		"  bfgs ":            "bfgs",
		"l-bfgs":             "lbfgs",
		"conjugate_gradient": "cg",
		"bounded-quadratic":  "quadapprox",
	} {
		opt, err := factory.New(alias)
		if err != nil {
			t.Fatalf("New(%q): %v", alias, err)
		}
		if opt.Name() != want {
			t.Errorf("New(%q).Name() = %q, want %q", alias, opt.Name(), want)
		}
	}
}

func TestFactoryReturnsFreshInstances(t *testing.T) {
	factory := NewFactory()
	a, _ := factory.New("quadapprox")
	b, _ := factory.New("quadapprox")
	if a == b {
		t.Error("factory must not share optimizer instances")
	}
}

func TestQuadApproxFindsUnconstrainedMinimum(t *testing.T) {
	q := NewQuadApprox()
	result, err := q.Minimize(context.Background(), ports.Problem{
		Objective: sphere([]float64{3, -1}),
		Start:     []float64{0, 0},
	}, ports.OptimizerSettings{MaxEvaluations: 10000})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if !result.Converged {
		t.Fatalf("did not converge: %s", result.Message)
	}
	if math.Abs(result.X[0]-3) > 1e-4 || math.Abs(result.X[1]+1) > 1e-4 {
		t.Errorf("minimum at %v, want (3, -1)", result.X)
	}
	if result.Value > 1e-7 {
		t.Errorf("objective %v at reported minimum", result.Value)
	}
}

func TestQuadApproxHonorsLowerBounds(t *testing.T) {
	q := NewQuadApprox()
	result, err := q.Minimize(context.Background(), ports.Problem{
		Objective:   sphere([]float64{3, -1}),
		Start:       []float64{5, 0},
		LowerBounds: []float64{4, 0},
	}, ports.OptimizerSettings{MaxEvaluations: 10000})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if result.X[0] < 4-1e-12 || result.X[1] < -1e-12 {
		t.Errorf("solution %v violates lower bounds [4, 0]", result.X)
	}
	if math.Abs(result.X[0]-4) > 1e-4 || math.Abs(result.X[1]) > 1e-4 {
		t.Errorf("bounded minimum at %v, want (4, 0)", result.X)
	}
}

func TestQuadApproxToleratesInfeasibleRegions(t *testing.T) {
	// +Inf outside the unit disc around (0.5, 0.5); minimum inside.
	objective := func(x []float64) float64 {
		dx, dy := x[0]-0.5, x[1]-0.5
		if dx*dx+dy*dy > 1 {
			return math.Inf(1)
		}
		return dx*dx + dy*dy
	}
	q := NewQuadApprox()
	result, err := q.Minimize(context.Background(), ports.Problem{
		Objective: objective,
		Start:     []float64{0.1, 0.1},
	}, ports.OptimizerSettings{MaxEvaluations: 10000})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if math.Abs(result.X[0]-0.5) > 1e-3 || math.Abs(result.X[1]-0.5) > 1e-3 {
		t.Errorf("minimum at %v, want (0.5, 0.5)", result.X)
	}
}

func TestQuadApproxRespectsEvaluationCap(t *testing.T) {
	q := NewQuadApprox()
	result, err := q.Minimize(context.Background(), ports.Problem{
		Objective: sphere([]float64{100, 100, 100, 100}),
		Start:     []float64{0, 0, 0, 0},
	}, ports.OptimizerSettings{MaxEvaluations: 25})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if result.Converged {
		t.Error("capped run must not report convergence")
	}
	if result.Evaluations > 25 {
		t.Errorf("used %d evaluations, cap was 25", result.Evaluations)
	}
}

func TestQuadApproxStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := NewQuadApprox()
	_, err := q.Minimize(ctx, ports.Problem{
		Objective: sphere([]float64{1}),
		Start:     []float64{0},
	}, ports.OptimizerSettings{MaxEvaluations: 100})
	if err == nil {
		t.Error("expected an error when cancelled before the first evaluation")
	}
}

func TestGonumAdapterMinimizesSmoothObjective(t *testing.T) {
	factory := NewFactory()
	for _, name := range []string{"neldermead", "bfgs"} {
		opt, err := factory.New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		result, err := opt.Minimize(context.Background(), ports.Problem{
			Objective: sphere([]float64{2, -3}),
			Start:     []float64{0, 0},
		}, ports.OptimizerSettings{MaxEvaluations: 5000})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if math.Abs(result.X[0]-2) > 1e-3 || math.Abs(result.X[1]+3) > 1e-3 {
			t.Errorf("%s: minimum at %v, want (2, -3)", name, result.X)
		}
	}
}

func TestGonumAdapterRejectsUnusableProblems(t *testing.T) {
	opt, _ := NewFactory().New("neldermead")

	if _, err := opt.Minimize(context.Background(), ports.Problem{
		Objective: sphere(nil),
		Start:     nil,
	}, ports.OptimizerSettings{}); err == nil {
		t.Error("expected an error for an empty start point")
	}

	nan := func(x []float64) float64 { return math.NaN() }
	if _, err := opt.Minimize(context.Background(), ports.Problem{
		Objective: nan,
		Start:     []float64{1},
	}, ports.OptimizerSettings{}); err == nil {
		t.Error("expected an error for a NaN objective at the start")
	}
}

func TestParabolicMinimumInterpolation(t *testing.T) {
	// f(x) = (x-0.3)^2 sampled at -1, 0, 1.
	v, ok := parabolicMinimum(-1, 1.69, 0, 0.09, 1, 0.49)
	if !ok {
		t.Fatal("convex points should be usable")
	}
	if math.Abs(v-0.3) > 1e-12 {
		t.Errorf("vertex = %v, want 0.3", v)
	}

	// Concave points have a maximum, not a minimum.
	if _, ok := parabolicMinimum(-1, -1, 0, 0, 1, -1); ok {
		t.Error("concave points must be rejected")
	}

	// Flat line has no curvature to exploit.
	if _, ok := parabolicMinimum(-1, 5, 0, 5, 1, 5); ok {
		t.Error("flat points must be rejected")
	}
}
