package lmm

import (
	"math"
	"testing"

	"golmm/domain/model"
)

func TestThetaTemplateLayout(t *testing.T) {
	groups := []grouping{
		{name: model.GroupBySubject, nLevels: 4, dim: 3, correlated: true},
		{name: model.GroupByItem, nLevels: 5, dim: 2, correlated: false},
	}

	if got := totalTheta(groups); got != 6+2 {
		t.Fatalf("totalTheta = %d, want 8", got)
	}

	theta := initialTheta(groups)
	wantTheta := []float64{1, 0, 0, 1, 0, 1, 1, 1}
	for i, w := range wantTheta {
		if theta[i] != w {
			t.Errorf("initialTheta[%d] = %v, want %v", i, theta[i], w)
		}
	}

	bounds := thetaLowerBounds(groups)
	negInf := math.Inf(-1)
	wantBounds := []float64{0, negInf, negInf, 0, negInf, 0, 0, 0}
	for i, w := range wantBounds {
		if bounds[i] != w {
			t.Errorf("bounds[%d] = %v, want %v", i, bounds[i], w)
		}
	}
}

func TestBuildLambdaReplicatesTemplatePerLevel(t *testing.T) {
	groups := []grouping{
		{name: model.GroupBySubject, nLevels: 2, dim: 2, correlated: true},
	}
	theta := []float64{0.5, 0.3, 0.8}

	lambda := buildLambda(groups, theta, 4)

	want := [][]float64{
		{0.5, 0, 0, 0},
		{0.3, 0.8, 0, 0},
		{0, 0, 0.5, 0},
		{0, 0, 0.3, 0.8},
	}
	for i := range want {
		for j := range want[i] {
			if got := lambda.At(i, j); math.Abs(got-want[i][j]) > 1e-15 {
				t.Errorf("lambda[%d,%d] = %v, want %v", i, j, got, want[i][j])
			}
		}
	}
}

func TestCanonicalizeThetaFlipsNegativeColumns(t *testing.T) {
	correlated := []grouping{
		{name: model.GroupBySubject, nLevels: 3, dim: 2, correlated: true},
	}
	got := canonicalizeTheta(correlated, []float64{-2, 4, 3})
	want := []float64{2, -4, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("canonical[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	diagonal := []grouping{
		{name: model.GroupByItem, nLevels: 3, dim: 2, correlated: false},
	}
	got = canonicalizeTheta(diagonal, []float64{-1, -0.5})
	want = []float64{1, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("canonical diagonal[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCanonicalizeDoesNotMutateInput(t *testing.T) {
	groups := []grouping{
		{name: model.GroupBySubject, nLevels: 2, dim: 1, correlated: false},
	}
	theta := []float64{-3}
	_ = canonicalizeTheta(groups, theta)
	if theta[0] != -3 {
		t.Errorf("input theta mutated to %v", theta[0])
	}
}

func TestCovarianceFromThetaScalesTemplate(t *testing.T) {
	g := grouping{name: model.GroupBySubject, nLevels: 4, dim: 2, correlated: true}
	cov := covarianceFromTheta(g, []float64{2, 1, 3}, 2.0)

	// T = [[2,0],[1,3]], T Tᵀ = [[4,2],[2,10]], scaled by 2.
	want := [][]float64{{8, 4}, {4, 20}}
	for i := range want {
		for j := range want[i] {
			if got := cov.At(i, j); math.Abs(got-want[i][j]) > 1e-12 {
				t.Errorf("cov[%d,%d] = %v, want %v", i, j, got, want[i][j])
			}
		}
	}
}

func TestDevianceInvariantUnderColumnSignFlips(t *testing.T) {
	data := codedFixture(t, 4, 3)
	spec := gaussianSpec(t, []string{"cond"}, []model.RandomSpec{
		{Grouping: model.GroupBySubject, Slopes: []string{"cond"}, Correlated: true},
	}, false)
	des, err := newDesign(data, spec)
	if err != nil {
		t.Fatalf("newDesign: %v", err)
	}
	eval := newDevianceEvaluator(des, false)

	theta := []float64{0.5, 0.3, 0.4}
	base, err := eval.evaluate(theta)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// Flipping the first template column negates theta[0] and theta[1].
	flipped, err := eval.evaluate([]float64{-0.5, -0.3, 0.4})
	if err != nil {
		t.Fatalf("evaluate flipped: %v", err)
	}
	if math.Abs(base.deviance-flipped.deviance) > 1e-9 {
		t.Errorf("deviance changed under column sign flip: %v vs %v",
			base.deviance, flipped.deviance)
	}

	canonical := canonicalizeTheta(des.groups, []float64{-0.5, -0.3, 0.4})
	for i, w := range theta {
		if math.Abs(canonical[i]-w) > 1e-15 {
			t.Errorf("canonical[%d] = %v, want %v", i, canonical[i], w)
		}
	}
}
