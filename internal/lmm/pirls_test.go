package lmm

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/observation"
)

// accuracyFixture builds a balanced two-condition dataset whose correctness
// flag is decided by the given rule.
func accuracyFixture(t *testing.T, subjects, items int, correct func(s, i int, cond string) bool) contrast.CodedDataset {
	t.Helper()
	conditions := []string{"a", "b"}
	var trials []observation.Observation
	for s := 0; s < subjects; s++ {
		for i := 0; i < items; i++ {
			for _, cond := range conditions {
				obs, err := observation.NewObservation(
					fmt.Sprintf("s%02d", s+1), fmt.Sprintf("w%02d", i+1), cond, "",
					correct(s, i, cond), 600)
				if err != nil {
					t.Fatalf("NewObservation: %v", err)
				}
				trials = append(trials, obs)
			}
		}
	}
	ds := observation.MustNewDataset("accuracy-fixture", trials)
	factor, err := observation.NewFactor("condition", conditions)
	if err != nil {
		t.Fatalf("NewFactor: %v", err)
	}
	codes := make([]float64, ds.Len())
	for idx, obs := range ds.Observations {
		if obs.Condition == "b" {
			codes[idx] = 1
		} else {
			codes[idx] = -1
		}
	}
	return contrast.CodedDataset{
		Dataset: ds,
		Factor:  factor,
		Columns: []contrast.CodedColumn{{Name: "cond", Values: codes}},
	}
}

func binomialSpec(t *testing.T) model.Spec {
	t.Helper()
	spec, err := model.NewSpec(observation.OutcomeAccuracy, observation.TransformIdentity,
		model.FamilyBinomial, model.LinkLogit, []string{"cond"}, []model.RandomSpec{
			{Grouping: model.GroupBySubject},
			{Grouping: model.GroupByItem},
		}, false)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}
	return spec
}

func TestCompleteSeparationIsDegenerate(t *testing.T) {
	// Condition perfectly predicts correctness, so the fixed slope has no
	// finite maximum likelihood estimate.
	data := accuracyFixture(t, 4, 3, func(s, i int, cond string) bool {
		return cond == "b"
	})
	des, err := newDesign(data, binomialSpec(t))
	if err != nil {
		t.Fatalf("newDesign: %v", err)
	}
	eval := newLaplaceEvaluator(des, model.FamilyBinomial, model.LinkLogit)

	_, err = eval.evaluate([]float64{1, 1})
	if err == nil {
		t.Fatal("expected separation to surface as an error")
	}
	if !errors.Is(err, core.ErrDegenerateFit) {
		t.Errorf("error = %v, want ErrDegenerateFit", err)
	}
}

func TestMixedAccuracyEvaluatesFinite(t *testing.T) {
	// Correctness varies within every condition, subject, and item, so the
	// reweighting loop has a finite joint mode to find.
	data := accuracyFixture(t, 4, 3, func(s, i int, cond string) bool {
		parity := s + i
		if cond == "b" {
			parity++
		}
		return parity%2 == 0
	})
	des, err := newDesign(data, binomialSpec(t))
	if err != nil {
		t.Fatalf("newDesign: %v", err)
	}
	eval := newLaplaceEvaluator(des, model.FamilyBinomial, model.LinkLogit)

	prof, err := eval.evaluate([]float64{1, 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if math.IsNaN(prof.deviance) || math.IsInf(prof.deviance, 0) {
		t.Fatalf("deviance = %v", prof.deviance)
	}
	if prof.sigma2 != 1 {
		t.Errorf("sigma2 = %v, binomial scale is fixed at 1", prof.sigma2)
	}
	for i, m := range prof.fitted {
		if m <= 0 || m >= 1 {
			t.Fatalf("fitted[%d] = %v, want a probability strictly inside (0,1)", i, m)
		}
	}
}

func TestGammaLogLinkEvaluatesFinite(t *testing.T) {
	data := codedFixture(t, 4, 3)
	spec, err := model.NewSpec(observation.OutcomeRT, observation.TransformIdentity,
		model.FamilyGamma, model.LinkLog, []string{"cond"}, []model.RandomSpec{
			{Grouping: model.GroupBySubject},
			{Grouping: model.GroupByItem},
		}, false)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}
	des, err := newDesign(data, spec)
	if err != nil {
		t.Fatalf("newDesign: %v", err)
	}
	eval := newLaplaceEvaluator(des, model.FamilyGamma, model.LinkLog)

	prof, err := eval.evaluate([]float64{0.1, 0.1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if math.IsNaN(prof.deviance) || math.IsInf(prof.deviance, 0) {
		t.Fatalf("deviance = %v", prof.deviance)
	}
	for i, m := range prof.fitted {
		if m <= 0 {
			t.Fatalf("fitted[%d] = %v, want positive gamma mean", i, m)
		}
	}
	// Fitted log means should sit near the log of the 523 ms grand mean.
	mean := 0.0
	for _, m := range prof.fitted {
		mean += math.Log(m)
	}
	mean /= float64(len(prof.fitted))
	if mean < 6 || mean > 6.6 {
		t.Errorf("mean fitted log response = %v, want near %v", mean, math.Log(523.5))
	}
}
