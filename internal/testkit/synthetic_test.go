package testkit

import (
	"math"
	"testing"
)

func TestGeneratorIsDeterministic(t *testing.T) {
	cfg := DefaultTrialConfig()

	first, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	second, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}

	a, err := first.GenerateTrials()
	if err != nil {
		t.Fatalf("GenerateTrials: %v", err)
	}
	b, err := second.GenerateTrials()
	if err != nil {
		t.Fatalf("GenerateTrials: %v", err)
	}
	if a.Hash() != b.Hash() {
		t.Error("same seed produced different trial data")
	}

	cfg.Seed = 99
	other, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	c, err := other.GenerateTrials()
	if err != nil {
		t.Fatalf("GenerateTrials: %v", err)
	}
	if a.Hash() == c.Hash() {
		t.Error("different seeds produced identical trial data")
	}
}

func TestGeneratedDesignIsFullyCrossed(t *testing.T) {
	cfg := DefaultTrialConfig()
	cfg.SubjectCount = 6
	cfg.ItemCount = 4
	cfg.Replicates = 2

	gen, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	ds, err := gen.GenerateTrials()
	if err != nil {
		t.Fatalf("GenerateTrials: %v", err)
	}

	want := 6 * 4 * len(cfg.Conditions) * 2
	if ds.Len() != want {
		t.Errorf("trial count = %d, want %d", ds.Len(), want)
	}
	if got := len(ds.Subjects()); got != 6 {
		t.Errorf("subject count = %d, want 6", got)
	}
	if got := len(ds.Items()); got != 4 {
		t.Errorf("item count = %d, want 4", got)
	}
	if got := len(ds.Conditions()); got != len(cfg.Conditions) {
		t.Errorf("condition count = %d, want %d", got, len(cfg.Conditions))
	}
}

func TestTrueParametersMatchConfiguredMeans(t *testing.T) {
	gen, err := NewTrialGenerator(DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}

	if got := gen.TrueIntercept(); math.Abs(got-610) > 1e-12 {
		t.Errorf("true intercept = %v, want 610", got)
	}

	names := gen.ContrastNames()
	if len(names) != 1 || names[0] != "unrelated_vs_mean" {
		t.Fatalf("contrast names = %v, want [unrelated_vs_mean]", names)
	}
	if got := gen.TrueSlope(0); math.Abs(got-10) > 1e-12 {
		t.Errorf("true slope = %v, want 10", got)
	}
}

func TestCodedTrialsCarrySumCodes(t *testing.T) {
	cfg := DefaultTrialConfig()
	cfg.SubjectCount = 3
	cfg.ItemCount = 2

	gen, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	coded, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}

	if len(coded.Columns) != 1 {
		t.Fatalf("expected 1 coded column, got %d", len(coded.Columns))
	}
	col := coded.Columns[0]
	sum := 0.0
	for i, obs := range coded.Dataset.Observations {
		want := -1.0
		if obs.Condition == "unrelated" {
			want = 1.0
		}
		if math.Abs(col.Values[i]-want) > 1e-9 {
			t.Fatalf("trial %d (%s): code = %v, want %v", i, obs.Condition, col.Values[i], want)
		}
		sum += col.Values[i]
	}
	if math.Abs(sum) > 1e-9 {
		t.Errorf("balanced sum codes should total zero, got %v", sum)
	}
}

func TestAccuracyTrialsFollowConditionLogOdds(t *testing.T) {
	cfg := DefaultTrialConfig()
	cfg.SubjectCount = 40
	cfg.ItemCount = 20

	gen, err := NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	ds, err := gen.GenerateAccuracyTrials()
	if err != nil {
		t.Fatalf("GenerateAccuracyTrials: %v", err)
	}

	rates := map[string]float64{}
	counts := map[string]float64{}
	for _, obs := range ds.Observations {
		counts[obs.Condition]++
		if obs.Correct {
			rates[obs.Condition]++
		}
	}
	related := rates["related"] / counts["related"]
	unrelated := rates["unrelated"] / counts["unrelated"]

	// Log odds of 2.2 vs 1.4 put the true rates near 0.90 and 0.80.
	if related <= unrelated {
		t.Errorf("related accuracy %v should exceed unrelated %v", related, unrelated)
	}
	if related < 0.82 || related > 0.97 {
		t.Errorf("related accuracy = %v, want near 0.90", related)
	}
	if unrelated < 0.70 || unrelated > 0.90 {
		t.Errorf("unrelated accuracy = %v, want near 0.80", unrelated)
	}
}
