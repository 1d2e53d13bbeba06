package observation

import (
	"errors"
	"math"
	"testing"

	"golmm/domain/core"
)

func sampleObservations() []Observation {
	return []Observation{
		{Subject: "s1", Item: "i1", Condition: "related", Response: "dog", Correct: true, RTMillis: 540},
		{Subject: "s1", Item: "i2", Condition: "unrelated", Response: "cat", Correct: true, RTMillis: 610},
		{Subject: "s2", Item: "i1", Condition: "related", Response: "dog", Correct: false, RTMillis: 1200},
		{Subject: "s2", Item: "i2", Condition: "unrelated", Response: "cow", Correct: true, RTMillis: 150},
		{Subject: "s3", Item: "i1", Condition: "related", Response: "dog", Correct: true, RTMillis: 9000},
	}
}

func TestNewDatasetRejectsEmpty(t *testing.T) {
	_, err := NewDataset("test", nil)
	if !errors.Is(err, core.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestNewDatasetCopiesObservations(t *testing.T) {
	original := sampleObservations()
	ds := MustNewDataset("test", original)

	original[0].RTMillis = 1

	if ds.Observations[0].RTMillis != 540 {
		t.Fatalf("dataset shared backing storage with caller: RT = %v", ds.Observations[0].RTMillis)
	}
}

func TestFilteringNeverMutates(t *testing.T) {
	ds := MustNewDataset("test", sampleObservations())
	before := ds.Len()

	correct := ds.CorrectOnly()
	if correct.Len() != 4 {
		t.Fatalf("expected 4 correct trials, got %d", correct.Len())
	}
	if ds.Len() != before {
		t.Fatalf("source dataset mutated: len %d -> %d", before, ds.Len())
	}
	if correct.ID == ds.ID {
		t.Fatal("derived dataset should get a fresh ID")
	}
}

func TestWithinRTBoundsInclusive(t *testing.T) {
	obs := []Observation{
		{Subject: "s1", Item: "i1", Condition: "a", Correct: true, RTMillis: 200},
		{Subject: "s1", Item: "i2", Condition: "a", Correct: true, RTMillis: 199.99},
		{Subject: "s1", Item: "i3", Condition: "a", Correct: true, RTMillis: 3000},
		{Subject: "s1", Item: "i4", Condition: "a", Correct: true, RTMillis: 3000.01},
	}
	ds := MustNewDataset("test", obs)

	trimmed := ds.WithinRTBounds(200, 3000)
	if trimmed.Len() != 2 {
		t.Fatalf("bounds should be inclusive: expected 2 kept, got %d", trimmed.Len())
	}
	for _, o := range trimmed.Observations {
		if o.RTMillis < 200 || o.RTMillis > 3000 {
			t.Fatalf("trial with RT %v survived trimming", o.RTMillis)
		}
	}
}

func TestPrepareSummary(t *testing.T) {
	ds := MustNewDataset("test", sampleObservations())

	prepared, summary, err := Prepare(ds, 200, 3000, false)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if summary.TotalTrials != 5 {
		t.Errorf("expected 5 total trials, got %d", summary.TotalTrials)
	}
	if summary.IncorrectRemoved != 1 {
		t.Errorf("expected 1 incorrect trial removed, got %d", summary.IncorrectRemoved)
	}
	// 150ms and 9000ms fall outside the bounds
	if summary.OutOfBounds != 2 {
		t.Errorf("expected 2 out-of-bounds trials, got %d", summary.OutOfBounds)
	}
	if summary.Remaining != prepared.Len() || prepared.Len() != 2 {
		t.Errorf("expected 2 remaining trials, got summary=%d dataset=%d", summary.Remaining, prepared.Len())
	}
	if len(summary.ByCondition) != 2 {
		t.Fatalf("expected summaries for 2 conditions, got %d", len(summary.ByCondition))
	}
	if summary.ByCondition[0].Condition != "related" {
		t.Errorf("condition summaries should be alphabetical, got %q first", summary.ByCondition[0].Condition)
	}
}

func TestPrepareAllTrimmedIsError(t *testing.T) {
	ds := MustNewDataset("test", sampleObservations())
	_, _, err := Prepare(ds, 100000, 200000, false)
	if !errors.Is(err, core.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset when everything is trimmed, got %v", err)
	}
}

func TestConditionFactorAlphabeticDefault(t *testing.T) {
	ds := MustNewDataset("test", []Observation{
		{Subject: "s1", Item: "i1", Condition: "zebra", Correct: true, RTMillis: 500},
		{Subject: "s1", Item: "i2", Condition: "apple", Correct: true, RTMillis: 500},
		{Subject: "s1", Item: "i3", Condition: "mango", Correct: true, RTMillis: 500},
	})

	factor, err := ConditionFactor(ds)
	if err != nil {
		t.Fatalf("ConditionFactor failed: %v", err)
	}
	want := []string{"apple", "mango", "zebra"}
	for i, level := range want {
		if factor.Levels[i] != level {
			t.Fatalf("expected alphabetic order %v, got %v", want, factor.Levels)
		}
	}
}

func TestFactorValidateUnknownLevel(t *testing.T) {
	ds := MustNewDataset("test", sampleObservations())
	factor, _ := NewFactor("condition", []string{"related", "neutral"})

	err := factor.Validate(ds)
	if !errors.Is(err, core.ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel for 'unrelated', got %v", err)
	}
}

func TestNewFactorRejectsDuplicates(t *testing.T) {
	if _, err := NewFactor("f", []string{"a", "a"}); err == nil {
		t.Fatal("expected duplicate level to be rejected")
	}
	if _, err := NewFactor("f", []string{"a"}); err == nil {
		t.Fatal("expected single-level factor to be rejected")
	}
}

func TestTransforms(t *testing.T) {
	tests := []struct {
		transform Transform
		input     float64
		want      float64
		wantErr   bool
	}{
		{TransformIdentity, 500, 500, false},
		{TransformReciprocal, 500, 0.002, false},
		{TransformLog, math.E, 1, false},
		{TransformReciprocal, 0, 0, true},
		{TransformReciprocal, -5, 0, true},
		{TransformLog, 0, 0, true},
		{TransformLog, -1, 0, true},
	}
	for _, test := range tests {
		got, err := test.transform.Apply(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("%s(%v): expected error", test.transform, test.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s(%v): unexpected error %v", test.transform, test.input, err)
			continue
		}
		if math.Abs(got-test.want) > 1e-12 {
			t.Errorf("%s(%v) = %v, want %v", test.transform, test.input, got, test.want)
		}
	}
}

func TestOutcomeVectorAccuracy(t *testing.T) {
	ds := MustNewDataset("test", sampleObservations())

	y, err := OutcomeVector(ds, OutcomeAccuracy, TransformIdentity)
	if err != nil {
		t.Fatalf("OutcomeVector failed: %v", err)
	}
	want := []float64{1, 1, 0, 1, 1}
	for i := range want {
		if y[i] != want[i] {
			t.Fatalf("accuracy outcome %v, want %v", y, want)
		}
	}

	if _, err := OutcomeVector(ds, OutcomeAccuracy, TransformLog); err == nil {
		t.Fatal("accuracy outcome should reject non-identity transforms")
	}
}

func TestDatasetHashStable(t *testing.T) {
	obs := sampleObservations()
	a := MustNewDataset("test", obs)
	b := MustNewDataset("test", obs)
	if a.Hash() != b.Hash() {
		t.Fatal("identical observation sequences should hash identically")
	}

	c := a.CorrectOnly()
	if a.Hash() == c.Hash() {
		t.Fatal("different observation sequences should hash differently")
	}
}
