package models

import (
	"math"
	"testing"
	"time"

	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/report"
	"golmm/ports"
)

func TestJSONBMap_ValueScan(t *testing.T) {
	tests := []struct {
		name  string
		input JSONBMap
	}{
		{name: "flat map", input: JSONBMap{"alpha": 0.05, "family": "gaussian"}},
		{name: "nested map", input: JSONBMap{"trimming": map[string]interface{}{"total": float64(576)}}},
		{name: "empty map", input: JSONBMap{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := tt.input.Value()
			if err != nil {
				t.Fatalf("Value() error: %v", err)
			}

			var scanned JSONBMap
			if err := scanned.Scan(value); err != nil {
				t.Fatalf("Scan() error: %v", err)
			}
			if len(scanned) != len(tt.input) {
				t.Errorf("round trip changed size: got %d, want %d", len(scanned), len(tt.input))
			}
		})
	}
}

func TestJSONBMap_NilHandling(t *testing.T) {
	var nilMap JSONBMap
	value, err := nilMap.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if value != nil {
		t.Errorf("nil map should produce a nil driver value, got %v", value)
	}

	var scanned JSONBMap
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if scanned == nil {
		t.Error("Scan(nil) should leave an empty, usable map")
	}

	if err := scanned.Scan(`{"source":"text"}`); err != nil {
		t.Fatalf("Scan(string) error: %v", err)
	}
	if scanned["source"] != "text" {
		t.Errorf("Scan(string) lost content: %v", scanned)
	}
}

func TestAnalysisRunRoundTrip(t *testing.T) {
	completed := core.NewTimestamp(time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC))
	record := ports.RunRecord{
		ID:          core.RunID("run-7"),
		Fingerprint: core.Hash("fp-abc"),
		DatasetHash: core.Hash("ds-def"),
		Formula:     "rt ~ 1 + prime + (1 | subject)",
		Status:      ports.RunCompleted,
		State:       model.StateReported,
		Error:       "",
		StartedAt:   core.NewTimestamp(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)),
		CompletedAt: &completed,
	}

	row := NewAnalysisRun(record)
	if row.Error.Valid {
		t.Error("empty error must map to a null column")
	}
	if row.CompletedAt == nil {
		t.Fatal("completed_at lost in conversion")
	}

	back := row.ToRecord()
	if back.ID != record.ID || back.Fingerprint != record.Fingerprint || back.DatasetHash != record.DatasetHash {
		t.Errorf("identity fields changed: %+v", back)
	}
	if back.Status != ports.RunCompleted || back.State != model.StateReported {
		t.Errorf("lifecycle fields changed: status %s, state %s", back.Status, back.State)
	}
	if !back.StartedAt.Time().Equal(record.StartedAt.Time()) {
		t.Errorf("started_at changed: %v", back.StartedAt)
	}
	if back.CompletedAt == nil || !back.CompletedAt.Time().Equal(completed.Time()) {
		t.Errorf("completed_at changed: %v", back.CompletedAt)
	}
}

func TestAnalysisRunFailedRun(t *testing.T) {
	record := ports.RunRecord{
		ID:        core.RunID("run-8"),
		Status:    ports.RunFailed,
		Error:     "convergence failure after retries",
		StartedAt: core.Now(),
	}

	row := NewAnalysisRun(record)
	if !row.Error.Valid || row.Error.String != record.Error {
		t.Errorf("failure reason lost: %+v", row.Error)
	}
	if row.CompletedAt != nil {
		t.Error("unfinished run must keep a null completed_at")
	}

	back := row.ToRecord()
	if back.Error != record.Error {
		t.Errorf("failure reason changed: %q", back.Error)
	}
	if back.CompletedAt != nil {
		t.Errorf("completed_at invented: %v", back.CompletedAt)
	}
}

func TestModelReportRecordRoundTrip(t *testing.T) {
	rep := report.ModelReport{
		ID:      core.ReportID("rep-1"),
		RunID:   core.RunID("run-7"),
		Formula: "rt ~ 1 + prime + (1 | subject) + (1 | item)",
		Family:  "gaussian",
		Link:    "identity",
		Outcome: "rt",
		NumObs:  540,
		FixedEffects: []report.FixedEffectRow{
			{Term: "(Intercept)", Estimate: 612.3, StdError: 9.1, Statistic: 67.3, PValue: 1e-12, Significant: true},
			{Term: "degenerate", Estimate: 2.0, StdError: 0, Statistic: math.NaN(), PValue: 1},
		},
		Indices: report.FitIndices{AIC: 6410.2, BIC: 6436.0, LogLik: -3199.1},
		Comparisons: []report.ComparisonRecord{
			{Term: "prime", Statistic: 9.4, DF: 1, PValue: 0.0021, Retained: true},
		},
		Provisional: true,
		Alpha:       0.05,
		CreatedAt:   core.NewTimestamp(time.Date(2026, 3, 14, 10, 35, 0, 0, time.UTC)),
	}

	row, err := NewModelReportRecord(rep)
	if err != nil {
		t.Fatalf("NewModelReportRecord error: %v", err)
	}
	if row.ID != "rep-1" || row.RunID != "run-7" {
		t.Errorf("row identity wrong: %s / %s", row.ID, row.RunID)
	}
	if row.Formula != rep.Formula {
		t.Errorf("formula column = %q", row.Formula)
	}
	if _, ok := row.Payload["fixed_effects"]; !ok {
		t.Error("payload missing fixed_effects")
	}

	back, err := row.ToReport()
	if err != nil {
		t.Fatalf("ToReport error: %v", err)
	}
	if back.ID != rep.ID || back.RunID != rep.RunID || back.Formula != rep.Formula {
		t.Errorf("identity fields changed: %+v", back)
	}
	if back.NumObs != rep.NumObs || !back.Provisional || back.Alpha != rep.Alpha {
		t.Errorf("scalar fields changed: %+v", back)
	}
	if len(back.FixedEffects) != 2 {
		t.Fatalf("fixed effects lost: %d rows", len(back.FixedEffects))
	}
	if back.FixedEffects[0].Estimate != 612.3 || !back.FixedEffects[0].Significant {
		t.Errorf("first fixed effect changed: %+v", back.FixedEffects[0])
	}
	if !math.IsNaN(back.FixedEffects[1].Statistic) {
		t.Errorf("zero-SE statistic = %v, want NaN after JSONB round trip", back.FixedEffects[1].Statistic)
	}
	if len(back.Comparisons) != 1 || back.Comparisons[0].Term != "prime" {
		t.Errorf("comparisons changed: %+v", back.Comparisons)
	}
	if !back.CreatedAt.Time().Equal(rep.CreatedAt.Time()) {
		t.Errorf("created_at changed: %v", back.CreatedAt)
	}
}
