package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/observation"
	"golmm/internal"
	"golmm/internal/pipeline"
	"golmm/internal/testkit"
	"golmm/ports"
)

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.OptimizerPanel = []string{"neldermead", "bfgs"}
	cfg.RetryMaxEvaluations = 40000
	cfg.MaxWorkers = 2
	return cfg
}

func quietPipeline(t *testing.T, kit *testkit.TestKit, cfg pipeline.Config) (*pipeline.Pipeline, *testkit.ProgressRecorder) {
	t.Helper()
	recorder := testkit.NewProgressRecorder()
	p := pipeline.New(kit.Fitter(), kit.LedgerAdapter(), cfg,
		pipeline.WithProgress(recorder),
		pipeline.WithLogger(internal.NewLogger(internal.LogLevelError)))
	return p, recorder
}

func rtRequest(t *testing.T, reml bool) pipeline.Request {
	t.Helper()
	gen, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	data, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}
	spec, err := gen.InterceptsRTSpec(reml)
	if err != nil {
		t.Fatalf("InterceptsRTSpec: %v", err)
	}
	return pipeline.Request{Data: data, Spec: spec}
}

func assertLegalStateSequence(t *testing.T, states []string) {
	t.Helper()
	if len(states) == 0 {
		t.Fatal("no stage events published")
	}
	if states[0] != string(model.StateMaximal) {
		t.Fatalf("first published state = %q, want %q", states[0], model.StateMaximal)
	}
	if states[len(states)-1] != string(model.StateReported) {
		t.Fatalf("last published state = %q, want %q", states[len(states)-1], model.StateReported)
	}
	for i := 1; i < len(states); i++ {
		from, to := model.State(states[i-1]), model.State(states[i])
		if !model.CanTransition(from, to) {
			t.Fatalf("published illegal transition %s -> %s", from, to)
		}
	}
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	kit := testkit.NewTestKit()
	p, recorder := quietPipeline(t, kit, testConfig())

	req := rtRequest(t, true)
	req.RunID = core.NewRunID()

	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.RunID != req.RunID {
		t.Fatalf("run ID = %s, want the assigned %s", out.RunID, req.RunID)
	}

	rec, err := kit.LedgerAdapter().GetRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != ports.RunCompleted {
		t.Errorf("run status = %s, want %s (error: %q)", rec.Status, ports.RunCompleted, rec.Error)
	}
	if rec.State != model.StateReported {
		t.Errorf("run state = %s, want %s", rec.State, model.StateReported)
	}
	if rec.CompletedAt == nil {
		t.Error("expected a completion timestamp")
	}
	if rec.Fingerprint.IsEmpty() {
		t.Error("expected a run fingerprint")
	}
	if rec.Formula != req.Spec.Formula() {
		t.Errorf("recorded formula = %q, want %q", rec.Formula, req.Spec.Formula())
	}

	stored, err := kit.LedgerAdapter().GetReportByRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("GetReportByRun: %v", err)
	}
	if stored.ID != out.Report.ID {
		t.Errorf("stored report %s, outcome carries %s", stored.ID, out.Report.ID)
	}

	rep := out.Report
	if rep.NumObs != 576 || rep.Subjects != 24 || rep.Items != 12 {
		t.Errorf("report shape = %d obs, %d subjects, %d items", rep.NumObs, rep.Subjects, rep.Items)
	}
	if rep.Provisional {
		t.Error("clean fit reported as provisional")
	}
	if len(rep.FixedEffects) != 2 {
		t.Fatalf("expected 2 fixed-effect rows, got %d", len(rep.FixedEffects))
	}
	intercept := rep.FixedEffects[0]
	if intercept.Estimate < 590 || intercept.Estimate > 630 {
		t.Errorf("intercept = %.2f, want near the 610 ms grand mean", intercept.Estimate)
	}
	if !intercept.Significant {
		t.Error("grand-mean intercept should clear the significance bar")
	}
	if len(rep.Comparisons) != 1 {
		t.Fatalf("expected 1 nested comparison, got %d", len(rep.Comparisons))
	}
	cmp := rep.Comparisons[0]
	if cmp.Term != "unrelated_vs_mean" || !cmp.Retained || cmp.DF != 1 {
		t.Errorf("comparison = %+v, want unrelated_vs_mean retained with 1 df", cmp)
	}
	if len(rep.Panel) != 1 || rep.Panel[0].Name != "bfgs" {
		t.Fatalf("panel = %+v, want one bfgs outcome", rep.Panel)
	}
	if rep.Panel[0].Failure != "" {
		t.Errorf("panel fit failed: %s", rep.Panel[0].Failure)
	}
	if len(rep.Reductions) != 0 {
		t.Errorf("intercept-only structure produced reductions: %+v", rep.Reductions)
	}
	idx := rep.Indices
	if idx.LogLik >= 0 || idx.AIC <= 0 || idx.BIC <= idx.AIC {
		t.Errorf("implausible indices: %+v", idx)
	}
	if !(idx.R2Marginal > 0 && idx.R2Marginal < idx.R2Conditional && idx.R2Conditional < 1) {
		t.Errorf("R2 decomposition out of order: marginal %.4f, conditional %.4f",
			idx.R2Marginal, idx.R2Conditional)
	}

	states := recorder.States()
	assertLegalStateSequence(t, states)
	want := []string{
		string(model.StateMaximal),
		string(model.StateConverged),
		string(model.StateVerified),
		string(model.StateReported),
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	first := recorder.Events()[0]
	if first.Detail != req.Spec.Formula() {
		t.Errorf("maximal event detail = %q, want the formula", first.Detail)
	}
}

func TestRunPrunesTermAboveSignificanceBar(t *testing.T) {
	kit := testkit.NewTestKit()
	cfg := testConfig()
	// An absurdly strict alpha forces the genuine 10 ms effect through the
	// rejection path without depending on a null draw.
	cfg.SignificanceLevel = 1e-60
	p, recorder := quietPipeline(t, kit, cfg)

	out, err := p.Run(context.Background(), rtRequest(t, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rep := out.Report
	if rep.Formula != "rt ~ 1 + (1 | subject) + (1 | item)" {
		t.Errorf("pruned formula = %q", rep.Formula)
	}
	if len(rep.FixedEffects) != 1 || rep.FixedEffects[0].Term != "(Intercept)" {
		t.Errorf("fixed effects after pruning = %+v", rep.FixedEffects)
	}
	if len(rep.Comparisons) != 1 {
		t.Fatalf("expected 1 comparison, got %d", len(rep.Comparisons))
	}
	cmp := rep.Comparisons[0]
	if cmp.Term != "unrelated_vs_mean" || cmp.Retained {
		t.Errorf("comparison = %+v, want unrelated_vs_mean dropped", cmp)
	}
	if cmp.PValue < cfg.SignificanceLevel {
		t.Errorf("dropped term has p = %g below alpha %g", cmp.PValue, cfg.SignificanceLevel)
	}

	states := recorder.States()
	assertLegalStateSequence(t, states)
	rejected := 0
	for _, s := range states {
		if s == string(model.StateRejected) {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("states = %v, want exactly one rejection", states)
	}

	rec, err := kit.LedgerAdapter().GetRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != ports.RunCompleted {
		t.Errorf("run status = %s after pruning, want completed", rec.Status)
	}
}

func TestRunReducesMaximalRandomStructure(t *testing.T) {
	kit := testkit.NewTestKit()
	cfg := testConfig()
	// Items carry no true slope variance, so the item-slope component should
	// fall under any threshold the optimizer plateau cannot cross.
	cfg.PCANegligibleShare = 1e-3
	p, recorder := quietPipeline(t, kit, cfg)

	gen, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	data, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}
	spec, err := gen.MaximalRTSpec(true, true)
	if err != nil {
		t.Fatalf("MaximalRTSpec: %v", err)
	}

	out, err := p.Run(context.Background(), pipeline.Request{Data: data, Spec: spec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rep := out.Report
	if len(rep.Reductions) != 1 {
		t.Fatalf("reductions = %+v, want exactly one", rep.Reductions)
	}
	red := rep.Reductions[0]
	if red.Grouping != model.GroupByItem || red.DroppedSlope != "unrelated_vs_mean" {
		t.Errorf("reduction = %+v, want the item slope dropped", red)
	}
	if red.Iteration != 1 {
		t.Errorf("reduction iteration = %d, want 1", red.Iteration)
	}
	if red.SmallestShare > cfg.PCANegligibleShare {
		t.Errorf("recorded share %.3g exceeds the threshold %.3g",
			red.SmallestShare, cfg.PCANegligibleShare)
	}

	// Whether the fixed term survives its comparison, the item structure must
	// have been reduced to an intercept while the subject structure keeps one.
	if !strings.Contains(rep.Formula, "(1 | item)") {
		t.Errorf("final formula %q should carry an item intercept only", rep.Formula)
	}
	for _, rs := range rep.Random {
		if rs.Grouping == model.GroupByItem && len(rs.Terms) != 1 {
			t.Errorf("item random terms = %v, want intercept only", rs.Terms)
		}
	}

	states := recorder.States()
	assertLegalStateSequence(t, states)
	reduced := 0
	for _, s := range states {
		if s == string(model.StatePCAReduced) {
			reduced++
		}
	}
	if reduced != 1 {
		t.Errorf("states = %v, want exactly one reduction pass", states)
	}
}

func TestRunFailsOnCollinearFixedTerm(t *testing.T) {
	kit := testkit.NewTestKit()
	p, recorder := quietPipeline(t, kit, testConfig())

	gen, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	data, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}
	cols := append([]contrast.CodedColumn(nil), data.Columns...)
	cols = append(cols, contrast.CodedColumn{
		Name:   "unrelated_vs_mean_copy",
		Values: append([]float64(nil), data.Columns[0].Values...),
	})
	data.Columns = cols

	spec, err := model.NewSpec(observation.OutcomeRT, observation.TransformIdentity,
		model.FamilyGaussian, model.LinkIdentity,
		[]string{"unrelated_vs_mean", "unrelated_vs_mean_copy"},
		[]model.RandomSpec{{Grouping: model.GroupBySubject}, {Grouping: model.GroupByItem}}, true)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}

	_, err = p.Run(context.Background(), pipeline.Request{Data: data, Spec: spec})
	if err == nil {
		t.Fatal("expected a collinear design to fail the run")
	}
	if !errors.Is(err, core.ErrDegenerateFit) {
		t.Fatalf("error = %v, want ErrDegenerateFit", err)
	}

	runs, err := kit.LedgerAdapter().ListRuns(context.Background(), ports.RunFilters{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(runs))
	}
	if runs[0].Status != ports.RunFailed {
		t.Errorf("run status = %s, want failed", runs[0].Status)
	}
	if runs[0].Error == "" {
		t.Error("failed run carries no reason")
	}
	if runs[0].CompletedAt == nil {
		t.Error("failed run carries no completion timestamp")
	}

	if _, err := kit.LedgerAdapter().GetReportByRun(context.Background(), runs[0].ID); !errors.Is(err, core.ErrReportNotFound) {
		t.Errorf("report lookup = %v, want ErrReportNotFound", err)
	}

	states := recorder.States()
	if len(states) != 1 || states[0] != string(model.StateMaximal) {
		t.Errorf("states = %v, want only the maximal announcement", states)
	}
}

func TestConcurrentRunsStayDeterministic(t *testing.T) {
	kit := testkit.NewTestKit()
	p, _ := quietPipeline(t, kit, testConfig())

	// One request value shared by both runs: the coded dataset is read-only,
	// so concurrent runs over it must land on identical estimates.
	req := rtRequest(t, true)

	var wg sync.WaitGroup
	outs := make([]pipeline.Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = p.Run(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if outs[0].RunID == outs[1].RunID {
		t.Fatal("concurrent runs share a run ID")
	}

	recA, err := kit.LedgerAdapter().GetRun(context.Background(), outs[0].RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	recB, err := kit.LedgerAdapter().GetRun(context.Background(), outs[1].RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !recA.Fingerprint.Equals(recB.Fingerprint) {
		t.Errorf("identical requests produced fingerprints %s and %s",
			recA.Fingerprint, recB.Fingerprint)
	}

	repA, repB := outs[0].Report, outs[1].Report
	if repA.Indices.LogLik != repB.Indices.LogLik {
		t.Errorf("log likelihoods diverge: %.10f vs %.10f",
			repA.Indices.LogLik, repB.Indices.LogLik)
	}
	if len(repA.FixedEffects) != len(repB.FixedEffects) {
		t.Fatalf("fixed-effect tables diverge: %d vs %d rows",
			len(repA.FixedEffects), len(repB.FixedEffects))
	}
	for i := range repA.FixedEffects {
		a, b := repA.FixedEffects[i], repB.FixedEffects[i]
		if a.Estimate != b.Estimate || a.StdError != b.StdError {
			t.Errorf("row %d diverges: %+v vs %+v", i, a, b)
		}
	}

	reports, err := kit.LedgerAdapter().ListReports(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("expected 2 stored reports, got %d", len(reports))
	}
}
