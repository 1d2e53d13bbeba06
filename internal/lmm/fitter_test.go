package lmm_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/fit"
	"golmm/domain/model"
	"golmm/domain/observation"
	"golmm/internal/lmm"
	"golmm/internal/testkit"
	"golmm/ports"
)

func syntheticRequest(t *testing.T, reml bool) (ports.FitRequest, *testkit.TrialGenerator) {
	t.Helper()
	gen, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	coded, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}
	spec, err := gen.InterceptsRTSpec(reml)
	if err != nil {
		t.Fatalf("InterceptsRTSpec: %v", err)
	}
	return ports.FitRequest{Data: coded, Spec: spec, Optimizer: "neldermead"}, gen
}

func mustFit(t *testing.T, fitter *lmm.Fitter, req ports.FitRequest) fit.Result {
	t.Helper()
	result, err := fitter.Fit(context.Background(), req)
	if err != nil {
		t.Fatalf("Fit with %s: %v", req.Optimizer, err)
	}
	return result
}

func TestFitterRecoversKnownEffects(t *testing.T) {
	kit := testkit.NewTestKit()
	req, gen := syntheticRequest(t, true)

	result := mustFit(t, kit.Fitter(), req)

	if !result.Converged {
		t.Error("fit did not converge on clean synthetic data")
	}
	if !result.REML {
		t.Error("restricted criterion requested but not reported")
	}
	if result.NumObs != 24*12*2 {
		t.Errorf("NumObs = %d, want 576", result.NumObs)
	}
	// Intercept, slope, two variance ratios, and the residual scale.
	if result.NumParams != 5 {
		t.Errorf("NumParams = %d, want 5", result.NumParams)
	}

	intercept, ok := result.CoefficientFor("(Intercept)")
	if !ok {
		t.Fatal("no intercept coefficient")
	}
	if intercept.Estimate < 590 || intercept.Estimate > 630 {
		t.Errorf("intercept = %v, want near %v", intercept.Estimate, gen.TrueIntercept())
	}

	slope, ok := result.CoefficientFor("unrelated_vs_mean")
	if !ok {
		t.Fatal("no slope coefficient")
	}
	if slope.Estimate < 4 || slope.Estimate > 16 {
		t.Errorf("slope = %v, want near %v", slope.Estimate, gen.TrueSlope(0))
	}
	if slope.StdError < 0.5 || slope.StdError > 5 {
		t.Errorf("slope standard error = %v, want near 2", slope.StdError)
	}

	if result.Sigma < 30 || result.Sigma > 55 {
		t.Errorf("residual sigma = %v, want near 41", result.Sigma)
	}

	subject, ok := result.RandomFor(model.GroupBySubject)
	if !ok {
		t.Fatal("no subject covariance")
	}
	if sd := subject.StdDevs()[0]; sd < 10 || sd > 40 {
		t.Errorf("subject intercept sd = %v, want near 25", sd)
	}
	item, ok := result.RandomFor(model.GroupByItem)
	if !ok {
		t.Fatal("no item covariance")
	}
	if sd := item.StdDevs()[0]; sd < 4 || sd > 30 {
		t.Errorf("item intercept sd = %v, want near 15", sd)
	}

	if result.R2Marginal <= 0 || result.R2Conditional >= 1 {
		t.Errorf("r2 out of range: marginal %v, conditional %v",
			result.R2Marginal, result.R2Conditional)
	}
	if result.R2Conditional <= result.R2Marginal {
		t.Errorf("conditional r2 %v should exceed marginal %v with real group variance",
			result.R2Conditional, result.R2Marginal)
	}
}

func TestFitterIsDeterministic(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, true)
	fitter := kit.Fitter()

	first := mustFit(t, fitter, req)
	second := mustFit(t, fitter, req)

	if first.LogLik != second.LogLik {
		t.Errorf("log likelihood differs across identical requests: %v vs %v",
			first.LogLik, second.LogLik)
	}
	for i, c := range first.Coefficients {
		if second.Coefficients[i].Estimate != c.Estimate {
			t.Errorf("coefficient %s differs: %v vs %v",
				c.Term, c.Estimate, second.Coefficients[i].Estimate)
		}
	}
	for i, th := range first.Theta {
		if second.Theta[i] != th {
			t.Errorf("theta[%d] differs: %v vs %v", i, th, second.Theta[i])
		}
	}
}

func TestCrossOptimizerLogLikAgreement(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, false)
	fitter := kit.Fitter()

	optimizers := []string{"neldermead", "bfgs", "quadapprox"}
	logLiks := make([]float64, len(optimizers))
	for i, name := range optimizers {
		r := req
		r.Optimizer = name
		logLiks[i] = mustFit(t, fitter, r).LogLik
	}

	for i := 1; i < len(logLiks); i++ {
		scale := math.Max(1, math.Abs(logLiks[0]))
		if diff := math.Abs(logLiks[i] - logLiks[0]); diff/scale >= 1e-3 {
			t.Errorf("%s log likelihood %v disagrees with %s %v (relative %v)",
				optimizers[i], logLiks[i], optimizers[0], logLiks[0], diff/scale)
		}
	}
}

func TestMaximalFitThenStructureReduction(t *testing.T) {
	kit := testkit.NewTestKit()
	gen, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	coded, err := gen.CodedTrials()
	if err != nil {
		t.Fatalf("CodedTrials: %v", err)
	}
	maximal, err := gen.MaximalRTSpec(true, true)
	if err != nil {
		t.Fatalf("MaximalRTSpec: %v", err)
	}
	fitter := kit.Fitter()

	req := ports.FitRequest{Data: coded, Spec: maximal, Optimizer: "neldermead"}
	result := mustFit(t, fitter, req)

	slope, ok := result.CoefficientFor("unrelated_vs_mean")
	if !ok {
		t.Fatal("no slope coefficient")
	}
	if slope.Estimate < 3 || slope.Estimate > 17 {
		t.Errorf("slope = %v, want near 10", slope.Estimate)
	}

	// Items carry no true slope variance, so reduction drops the item slope
	// and then holds fixed: one pass per fit, floor at the intercepts.
	const threshold = 1e-3
	reduced, reduction, err := lmm.ReduceOnce(maximal, result, threshold)
	if err != nil {
		t.Fatalf("ReduceOnce: %v", err)
	}
	if reduction == nil {
		t.Fatal("expected the item slope to reduce away")
	}
	if reduction.Grouping != model.GroupByItem || reduction.DroppedSlope != "unrelated_vs_mean" {
		t.Errorf("reduction = %+v, want the item slope dropped", reduction)
	}

	req.Spec = reduced
	refit := mustFit(t, fitter, req)

	final, again, err := lmm.ReduceOnce(reduced, refit, threshold)
	if err != nil {
		t.Fatalf("ReduceOnce refit: %v", err)
	}
	if again != nil {
		t.Errorf("second reduction = %+v, want stable structure", again)
	}
	if final.Formula() != reduced.Formula() {
		t.Errorf("stable structure changed: %s vs %s", final.Formula(), reduced.Formula())
	}
}

func TestBinomialAccuracyRecovery(t *testing.T) {
	kit := testkit.NewTestKit()
	cfg := testkit.DefaultTrialConfig()
	cfg.SubjectCount = 40
	cfg.ItemCount = 20
	gen, err := testkit.NewTrialGenerator(cfg)
	if err != nil {
		t.Fatalf("NewTrialGenerator: %v", err)
	}
	coded, err := gen.CodedAccuracyTrials()
	if err != nil {
		t.Fatalf("CodedAccuracyTrials: %v", err)
	}
	spec, err := gen.AccuracySpec()
	if err != nil {
		t.Fatalf("AccuracySpec: %v", err)
	}

	result := mustFit(t, kit.Fitter(), ports.FitRequest{
		Data: coded, Spec: spec, Optimizer: "neldermead",
	})

	if result.Sigma != 1 || result.Dispersion != 1 {
		t.Errorf("binomial scale = (%v, %v), want fixed at 1", result.Sigma, result.Dispersion)
	}
	// Intercept, slope, and two variance ratios; no free scale.
	if result.NumParams != 4 {
		t.Errorf("NumParams = %d, want 4", result.NumParams)
	}

	intercept, _ := result.CoefficientFor("(Intercept)")
	if intercept.Estimate < 1.1 || intercept.Estimate > 2.7 {
		t.Errorf("intercept log odds = %v, want near 1.8", intercept.Estimate)
	}
	slope, _ := result.CoefficientFor("unrelated_vs_mean")
	if slope.Estimate > -0.08 || slope.Estimate < -0.85 {
		t.Errorf("slope log odds = %v, want near -0.4", slope.Estimate)
	}
}

func TestGammaLogFitRecoversLogScaleEffects(t *testing.T) {
	kit := testkit.NewTestKit()
	req, gen := syntheticRequest(t, false)
	spec, err := model.NewSpec(observation.OutcomeRT, observation.TransformIdentity,
		model.FamilyGamma, model.LinkLog, gen.ContrastNames(), []model.RandomSpec{
			{Grouping: model.GroupBySubject},
			{Grouping: model.GroupByItem},
		}, false)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}
	req.Spec = spec

	result := mustFit(t, kit.Fitter(), req)

	intercept, _ := result.CoefficientFor("(Intercept)")
	if intercept.Estimate < 6.3 || intercept.Estimate > 6.55 {
		t.Errorf("log-scale intercept = %v, want near %v", intercept.Estimate, math.Log(610))
	}
	slope, _ := result.CoefficientFor("unrelated_vs_mean")
	if slope.Estimate < 0.004 || slope.Estimate > 0.035 {
		t.Errorf("log-scale slope = %v, want near 0.016", slope.Estimate)
	}
	if result.Dispersion < 0.001 || result.Dispersion > 0.02 {
		t.Errorf("dispersion = %v, want near the squared coefficient of variation", result.Dispersion)
	}
	if result.NumParams != 5 {
		t.Errorf("NumParams = %d, want 5 with a free dispersion", result.NumParams)
	}
}

func TestSeparatedAccuracyFailsAtFitLevel(t *testing.T) {
	kit := testkit.NewTestKit()

	conditions := []string{"related", "unrelated"}
	var trials []observation.Observation
	for s := 0; s < 6; s++ {
		for i := 0; i < 4; i++ {
			for _, cond := range conditions {
				obs, err := observation.NewObservation(
					fmt.Sprintf("S%02d", s+1), fmt.Sprintf("item_%02d", i+1), cond, "",
					cond == "related", 600)
				if err != nil {
					t.Fatalf("NewObservation: %v", err)
				}
				trials = append(trials, obs)
			}
		}
	}
	ds := observation.MustNewDataset("separated", trials)
	factor, err := observation.ConditionFactor(ds)
	if err != nil {
		t.Fatalf("ConditionFactor: %v", err)
	}
	cs, err := contrast.SumCodingSpec(factor)
	if err != nil {
		t.Fatalf("SumCodingSpec: %v", err)
	}
	_, coding, err := contrast.BuildCoding(cs)
	if err != nil {
		t.Fatalf("BuildCoding: %v", err)
	}
	coded, err := contrast.AttachCodes(ds, factor, coding)
	if err != nil {
		t.Fatalf("AttachCodes: %v", err)
	}
	spec, err := model.NewSpec(observation.OutcomeAccuracy, observation.TransformIdentity,
		model.FamilyBinomial, model.LinkLogit, coded.ColumnNames(), []model.RandomSpec{
			{Grouping: model.GroupBySubject},
			{Grouping: model.GroupByItem},
		}, false)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}

	_, err = kit.Fitter().Fit(context.Background(), ports.FitRequest{
		Data: coded, Spec: spec, Optimizer: "neldermead",
	})
	if err == nil {
		t.Fatal("expected complete separation to fail the fit")
	}
	if !errors.Is(err, core.ErrDegenerateFit) {
		t.Errorf("error = %v, want ErrDegenerateFit", err)
	}
}

func TestCancelledContextFailsFast(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, true)
	req.Optimizer = "quadapprox"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := kit.Fitter().Fit(ctx, req)
	if err == nil {
		t.Fatal("expected a cancelled context to abort the fit")
	}
	if !errors.Is(err, core.ErrConvergenceFailure) {
		t.Errorf("error = %v, want ErrConvergenceFailure wrapping the cancellation", err)
	}
}
