package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/fit"
	"golmm/domain/model"
	"golmm/domain/observation"
	"golmm/domain/report"
	"golmm/internal"
	"golmm/internal/lmm"
	"golmm/ports"
)

// Config bounds one pipeline's fitting behavior. The container maps the
// fitting section of the service configuration onto this.
type Config struct {
	PrimaryOptimizer    string
	RetryOptimizer      string
	OptimizerPanel      []string
	MaxEvaluations      int
	RetryMaxEvaluations int
	PCANegligibleShare  float64
	LogLikTolerance     float64
	SignificanceLevel   float64
	MaxWorkers          int
	Seed                int64
	CodeVersion         string
}

// DefaultConfig returns the fitting defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{
		PrimaryOptimizer:    "neldermead",
		RetryOptimizer:      "quadapprox",
		OptimizerPanel:      []string{"neldermead", "bfgs", "quadapprox"},
		MaxEvaluations:      20000,
		RetryMaxEvaluations: 200000,
		PCANegligibleShare:  1e-4,
		LogLikTolerance:     1e-3,
		SignificanceLevel:   0.05,
		MaxWorkers:          4,
		Seed:                42,
		CodeVersion:         "dev",
	}
}

// digest folds the knobs that shape a fit into one hash for the run
// fingerprint.
func (c Config) digest() core.Hash {
	return core.NewHash([]byte(fmt.Sprintf(
		"primary:%s|retry:%s|panel:%s|evals:%d|retry_evals:%d|pca:%g|lltol:%g|alpha:%g",
		c.PrimaryOptimizer, c.RetryOptimizer, strings.Join(c.OptimizerPanel, ","),
		c.MaxEvaluations, c.RetryMaxEvaluations, c.PCANegligibleShare,
		c.LogLikTolerance, c.SignificanceLevel)))
}

// Request is one analysis to run: a coded dataset, the maximal model
// specification, and the trimming summary from data preparation. RunID may
// name the run up front so callers can follow progress while it executes; an
// empty RunID gets a fresh one.
type Request struct {
	RunID    core.RunID
	Data     contrast.CodedDataset
	Spec     model.Spec
	Trimming observation.TrimmingSummary
}

// Outcome is everything a completed run produced
type Outcome struct {
	RunID  core.RunID
	Report report.ModelReport
	Final  fit.Result
}

// Pipeline drives one model specification through the fit/simplify loop:
// maximal fit, principal-component reduction of the random-effect structure,
// convergence retry, cross-optimizer verification, nested-model pruning of
// fixed-effect terms, report. Every stage transition is recorded in the run
// ledger and published to the progress sink. A single Pipeline is safe for
// concurrent Run calls; each run owns its optimizer state and treats the
// dataset as read-only.
type Pipeline struct {
	fitter   *lmm.Fitter
	ledger   ports.LedgerWriterPort
	progress ports.ProgressSinkPort
	logger   *internal.Logger
	config   Config
}

// Option customizes a pipeline
type Option func(*Pipeline)

// WithProgress routes stage events to the sink
func WithProgress(sink ports.ProgressSinkPort) Option {
	return func(p *Pipeline) { p.progress = sink }
}

// WithLogger replaces the default logger
func WithLogger(logger *internal.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a pipeline over a fitter and a run ledger
func New(fitter *lmm.Fitter, ledger ports.LedgerWriterPort, config Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		fitter:   fitter,
		ledger:   ledger,
		progress: ports.NopProgressSink{},
		logger:   internal.NewDefaultLogger().WithScope("pipeline"),
		config:   config,
	}
	if p.config.MaxWorkers < 1 {
		p.config.MaxWorkers = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full loop for one request. Errors that abort the run are
// recorded on its ledger entry and returned; fit-quality trouble that does
// not abort travels as warnings on the stored report instead.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	started := time.Now()

	runID := req.RunID
	if core.ID(runID).IsEmpty() {
		runID = core.NewRunID()
	}
	record := ports.RunRecord{
		ID: runID,
		Fingerprint: core.ComputeRunFingerprint(
			req.Data.Dataset.Hash(), req.Spec.Hash(), p.config.digest(),
			p.config.Seed, core.CodeVersion(p.config.CodeVersion)),
		DatasetHash: core.Hash(req.Data.Dataset.Hash()),
		Formula:     req.Spec.Formula(),
		Status:      ports.RunRunning,
		State:       model.StateMaximal,
		StartedAt:   core.NewTimestamp(started),
	}
	if err := p.ledger.CreateRun(ctx, record); err != nil {
		return Outcome{}, err
	}
	state := model.StateMaximal
	p.publish(runID, state, req.Spec.Formula(), started)
	p.logger.Info("run %s: maximal model %s on %d observations",
		runID, req.Spec.Formula(), req.Data.Dataset.Len())

	spec := req.Spec
	working, err := p.fitWithRetry(ctx, req.Data, spec)
	if err != nil {
		return Outcome{}, p.fail(ctx, runID, err)
	}

	// Simplify the random-effect structure one slope at a time, re-fitting
	// between passes, until the decomposition flags nothing further.
	var reductions []report.ReductionRecord
	for iteration := 1; ; iteration++ {
		reduced, reduction, err := lmm.ReduceOnce(spec, working, p.config.PCANegligibleShare)
		if err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		if reduction == nil {
			break
		}
		detail := fmt.Sprintf("dropped %s slope %q (variance share %.2g)",
			reduction.Grouping, reduction.DroppedSlope, reduction.SmallestShare)
		if state, err = p.advance(ctx, runID, state, model.StatePCAReduced, detail, started); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		reductions = append(reductions, report.ReductionRecord{
			Iteration:     iteration,
			Grouping:      reduction.Grouping,
			DroppedSlope:  reduction.DroppedSlope,
			SmallestShare: reduction.SmallestShare,
		})
		spec = reduced
		if working, err = p.fitWithRetry(ctx, req.Data, spec); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
	}

	if state, err = p.advance(ctx, runID, state, model.StateConverged,
		convergedDetail(working), started); err != nil {
		return Outcome{}, p.fail(ctx, runID, err)
	}

	// Verification and term-pruning loop. A dropped fixed-effect term
	// re-enters at Converged with the reduced model re-fit and re-verified;
	// each round's records supersede the previous round's for terms still in
	// the model.
	var panel []report.OptimizerOutcome
	recorded := make(map[string]report.ComparisonRecord)
	for {
		verifyReq := p.request(req.Data, spec, working.Optimizer, p.config.MaxEvaluations)
		verification := p.fitter.Verify(ctx, verifyReq, working,
			p.config.OptimizerPanel, p.config.LogLikTolerance, p.config.MaxWorkers)
		panel = panelOutcomes(verification)

		detail := fmt.Sprintf("%d panel fits agree with %s", len(verification.Outcomes), working.Optimizer)
		if !verification.Agrees {
			working = working.WithWarning(fit.WarnOptimizerDisagreement, "%s", verification.Detail)
			detail = "panel disagreement: " + verification.Detail
			p.logger.Warn("run %s: %s", runID, detail)
		}
		if state, err = p.advance(ctx, runID, state, model.StateVerified, detail, started); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}

		comparisons, weakest, err := p.termComparisons(ctx, req.Data, spec, working)
		if err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		for _, c := range comparisons {
			recorded[c.Term] = report.ComparisonRecord{
				Term:      c.Term,
				Statistic: c.Statistic,
				DF:        c.DF,
				PValue:    c.PValue,
				Retained:  c.Retained,
			}
		}
		if weakest == "" {
			break
		}

		detail = fmt.Sprintf("dropped fixed term %q (p = %.3g)", weakest, recorded[weakest].PValue)
		if state, err = p.advance(ctx, runID, state, model.StateRejected, detail, started); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		if spec, err = spec.WithoutFixedTerm(weakest); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		if working, err = p.fitWithRetry(ctx, req.Data, spec); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
		if state, err = p.advance(ctx, runID, state, model.StateConverged,
			convergedDetail(working), started); err != nil {
			return Outcome{}, p.fail(ctx, runID, err)
		}
	}

	rep := p.buildReport(runID, req, spec, working, reductions, panel,
		orderComparisons(req.Spec.FixedTerms, recorded))
	if err := p.ledger.StoreReport(ctx, rep); err != nil {
		return Outcome{}, p.fail(ctx, runID, err)
	}
	if state, err = p.advance(ctx, runID, state, model.StateReported,
		"report "+rep.ID.String(), started); err != nil {
		return Outcome{}, p.fail(ctx, runID, err)
	}
	if err := p.ledger.CompleteRun(ctx, runID, core.Now()); err != nil {
		return Outcome{}, p.fail(ctx, runID, err)
	}
	p.logger.Info("run %s: reported %s in %s",
		runID, spec.Formula(), time.Since(started).Round(time.Millisecond))

	return Outcome{RunID: runID, Report: rep, Final: working}, nil
}

// fitWithRetry estimates one specification with the primary optimizer and,
// when that fit carries convergence trouble, retries the identical
// specification with the alternative optimizer at the raised evaluation cap.
// When neither attempt is clean the better of the two is carried forward
// flagged provisional; degenerate fits abort immediately.
func (p *Pipeline) fitWithRetry(ctx context.Context, data contrast.CodedDataset, spec model.Spec) (fit.Result, error) {
	primary, primaryErr := p.fitter.Fit(ctx,
		p.request(data, spec, p.config.PrimaryOptimizer, p.config.MaxEvaluations))
	if primaryErr == nil && clean(primary) {
		return primary, nil
	}
	if primaryErr != nil {
		if !errors.Is(primaryErr, core.ErrConvergenceFailure) {
			return fit.Result{}, primaryErr
		}
		p.logger.Warn("%s: %s failed: %v", spec.Formula(), p.config.PrimaryOptimizer, primaryErr)
	}

	retry, retryErr := p.fitter.Fit(ctx,
		p.request(data, spec, p.config.RetryOptimizer, p.config.RetryMaxEvaluations))
	if retryErr == nil && clean(retry) {
		return retry, nil
	}
	if retryErr != nil {
		if !errors.Is(retryErr, core.ErrConvergenceFailure) {
			return fit.Result{}, retryErr
		}
		p.logger.Warn("%s: retry %s failed: %v", spec.Formula(), p.config.RetryOptimizer, retryErr)
	}

	best, ok := betterOf(primary, primaryErr == nil, retry, retryErr == nil)
	if !ok {
		return fit.Result{}, core.NewConvergenceFailureError(2)
	}
	p.logger.Warn("%s: no clean fit from %s or %s, carrying %s forward as provisional",
		spec.Formula(), p.config.PrimaryOptimizer, p.config.RetryOptimizer, best.Optimizer)
	return best.WithWarning(fit.WarnProvisional,
		"no optimizer converged cleanly; best fit from %s carried forward", best.Optimizer), nil
}

// clean reports whether a fit converged without gradient or Hessian trouble
func clean(r fit.Result) bool {
	return r.Converged && !r.HasWarning(fit.WarnConvergence)
}

// betterOf picks the lower-deviance result among the available attempts
func betterOf(a fit.Result, haveA bool, b fit.Result, haveB bool) (fit.Result, bool) {
	switch {
	case haveA && haveB:
		if b.Deviance < a.Deviance {
			return b, true
		}
		return a, true
	case haveA:
		return a, true
	case haveB:
		return b, true
	default:
		return fit.Result{}, false
	}
}

func (p *Pipeline) request(data contrast.CodedDataset, spec model.Spec, optimizer string, maxEval int) ports.FitRequest {
	return ports.FitRequest{
		Data:           data,
		Spec:           spec,
		Optimizer:      optimizer,
		MaxEvaluations: maxEval,
		Seed:           p.config.Seed,
	}
}

// advance performs a validated state transition, records it in the ledger,
// and publishes it.
func (p *Pipeline) advance(ctx context.Context, runID core.RunID, from, to model.State, detail string, started time.Time) (model.State, error) {
	next, err := model.Transition(from, to)
	if err != nil {
		return from, err
	}
	if err := p.ledger.UpdateRunState(ctx, runID, ports.RunRunning, next); err != nil {
		return from, err
	}
	p.publish(runID, next, detail, started)
	p.logger.Debug("run %s: %s: %s", runID, next, detail)
	return next, nil
}

func (p *Pipeline) publish(runID core.RunID, state model.State, detail string, started time.Time) {
	p.progress.Publish(ports.StageEvent{
		RunID:   runID,
		State:   state,
		Detail:  detail,
		Elapsed: time.Since(started).Milliseconds(),
	})
}

// fail records the failure on the run and hands the original error back
func (p *Pipeline) fail(ctx context.Context, runID core.RunID, err error) error {
	p.logger.Error("run %s failed: %v", runID, err)
	if ledgerErr := p.ledger.FailRun(ctx, runID, err.Error()); ledgerErr != nil {
		p.logger.Error("run %s: recording failure: %v", runID, ledgerErr)
	}
	return err
}

func (p *Pipeline) buildReport(runID core.RunID, req Request, spec model.Spec, final fit.Result,
	reductions []report.ReductionRecord, panel []report.OptimizerOutcome,
	comparisons []report.ComparisonRecord) report.ModelReport {

	return report.ModelReport{
		ID:       core.NewReportID(),
		RunID:    runID,
		Formula:  spec.Formula(),
		Family:   string(spec.Family),
		Link:     string(spec.Link),
		Outcome:  string(spec.Outcome),
		NumObs:   final.NumObs,
		Subjects: len(req.Data.Dataset.Subjects()),
		Items:    len(req.Data.Dataset.Items()),

		FixedEffects: report.BuildFixedEffectTable(final, p.config.SignificanceLevel),
		Indices:      report.BuildIndices(final),
		Random:       report.BuildRandomSummaries(final),
		Reductions:   reductions,
		Panel:        panel,
		Comparisons:  comparisons,
		Warnings:     final.Warnings,

		Trimming:    req.Trimming,
		Provisional: final.HasWarning(fit.WarnProvisional),
		Alpha:       p.config.SignificanceLevel,
		CreatedAt:   core.Now(),
	}
}

func convergedDetail(r fit.Result) string {
	return fmt.Sprintf("%s deviance %.4f after %d evaluations", r.Optimizer, r.Deviance, r.Evaluations)
}

// panelOutcomes converts verification outcomes into report rows
func panelOutcomes(v lmm.Verification) []report.OptimizerOutcome {
	out := make([]report.OptimizerOutcome, 0, len(v.Outcomes))
	for _, o := range v.Outcomes {
		out = append(out, report.OptimizerOutcome{
			Name:        o.Name,
			Converged:   o.Converged,
			LogLik:      o.LogLik,
			Evaluations: o.Evaluations,
			Failure:     o.Failure,
		})
	}
	return out
}

// orderComparisons lays the recorded comparisons out in the original
// fixed-term order so reports read the same way the model was specified.
func orderComparisons(terms []string, recorded map[string]report.ComparisonRecord) []report.ComparisonRecord {
	out := make([]report.ComparisonRecord, 0, len(recorded))
	for _, term := range terms {
		if rec, ok := recorded[term]; ok {
			out = append(out, rec)
		}
	}
	return out
}
