package app

import (
	"context"
	"strings"
	"time"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/observation"
	"golmm/domain/report"
	"golmm/internal"
	"golmm/internal/config"
	"golmm/internal/errors"
	"golmm/internal/pipeline"
	"golmm/ports"
)

// AnalysisService is the front door for running mixed-effects analyses: it
// ingests trial data, prepares and contrast-codes it, assembles the maximal
// model specification, and hands the result to the fitting pipeline. The CLI
// runs it synchronously; the API launches runs in the background and follows
// them through the ledger.
type AnalysisService struct {
	reader   ports.TrialReaderPort
	pipeline *pipeline.Pipeline
	ledger   ports.LedgerReaderPort
	logger   *internal.Logger
}

// NewAnalysisService creates an analysis service
func NewAnalysisService(reader ports.TrialReaderPort, pipe *pipeline.Pipeline, ledger ports.LedgerReaderPort, logger *internal.Logger) *AnalysisService {
	if logger == nil {
		logger = internal.NewDefaultLogger().WithScope("analysis")
	}
	return &AnalysisService{
		reader:   reader,
		pipeline: pipe,
		ledger:   ledger,
		logger:   logger,
	}
}

// AnalysisOptions is the per-run preparation and modeling surface
type AnalysisOptions struct {
	// ContrastJSON is an inline contrast specification; empty means default
	// sum coding over the observed condition levels.
	ContrastJSON string

	// Response-time trimming bounds in milliseconds, applied inclusively.
	RTLowerBound float64
	RTUpperBound float64

	// KeepIncorrect retains error trials instead of filtering to correct-only.
	KeepIncorrect bool

	Outcome   observation.Outcome
	Transform observation.Transform
	Family    model.Family
	Link      model.Link

	// Correlated estimates random-effect correlations; false constrains
	// them to zero.
	Correlated bool

	// REML selects the restricted criterion for gaussian fits.
	REML bool
}

// OptionsFromConfig maps the loaded configuration onto analysis options.
// Binomial fits model the correctness flag, which only makes sense when
// incorrect trials stay in the data, so that switch is forced on for them.
func OptionsFromConfig(cfg *config.Config) (AnalysisOptions, error) {
	transform, err := observation.ParseTransform(cfg.Analysis.Transform)
	if err != nil {
		return AnalysisOptions{}, errors.WithCode(errors.CodeConfigInvalid, err)
	}
	family, err := model.ParseFamily(cfg.Analysis.Family)
	if err != nil {
		return AnalysisOptions{}, errors.WithCode(errors.CodeConfigInvalid, err)
	}
	link := family.DefaultLink()
	if cfg.Analysis.Link != "" {
		if link, err = model.ParseLink(cfg.Analysis.Link); err != nil {
			return AnalysisOptions{}, errors.WithCode(errors.CodeConfigInvalid, err)
		}
	}

	opts := AnalysisOptions{
		ContrastJSON:  cfg.Analysis.ContrastSpecJSON,
		RTLowerBound:  cfg.Analysis.RTLowerBound,
		RTUpperBound:  cfg.Analysis.RTUpperBound,
		KeepIncorrect: cfg.Analysis.KeepIncorrect,
		Outcome:       observation.OutcomeRT,
		Transform:     transform,
		Family:        family,
		Link:          link,
		Correlated:    cfg.Fitting.EstimateCorrelations,
		REML:          cfg.Fitting.REML,
	}
	if family == model.FamilyBinomial {
		opts.Outcome = observation.OutcomeAccuracy
		opts.Transform = observation.TransformIdentity
		opts.KeepIncorrect = true
		opts.REML = false
	}
	return opts, nil
}

// AnalysisRequest describes one analysis: where the trials come from and how
// to prepare and model them. Exactly one of Dataset and DatasetPath must be
// set; RunID may name the run up front and is assigned when empty.
type AnalysisRequest struct {
	RunID core.RunID

	DatasetPath string
	Mapping     ports.ColumnMapping
	Dataset     *observation.Dataset

	Options AnalysisOptions
}

// AnalysisResult is everything a completed analysis produced
type AnalysisResult struct {
	RunID     core.RunID
	Report    report.ModelReport
	Formula   string
	Trimming  observation.TrimmingSummary
	RuntimeMs int64
}

// Analyze runs one analysis to completion: ingest, prepare, contrast-code,
// fit, report. Fit-quality trouble surfaces inside the report; an error here
// means the analysis produced no report at all.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	startTime := time.Now()

	prepared, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, err := s.pipeline.Run(ctx, prepared)
	if err != nil {
		return nil, errors.FitFailed("analysis run failed", err)
	}

	return &AnalysisResult{
		RunID:     outcome.RunID,
		Report:    outcome.Report,
		Formula:   outcome.Report.Formula,
		Trimming:  prepared.Trimming,
		RuntimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

// Launch validates and prepares an analysis synchronously, then runs the
// fitting pipeline in the background. The returned run ID can be followed
// through the ledger and the progress stream while the run executes. The
// run detaches from the caller's context: cancelling the request that
// launched it must not kill the fit.
func (s *AnalysisService) Launch(ctx context.Context, req AnalysisRequest) (core.RunID, error) {
	prepared, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	if core.ID(prepared.RunID).IsEmpty() {
		prepared.RunID = core.NewRunID()
	}

	go func() {
		if _, err := s.pipeline.Run(context.Background(), prepared); err != nil {
			s.logger.Error("background run %s failed: %v", prepared.RunID, err)
		}
	}()

	return prepared.RunID, nil
}

// prepare turns an analysis request into a pipeline request: load the
// trials, trim them, attach contrast codes, and assemble the maximal model
// specification.
func (s *AnalysisService) prepare(ctx context.Context, req AnalysisRequest) (pipeline.Request, error) {
	dataset, err := s.loadDataset(ctx, req)
	if err != nil {
		return pipeline.Request{}, err
	}

	opts := req.Options
	if opts.Outcome == observation.OutcomeAccuracy && !opts.KeepIncorrect {
		return pipeline.Request{}, errors.InvalidInput("accuracy analyses need incorrect trials kept in the data")
	}

	trimmed, trimming, err := observation.Prepare(dataset, opts.RTLowerBound, opts.RTUpperBound, opts.KeepIncorrect)
	if err != nil {
		return pipeline.Request{}, errors.WithCode(errors.CodeDataInvalid, err)
	}
	s.logger.Info("prepared %d of %d trials (%d incorrect, %d outside [%.0f, %.0f] ms)",
		trimming.Remaining, trimming.TotalTrials, trimming.IncorrectRemoved,
		trimming.OutOfBounds, trimming.LowerBound, trimming.UpperBound)

	coded, err := buildCodedDataset(trimmed, opts.ContrastJSON)
	if err != nil {
		return pipeline.Request{}, errors.WithCode(errors.CodeValidationError, err)
	}

	spec, err := model.MaximalSpec(opts.Outcome, opts.Transform, opts.Family, opts.Link,
		coded.ColumnNames(), []model.Grouping{model.GroupBySubject, model.GroupByItem},
		opts.Correlated, opts.REML)
	if err != nil {
		return pipeline.Request{}, errors.WithCode(errors.CodeValidationError, err)
	}

	return pipeline.Request{
		RunID:    req.RunID,
		Data:     coded,
		Spec:     spec,
		Trimming: trimming,
	}, nil
}

func (s *AnalysisService) loadDataset(ctx context.Context, req AnalysisRequest) (observation.Dataset, error) {
	if req.Dataset != nil {
		return *req.Dataset, nil
	}
	if req.DatasetPath == "" {
		return observation.Dataset{}, errors.InvalidInput("analysis request needs a dataset or a dataset path")
	}
	if s.reader == nil {
		return observation.Dataset{}, errors.InternalError("no trial reader configured")
	}
	dataset, err := s.reader.Read(ctx, req.DatasetPath, req.Mapping)
	if err != nil {
		return observation.Dataset{}, errors.WithCode(errors.CodeDataInvalid, err)
	}
	return dataset, nil
}

// buildCodedDataset derives the contrast coding and attaches one numeric
// predictor column per contrast. An explicit JSON specification wins;
// otherwise every observed condition level is sum-coded against the grand
// mean.
func buildCodedDataset(d observation.Dataset, contrastJSON string) (contrast.CodedDataset, error) {
	var spec contrast.Spec
	var err error
	if strings.TrimSpace(contrastJSON) != "" {
		spec, err = contrast.ParseSpecJSON([]byte(contrastJSON))
	} else {
		var factor observation.Factor
		if factor, err = observation.ConditionFactor(d); err == nil {
			spec, err = contrast.SumCodingSpec(factor)
		}
	}
	if err != nil {
		return contrast.CodedDataset{}, err
	}

	_, coding, err := contrast.BuildCoding(spec)
	if err != nil {
		return contrast.CodedDataset{}, err
	}
	return contrast.AttachCodes(d, spec.Factor, coding)
}

// GetRun returns one run's ledger record
func (s *AnalysisService) GetRun(ctx context.Context, runID core.RunID) (*ports.RunRecord, error) {
	return s.ledger.GetRun(ctx, runID)
}

// ListRuns lists ledger records, newest first
func (s *AnalysisService) ListRuns(ctx context.Context, filters ports.RunFilters) ([]ports.RunRecord, error) {
	return s.ledger.ListRuns(ctx, filters)
}

// GetReport returns the report a run produced
func (s *AnalysisService) GetReport(ctx context.Context, runID core.RunID) (*report.ModelReport, error) {
	return s.ledger.GetReportByRun(ctx, runID)
}

// ListReports lists stored reports, newest first
func (s *AnalysisService) ListReports(ctx context.Context, limit, offset int) ([]report.ModelReport, error) {
	return s.ledger.ListReports(ctx, limit, offset)
}
