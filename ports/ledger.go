package ports

import (
	"context"

	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/report"
)

// RunStatus is the coarse lifecycle of an analysis run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted state of one analysis run
type RunRecord struct {
	ID          core.RunID
	Fingerprint core.Hash
	DatasetHash core.Hash
	Formula     string
	Status      RunStatus
	State       model.State
	Error       string
	StartedAt   core.Timestamp
	CompletedAt *core.Timestamp
}

// RunFilters narrows run queries
type RunFilters struct {
	Status *RunStatus
	Limit  int
	Offset int
}

// LedgerWriterPort provides the only write path for runs and reports.
// Reports are append-only; a run's report is never overwritten.
type LedgerWriterPort interface {
	CreateRun(ctx context.Context, record RunRecord) error
	UpdateRunState(ctx context.Context, runID core.RunID, status RunStatus, state model.State) error
	CompleteRun(ctx context.Context, runID core.RunID, completedAt core.Timestamp) error
	FailRun(ctx context.Context, runID core.RunID, reason string) error
	StoreReport(ctx context.Context, rep report.ModelReport) error
}

// LedgerReaderPort provides read-only access for queries, the explorer UI,
// and the API.
type LedgerReaderPort interface {
	ListRuns(ctx context.Context, filters RunFilters) ([]RunRecord, error)
	GetRun(ctx context.Context, runID core.RunID) (*RunRecord, error)
	GetReport(ctx context.Context, reportID core.ReportID) (*report.ModelReport, error)
	GetReportByRun(ctx context.Context, runID core.RunID) (*report.ModelReport, error)
	ListReports(ctx context.Context, limit, offset int) ([]report.ModelReport, error)
}

// LedgerPort combines read and write access for composition roots
type LedgerPort interface {
	LedgerWriterPort
	LedgerReaderPort
}
