package memory

import (
	"context"
	"fmt"
	"sync"

	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/report"
	"golmm/ports"
)

// Ledger is an in-memory run and report store for tests and database-free
// runs. All methods are safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	runs        map[core.RunID]ports.RunRecord
	order       []core.RunID
	reports     map[core.ReportID]report.ModelReport
	reportOrder []core.ReportID
	reportByRun map[core.RunID]core.ReportID
}

// NewLedger creates an empty in-memory ledger
func NewLedger() *Ledger {
	return &Ledger{
		runs:        make(map[core.RunID]ports.RunRecord),
		reports:     make(map[core.ReportID]report.ModelReport),
		reportByRun: make(map[core.RunID]core.ReportID),
	}
}

// CreateRun registers a new run record
func (l *Ledger) CreateRun(ctx context.Context, record ports.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.runs[record.ID]; exists {
		return fmt.Errorf("run %s already exists", record.ID)
	}
	l.runs[record.ID] = record
	l.order = append(l.order, record.ID)
	return nil
}

// UpdateRunState advances a run's status and model state
func (l *Ledger) UpdateRunState(ctx context.Context, runID core.RunID, status ports.RunStatus, state model.State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, exists := l.runs[runID]
	if !exists {
		return fmt.Errorf("update run %s: %w", runID, core.ErrRunNotFound)
	}
	record.Status = status
	record.State = state
	l.runs[runID] = record
	return nil
}

// CompleteRun marks a run finished
func (l *Ledger) CompleteRun(ctx context.Context, runID core.RunID, completedAt core.Timestamp) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, exists := l.runs[runID]
	if !exists {
		return fmt.Errorf("complete run %s: %w", runID, core.ErrRunNotFound)
	}
	record.Status = ports.RunCompleted
	record.CompletedAt = &completedAt
	l.runs[runID] = record
	return nil
}

// FailRun marks a run failed with its reason
func (l *Ledger) FailRun(ctx context.Context, runID core.RunID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, exists := l.runs[runID]
	if !exists {
		return fmt.Errorf("fail run %s: %w", runID, core.ErrRunNotFound)
	}
	record.Status = ports.RunFailed
	record.Error = reason
	now := core.Now()
	record.CompletedAt = &now
	l.runs[runID] = record
	return nil
}

// StoreReport appends a model report. A run's report is write-once.
func (l *Ledger) StoreReport(ctx context.Context, rep report.ModelReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.reports[rep.ID]; exists {
		return fmt.Errorf("report %s already exists", rep.ID)
	}
	if existing, exists := l.reportByRun[rep.RunID]; exists {
		return fmt.Errorf("run %s already has report %s", rep.RunID, existing)
	}
	l.reports[rep.ID] = rep
	l.reportOrder = append(l.reportOrder, rep.ID)
	l.reportByRun[rep.RunID] = rep.ID
	return nil
}

// ListRuns returns runs newest first, filtered and paginated
func (l *Ledger) ListRuns(ctx context.Context, filters ports.RunFilters) ([]ports.RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]ports.RunRecord, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		record := l.runs[l.order[i]]
		if filters.Status != nil && record.Status != *filters.Status {
			continue
		}
		matched = append(matched, record)
	}

	start := filters.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filters.Limit > 0 && start+filters.Limit < end {
		end = start + filters.Limit
	}
	return matched[start:end], nil
}

// GetRun looks up one run
func (l *Ledger) GetRun(ctx context.Context, runID core.RunID) (*ports.RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, exists := l.runs[runID]
	if !exists {
		return nil, fmt.Errorf("get run %s: %w", runID, core.ErrRunNotFound)
	}
	return &record, nil
}

// GetReport looks up one report by ID
func (l *Ledger) GetReport(ctx context.Context, reportID core.ReportID) (*report.ModelReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rep, exists := l.reports[reportID]
	if !exists {
		return nil, fmt.Errorf("get report %s: %w", reportID, core.ErrReportNotFound)
	}
	return &rep, nil
}

// GetReportByRun looks up the report attached to a run
func (l *Ledger) GetReportByRun(ctx context.Context, runID core.RunID) (*report.ModelReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	reportID, exists := l.reportByRun[runID]
	if !exists {
		return nil, fmt.Errorf("report for run %s: %w", runID, core.ErrReportNotFound)
	}
	rep := l.reports[reportID]
	return &rep, nil
}

// ListReports returns reports newest first
func (l *Ledger) ListReports(ctx context.Context, limit, offset int) ([]report.ModelReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := make([]report.ModelReport, 0, len(l.reportOrder))
	for i := len(l.reportOrder) - 1; i >= 0; i-- {
		all = append(all, l.reports[l.reportOrder[i]])
	}
	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return all[start:end], nil
}
