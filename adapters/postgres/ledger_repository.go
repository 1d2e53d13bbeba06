package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/report"
	"golmm/models"
	"golmm/ports"
)

const runColumns = `id, fingerprint, dataset_hash, formula, status, state, error_message, started_at, completed_at, created_at, updated_at`

// LedgerRepositoryImpl implements the run and report ledger for PostgreSQL
type LedgerRepositoryImpl struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new PostgreSQL ledger repository
func NewLedgerRepository(db *sqlx.DB) ports.LedgerPort {
	return &LedgerRepositoryImpl{db: db}
}

// CreateRun registers a new run record
func (r *LedgerRepositoryImpl) CreateRun(ctx context.Context, record ports.RunRecord) error {
	row := models.NewAnalysisRun(record)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (id, fingerprint, dataset_hash, formula, status, state, error_message, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, row.ID, row.Fingerprint, row.DatasetHash, row.Formula, row.Status, row.State, row.Error, row.StartedAt, row.CompletedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("run %s already exists", record.ID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunState advances a run's status and model state
func (r *LedgerRepositoryImpl) UpdateRunState(ctx context.Context, runID core.RunID, status ports.RunStatus, state model.State) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2, state = $3, updated_at = NOW()
		WHERE id = $1
	`, runID.String(), string(status), string(state))
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return r.requireRow(result, "update run", runID)
}

// CompleteRun marks a run finished
func (r *LedgerRepositoryImpl) CompleteRun(ctx context.Context, runID core.RunID, completedAt core.Timestamp) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1
	`, runID.String(), string(ports.RunCompleted), completedAt.Time())
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return r.requireRow(result, "complete run", runID)
}

// FailRun marks a run failed with its reason
func (r *LedgerRepositoryImpl) FailRun(ctx context.Context, runID core.RunID, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, runID.String(), string(ports.RunFailed), reason)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	return r.requireRow(result, "fail run", runID)
}

// StoreReport appends a model report. The unique constraint on run_id keeps
// a run's report write-once at the database level.
func (r *LedgerRepositoryImpl) StoreReport(ctx context.Context, rep report.ModelReport) error {
	row, err := models.NewModelReportRecord(rep)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO model_reports (id, run_id, formula, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, row.ID, row.RunID, row.Formula, row.Payload, row.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505": // unique_violation
				return fmt.Errorf("run %s already has a report", rep.RunID)
			case "23503": // foreign_key_violation
				return fmt.Errorf("store report for run %s: %w", rep.RunID, core.ErrRunNotFound)
			}
		}
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first, filtered and paginated
func (r *LedgerRepositoryImpl) ListRuns(ctx context.Context, filters ports.RunFilters) ([]ports.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs`

	var args []interface{}
	if filters.Status != nil {
		query += " WHERE status = $1"
		args = append(args, string(*filters.Status))
	}
	query += " ORDER BY started_at DESC, created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filters.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []ports.RunRecord
	for rows.Next() {
		var row models.AnalysisRun
		err := rows.Scan(
			&row.ID,
			&row.Fingerprint,
			&row.DatasetHash,
			&row.Formula,
			&row.Status,
			&row.State,
			&row.Error,
			&row.StartedAt,
			&row.CompletedAt,
			&row.CreatedAt,
			&row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, row.ToRecord())
	}

	return records, rows.Err()
}

// GetRun looks up one run
func (r *LedgerRepositoryImpl) GetRun(ctx context.Context, runID core.RunID) (*ports.RunRecord, error) {
	var row models.AnalysisRun
	err := r.db.GetContext(ctx, &row, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE id = $1
	`, runID.String())

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", runID, core.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	record := row.ToRecord()
	return &record, nil
}

// GetReport looks up one report by ID
func (r *LedgerRepositoryImpl) GetReport(ctx context.Context, reportID core.ReportID) (*report.ModelReport, error) {
	var row models.ModelReportRecord
	err := r.db.GetContext(ctx, &row, `
		SELECT id, run_id, formula, payload, created_at
		FROM model_reports
		WHERE id = $1
	`, reportID.String())

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get report %s: %w", reportID, core.ErrReportNotFound)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	rep, err := row.ToReport()
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetReportByRun looks up the report attached to a run
func (r *LedgerRepositoryImpl) GetReportByRun(ctx context.Context, runID core.RunID) (*report.ModelReport, error) {
	var row models.ModelReportRecord
	err := r.db.GetContext(ctx, &row, `
		SELECT id, run_id, formula, payload, created_at
		FROM model_reports
		WHERE run_id = $1
	`, runID.String())

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("report for run %s: %w", runID, core.ErrReportNotFound)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	rep, err := row.ToReport()
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// ListReports returns reports newest first
func (r *LedgerRepositoryImpl) ListReports(ctx context.Context, limit, offset int) ([]report.ModelReport, error) {
	query := `
		SELECT id, run_id, formula, payload, created_at
		FROM model_reports
		ORDER BY created_at DESC
	`

	var args []interface{}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []report.ModelReport
	for rows.Next() {
		var row models.ModelReportRecord
		if err := rows.Scan(&row.ID, &row.RunID, &row.Formula, &row.Payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		rep, err := row.ToReport()
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}

	return reports, rows.Err()
}

// requireRow maps an update that touched nothing to a run-not-found error
func (r *LedgerRepositoryImpl) requireRow(result sql.Result, action string, runID core.RunID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", action, runID, core.ErrRunNotFound)
	}
	return nil
}
