package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/report"
	"golmm/ports"
)

// AnalysisRun is the database row behind one analysis run
type AnalysisRun struct {
	ID          string         `json:"id" db:"id"`
	Fingerprint string         `json:"fingerprint" db:"fingerprint"`
	DatasetHash string         `json:"dataset_hash" db:"dataset_hash"`
	Formula     string         `json:"formula" db:"formula"`
	Status      string         `json:"status" db:"status"`
	State       string         `json:"state" db:"state"`
	Error       sql.NullString `json:"error,omitempty" db:"error_message"`
	StartedAt   time.Time      `json:"started_at" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// NewAnalysisRun maps a port-level run record onto its database row
func NewAnalysisRun(record ports.RunRecord) AnalysisRun {
	row := AnalysisRun{
		ID:          record.ID.String(),
		Fingerprint: record.Fingerprint.String(),
		DatasetHash: record.DatasetHash.String(),
		Formula:     record.Formula,
		Status:      string(record.Status),
		State:       string(record.State),
		Error:       sql.NullString{String: record.Error, Valid: record.Error != ""},
		StartedAt:   record.StartedAt.Time(),
	}
	if record.CompletedAt != nil {
		t := record.CompletedAt.Time()
		row.CompletedAt = &t
	}
	return row
}

// ToRecord converts the database row back to its port-level record
func (a AnalysisRun) ToRecord() ports.RunRecord {
	record := ports.RunRecord{
		ID:          core.RunID(a.ID),
		Fingerprint: core.Hash(a.Fingerprint),
		DatasetHash: core.Hash(a.DatasetHash),
		Formula:     a.Formula,
		Status:      ports.RunStatus(a.Status),
		State:       model.State(a.State),
		StartedAt:   core.NewTimestamp(a.StartedAt),
	}
	if a.Error.Valid {
		record.Error = a.Error.String
	}
	if a.CompletedAt != nil {
		t := core.NewTimestamp(*a.CompletedAt)
		record.CompletedAt = &t
	}
	return record
}

// ModelReportRecord is the database row behind one persisted model report.
// The report document itself travels as a JSONB payload so the schema stays
// stable while the report shape evolves.
type ModelReportRecord struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Formula   string    `json:"formula" db:"formula"`
	Payload   JSONBMap  `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewModelReportRecord maps a model report onto its database row
func NewModelReportRecord(rep report.ModelReport) (ModelReportRecord, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return ModelReportRecord{}, fmt.Errorf("encode report %s: %w", rep.ID, err)
	}
	payload := make(JSONBMap)
	if err := json.Unmarshal(data, &payload); err != nil {
		return ModelReportRecord{}, fmt.Errorf("encode report %s: %w", rep.ID, err)
	}
	return ModelReportRecord{
		ID:        rep.ID.String(),
		RunID:     rep.RunID.String(),
		Formula:   rep.Formula,
		Payload:   payload,
		CreatedAt: rep.CreatedAt.Time(),
	}, nil
}

// ToReport decodes the JSONB payload back into a model report
func (m ModelReportRecord) ToReport() (report.ModelReport, error) {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return report.ModelReport{}, fmt.Errorf("decode report %s: %w", m.ID, err)
	}
	var rep report.ModelReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return report.ModelReport{}, fmt.Errorf("decode report %s: %w", m.ID, err)
	}
	// The row columns are authoritative for identity.
	rep.ID = core.ReportID(m.ID)
	rep.RunID = core.RunID(m.RunID)
	return rep, nil
}
