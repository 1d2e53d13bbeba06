package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID is a domain identifier. IDs are uuid-v7 strings, so lexical order
// follows creation order wherever they end up indexed.
type ID string

// NewID creates a time-ordered unique identifier, falling back to uuid v4
// when v7 generation is unavailable.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ID(id.String())
}

func (id ID) String() string { return string(id) }

// IsEmpty reports whether the ID is unset
func (id ID) IsEmpty() bool { return id == "" }

// Domain-specific ID types
type (
	DatasetID ID
	RunID     ID
	FitID     ID
	ReportID  ID
)

func (id DatasetID) String() string { return ID(id).String() }
func (id RunID) String() string     { return ID(id).String() }
func (id FitID) String() string     { return ID(id).String() }
func (id ReportID) String() string  { return ID(id).String() }

func NewDatasetID() DatasetID { return DatasetID(NewID()) }
func NewRunID() RunID         { return RunID(NewID()) }
func NewFitID() FitID         { return FitID(NewID()) }
func NewReportID() ReportID   { return ReportID(NewID()) }

// ParseDatasetID validates a caller-supplied dataset ID
func ParseDatasetID(s string) (DatasetID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("dataset ID cannot be empty")
	}
	return DatasetID(s), nil
}

// ParseRunID validates a caller-supplied run ID
func ParseRunID(s string) (RunID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("run ID cannot be empty")
	}
	return RunID(s), nil
}
