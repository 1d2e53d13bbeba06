package ports

import (
	"context"

	"golmm/domain/observation"
)

// ColumnMapping names the source columns holding each trial field. Response
// is optional; when empty the outcome comes from the correctness and latency
// columns alone.
type ColumnMapping struct {
	Subject   string `json:"subject"`
	Item      string `json:"item"`
	Condition string `json:"condition"`
	Response  string `json:"response"`
	Correct   string `json:"correct"`
	RT        string `json:"rt"`
}

// TrialReaderPort ingests trial-level data from an external source into an
// immutable dataset. Implementations must not retain references to the
// returned observations.
type TrialReaderPort interface {
	// Read loads every trial row from the source path. Formats are detected
	// by extension.
	Read(ctx context.Context, path string, mapping ColumnMapping) (observation.Dataset, error)

	// SupportedExtensions lists the file extensions the reader accepts
	SupportedExtensions() []string
}
