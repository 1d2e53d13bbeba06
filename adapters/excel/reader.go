package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"golmm/domain/observation"
	"golmm/ports"
)

// DataReader loads trial-level data from Excel and CSV files. Both formats
// want a header row; columns are located through the mapping with
// case-insensitive name matching, so exports from different lab software can
// be ingested without renaming anything.
type DataReader struct{}

// NewDataReader creates a reader that handles both Excel and CSV files
func NewDataReader() *DataReader {
	return &DataReader{}
}

// SupportedExtensions lists the file extensions the reader accepts
func (r *DataReader) SupportedExtensions() []string {
	return []string{".xlsx", ".csv"}
}

// Read loads every trial row from the source file into an immutable dataset.
// The format is detected by extension: .xlsx is read from Sheet1, .csv with
// the standard library CSV parser. Rows that fail coercion are collected and
// reported together with their file row numbers.
func (r *DataReader) Read(ctx context.Context, path string, mapping ports.ColumnMapping) (observation.Dataset, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return observation.Dataset{}, fmt.Errorf("data file not found: %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	log.Printf("[DataReader] reading %s file: %s", strings.TrimPrefix(ext, "."), path)

	var rows [][]string
	var err error
	switch ext {
	case ".xlsx":
		rows, err = readSheetRows(path)
	case ".csv":
		rows, err = readCSVRows(path)
	default:
		return observation.Dataset{}, fmt.Errorf("unsupported file type %q (want .xlsx or .csv)", ext)
	}
	if err != nil {
		return observation.Dataset{}, err
	}
	if err := ctx.Err(); err != nil {
		return observation.Dataset{}, err
	}

	if len(rows) < 2 {
		return observation.Dataset{}, fmt.Errorf("%s must have a header row and at least one data row", path)
	}

	columns, err := resolveColumns(rows[0], mapping)
	if err != nil {
		return observation.Dataset{}, fmt.Errorf("%s: %w", path, err)
	}

	trials, err := decodeTrials(rows[1:], columns)
	if err != nil {
		return observation.Dataset{}, fmt.Errorf("%s: %w", path, err)
	}

	dataset, err := observation.NewDataset(path, trials)
	if err != nil {
		return observation.Dataset{}, err
	}

	log.Printf("[DataReader] %d trials ingested (%d subjects, %d items, %d conditions)",
		dataset.Len(), len(dataset.Subjects()), len(dataset.Items()), len(dataset.Conditions()))
	return dataset, nil
}

// readSheetRows reads all rows from Sheet1 of an Excel workbook
func readSheetRows(path string) ([][]string, error) {
	startTime := time.Now()
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		return nil, fmt.Errorf("failed to read Sheet1: %w", err)
	}
	log.Printf("[DataReader] Excel file read in %.2fms (%d rows)",
		float64(time.Since(startTime).Nanoseconds())/1e6, len(rows))
	return rows, nil
}

// readCSVRows reads all rows from a CSV file
func readCSVRows(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	startTime := time.Now()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	log.Printf("[DataReader] CSV file read in %.2fms (%d rows)",
		float64(time.Since(startTime).Nanoseconds())/1e6, len(rows))
	return rows, nil
}
