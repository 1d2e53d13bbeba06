package excel

import (
	"fmt"
	"strconv"
	"strings"

	"golmm/domain/observation"
	"golmm/ports"
)

// columnIndexes holds the resolved position of each trial field in the
// source rows. response is -1 when the source carries no response column.
type columnIndexes struct {
	subject   int
	item      int
	condition int
	response  int
	correct   int
	rt        int
}

// defaultColumnNames are used for any mapping field left empty
var defaultColumnNames = ports.ColumnMapping{
	Subject:   "subject",
	Item:      "item",
	Condition: "condition",
	Response:  "response",
	Correct:   "correct",
	RT:        "rt",
}

// resolveColumns locates every mapped column in the header row. Matching is
// case-insensitive and ignores surrounding whitespace. A required column that
// cannot be found is an error naming the available headers; the response
// column is only required when the mapping names one explicitly.
func resolveColumns(header []string, mapping ports.ColumnMapping) (columnIndexes, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, exists := byName[name]; exists {
			return columnIndexes{}, fmt.Errorf("duplicate column %q in header", name)
		}
		byName[name] = i
	}

	find := func(field, configured, fallback string) (int, error) {
		name := configured
		if name == "" {
			name = fallback
		}
		idx, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return -1, fmt.Errorf("%s column %q not found (headers: %s)",
				field, name, strings.Join(header, ", "))
		}
		return idx, nil
	}

	var columns columnIndexes
	var err error
	if columns.subject, err = find("subject", mapping.Subject, defaultColumnNames.Subject); err != nil {
		return columnIndexes{}, err
	}
	if columns.item, err = find("item", mapping.Item, defaultColumnNames.Item); err != nil {
		return columnIndexes{}, err
	}
	if columns.condition, err = find("condition", mapping.Condition, defaultColumnNames.Condition); err != nil {
		return columnIndexes{}, err
	}
	if columns.correct, err = find("correct", mapping.Correct, defaultColumnNames.Correct); err != nil {
		return columnIndexes{}, err
	}
	if columns.rt, err = find("rt", mapping.RT, defaultColumnNames.RT); err != nil {
		return columnIndexes{}, err
	}

	if mapping.Response != "" {
		if columns.response, err = find("response", mapping.Response, ""); err != nil {
			return columnIndexes{}, err
		}
	} else if idx, ok := byName[defaultColumnNames.Response]; ok {
		columns.response = idx
	} else {
		columns.response = -1
	}

	return columns, nil
}

// decodeTrials coerces data rows into observations. Fully empty rows are
// skipped; every coercion failure is collected with its file row number so
// the caller sees all problems in one pass instead of fixing them one by one.
func decodeTrials(rows [][]string, columns columnIndexes) ([]observation.Observation, error) {
	var trials []observation.Observation
	var rowErrors []string

	for i, row := range rows {
		if rowIsEmpty(row) {
			continue
		}
		// Header is file row 1, so the first data row is row 2.
		rowNum := i + 2

		obs, err := decodeTrial(row, columns)
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}
		trials = append(trials, obs)
	}

	if len(rowErrors) > 0 {
		const maxShown = 5
		shown := rowErrors
		if len(shown) > maxShown {
			shown = shown[:maxShown]
		}
		detail := strings.Join(shown, "; ")
		if extra := len(rowErrors) - maxShown; extra > 0 {
			detail = fmt.Sprintf("%s (and %d more)", detail, extra)
		}
		return nil, fmt.Errorf("%d invalid rows: %s", len(rowErrors), detail)
	}

	return trials, nil
}

func decodeTrial(row []string, columns columnIndexes) (observation.Observation, error) {
	subject := cell(row, columns.subject)
	item := cell(row, columns.item)
	condition := cell(row, columns.condition)
	response := ""
	if columns.response >= 0 {
		response = cell(row, columns.response)
	}

	correct, err := parseCorrect(cell(row, columns.correct))
	if err != nil {
		return observation.Observation{}, err
	}

	rtText := cell(row, columns.rt)
	rt, err := strconv.ParseFloat(rtText, 64)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("response time %q is not numeric", rtText)
	}

	return observation.NewObservation(subject, item, condition, response, correct, rt)
}

// parseCorrect accepts the accuracy codings that show up in trial exports:
// 1/0, true/false, and yes/no in any casing.
func parseCorrect(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return true, nil
	case "0", "false", "f", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("correctness flag %q is not boolean", s)
	}
}

// cell returns the trimmed value at idx, tolerating short rows
func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func rowIsEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
