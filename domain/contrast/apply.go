package contrast

import (
	"golmm/domain/core"
	"golmm/domain/observation"
)

// CodedColumn is one contrast's numeric predictor over all observations
type CodedColumn struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// CodedDataset pairs a dataset with the per-observation contrast codes
// attached to it. Attachment is a pure transformation: the source dataset is
// untouched and the codes are derived entirely from the coding matrix.
type CodedDataset struct {
	Dataset observation.Dataset `json:"dataset"`
	Factor  observation.Factor  `json:"factor"`
	Columns []CodedColumn       `json:"columns"`
}

// AttachCodes appends one numeric column per contrast to the dataset: each
// observation's value is the coding-matrix entry for its condition level.
func AttachCodes(d observation.Dataset, factor observation.Factor, coding CodingMatrix) (CodedDataset, error) {
	if d.Len() == 0 {
		return CodedDataset{}, core.ErrEmptyDataset
	}
	if err := factor.Validate(d); err != nil {
		return CodedDataset{}, err
	}

	columns := make([]CodedColumn, len(coding.ContrastNames))
	for j, name := range coding.ContrastNames {
		columns[j] = CodedColumn{
			Name:   name,
			Values: make([]float64, d.Len()),
		}
	}

	for i, obs := range d.Observations {
		levelIdx := factor.LevelIndex(obs.Condition)
		for j := range columns {
			columns[j].Values[i] = coding.Code(levelIdx, j)
		}
	}

	return CodedDataset{
		Dataset: d,
		Factor:  factor,
		Columns: columns,
	}, nil
}

// ColumnNames lists the attached predictor names in order
func (cd CodedDataset) ColumnNames() []string {
	names := make([]string, len(cd.Columns))
	for i, col := range cd.Columns {
		names[i] = col.Name
	}
	return names
}
