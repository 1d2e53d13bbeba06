package observation

import (
	"github.com/montanaflynn/stats"

	"golmm/domain/core"
)

// Filter returns a new dataset holding only observations the predicate keeps
func (d Dataset) Filter(keep func(Observation) bool) Dataset {
	var kept []Observation
	for _, obs := range d.Observations {
		if keep(obs) {
			kept = append(kept, obs)
		}
	}
	return d.derive(kept)
}

// CorrectOnly filters to correct trials
func (d Dataset) CorrectOnly() Dataset {
	return d.Filter(func(o Observation) bool { return o.Correct })
}

// WithinRTBounds filters to trials with lower <= RT <= upper (inclusive)
func (d Dataset) WithinRTBounds(lower, upper float64) Dataset {
	return d.Filter(func(o Observation) bool {
		return o.RTMillis >= lower && o.RTMillis <= upper
	})
}

// ConditionSummary holds per-condition descriptives recorded alongside a
// trimmed dataset so a report can show what the analysis actually saw.
type ConditionSummary struct {
	Condition string  `json:"condition"`
	Count     int     `json:"count"`
	MeanRT    float64 `json:"mean_rt"`
	SDRT      float64 `json:"sd_rt"`
	MedianRT  float64 `json:"median_rt"`
	Accuracy  float64 `json:"accuracy"`
}

// TrimmingSummary records the effect of the preparation pipeline
type TrimmingSummary struct {
	TotalTrials      int                `json:"total_trials"`
	IncorrectRemoved int                `json:"incorrect_removed"`
	OutOfBounds      int                `json:"out_of_bounds"`
	Remaining        int                `json:"remaining"`
	LowerBound       float64            `json:"lower_bound"`
	UpperBound       float64            `json:"upper_bound"`
	ByCondition      []ConditionSummary `json:"by_condition"`
}

// Prepare applies the standard preparation pipeline: optional correctness
// filter, then RT trimming, and returns the prepared dataset with a summary.
// The input dataset is never modified.
func Prepare(d Dataset, lower, upper float64, keepIncorrect bool) (Dataset, TrimmingSummary, error) {
	summary := TrimmingSummary{
		TotalTrials: d.Len(),
		LowerBound:  lower,
		UpperBound:  upper,
	}

	afterAccuracy := d
	if !keepIncorrect {
		afterAccuracy = d.CorrectOnly()
	}
	summary.IncorrectRemoved = d.Len() - afterAccuracy.Len()

	trimmed := afterAccuracy.WithinRTBounds(lower, upper)
	summary.OutOfBounds = afterAccuracy.Len() - trimmed.Len()
	summary.Remaining = trimmed.Len()

	if trimmed.Len() == 0 {
		return Dataset{}, summary, core.ErrEmptyDataset
	}

	byCondition, err := summarizeConditions(trimmed)
	if err != nil {
		return Dataset{}, summary, err
	}
	summary.ByCondition = byCondition

	return trimmed, summary, nil
}

func summarizeConditions(d Dataset) ([]ConditionSummary, error) {
	rtByCondition := make(map[string][]float64)
	correctByCondition := make(map[string]int)
	for _, obs := range d.Observations {
		rtByCondition[obs.Condition] = append(rtByCondition[obs.Condition], obs.RTMillis)
		if obs.Correct {
			correctByCondition[obs.Condition]++
		}
	}

	var out []ConditionSummary
	for _, condition := range d.Conditions() {
		rts := rtByCondition[condition]

		mean, err := stats.Mean(rts)
		if err != nil {
			return nil, err
		}
		median, err := stats.Median(rts)
		if err != nil {
			return nil, err
		}
		sd := 0.0
		if len(rts) > 1 {
			sd, err = stats.StandardDeviationSample(rts)
			if err != nil {
				return nil, err
			}
		}

		out = append(out, ConditionSummary{
			Condition: condition,
			Count:     len(rts),
			MeanRT:    mean,
			SDRT:      sd,
			MedianRT:  median,
			Accuracy:  float64(correctByCondition[condition]) / float64(len(rts)),
		})
	}
	return out, nil
}
