package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golmm/domain/report"
	"golmm/ports"
)

const displayTime = "2006-01-02 15:04:05"

// runRow is one ledger entry shaped for the run table
type runRow struct {
	ID       string
	Status   string
	State    string
	Formula  string
	Started  string
	Duration string
	Error    string
}

type indexView struct {
	Runs      []runRow
	Total     int
	Completed int
	Running   int
	Failed    int
}

type runDetailView struct {
	Run         runRow
	Fingerprint string
	DatasetHash string
	Report      *reportView
}

// reportView carries a model report with every number already formatted,
// so the templates stay free of float handling.
type reportView struct {
	RunID       string
	Formula     string
	Family      string
	Link        string
	Outcome     string
	NumObs      int
	Subjects    int
	Items       int
	Alpha       string
	Provisional bool
	Fixed       []fixedRowView
	Indices     indicesView
	Random      []randomRowView
	Reductions  []report.ReductionRecord
	Panel       []panelRowView
	Comparisons []comparisonRowView
	Warnings    []string
	Trimming    trimmingView
	CreatedAt   string
}

type fixedRowView struct {
	Term      string
	Estimate  string
	StdError  string
	Statistic string
	PValue    string
	Mark      string
}

type indicesView struct {
	AIC           string
	BIC           string
	LogLik        string
	Deviance      string
	Sigma         string
	R2Marginal    string
	R2Conditional string
}

type randomRowView struct {
	Grouping string
	Terms    string
}

type panelRowView struct {
	Name        string
	Converged   bool
	LogLik      string
	Evaluations int
	Failure     string
}

type comparisonRowView struct {
	Term      string
	Statistic string
	DF        int
	PValue    string
	Retained  bool
}

type trimmingView struct {
	TotalTrials      int
	IncorrectRemoved int
	OutOfBounds      int
	Remaining        int
	Bounds           string
}

type reportListView struct {
	Reports []reportListRow
}

type reportListRow struct {
	ID      string
	RunID   string
	Formula string
	Created string
}

func buildIndexView(records []ports.RunRecord) indexView {
	view := indexView{Runs: make([]runRow, 0, len(records)), Total: len(records)}
	for _, record := range records {
		view.Runs = append(view.Runs, buildRunRow(record))
		switch record.Status {
		case ports.RunCompleted:
			view.Completed++
		case ports.RunRunning:
			view.Running++
		case ports.RunFailed:
			view.Failed++
		}
	}
	return view
}

func buildRunRow(record ports.RunRecord) runRow {
	row := runRow{
		ID:      record.ID.String(),
		Status:  string(record.Status),
		State:   string(record.State),
		Formula: record.Formula,
		Started: record.StartedAt.Time().Format(displayTime),
		Error:   record.Error,
	}
	if record.CompletedAt != nil {
		row.Duration = record.CompletedAt.Sub(record.StartedAt).Round(time.Millisecond).String()
	}
	return row
}

func buildReportView(rep report.ModelReport) reportView {
	view := reportView{
		RunID:       rep.RunID.String(),
		Formula:     rep.Formula,
		Family:      rep.Family,
		Link:        rep.Link,
		Outcome:     rep.Outcome,
		NumObs:      rep.NumObs,
		Subjects:    rep.Subjects,
		Items:       rep.Items,
		Alpha:       fmt.Sprintf("%.2f", rep.Alpha),
		Provisional: rep.Provisional,
		Reductions:  rep.Reductions,
		CreatedAt:   rep.CreatedAt.Time().Format(displayTime),
		Indices: indicesView{
			AIC:           fmt.Sprintf("%.1f", rep.Indices.AIC),
			BIC:           fmt.Sprintf("%.1f", rep.Indices.BIC),
			LogLik:        fmt.Sprintf("%.2f", rep.Indices.LogLik),
			Deviance:      fmt.Sprintf("%.2f", rep.Indices.Deviance),
			Sigma:         fmt.Sprintf("%.4f", rep.Indices.Sigma),
			R2Marginal:    fmt.Sprintf("%.3f", rep.Indices.R2Marginal),
			R2Conditional: fmt.Sprintf("%.3f", rep.Indices.R2Conditional),
		},
		Trimming: trimmingView{
			TotalTrials:      rep.Trimming.TotalTrials,
			IncorrectRemoved: rep.Trimming.IncorrectRemoved,
			OutOfBounds:      rep.Trimming.OutOfBounds,
			Remaining:        rep.Trimming.Remaining,
			Bounds:           fmt.Sprintf("[%.0f ms, %.0f ms]", rep.Trimming.LowerBound, rep.Trimming.UpperBound),
		},
	}

	for _, row := range rep.FixedEffects {
		view.Fixed = append(view.Fixed, fixedRowView{
			Term:      row.Term,
			Estimate:  fmt.Sprintf("%.4f", row.Estimate),
			StdError:  fmt.Sprintf("%.4f", row.StdError),
			Statistic: formatStatistic(row.Statistic),
			PValue:    formatPValue(row.PValue),
			Mark:      significanceMark(row.Significant),
		})
	}
	for _, random := range rep.Random {
		view.Random = append(view.Random, randomRowView{
			Grouping: string(random.Grouping),
			Terms:    joinTermStdDevs(random.Terms, random.StdDevs),
		})
	}
	for _, outcome := range rep.Panel {
		view.Panel = append(view.Panel, panelRowView{
			Name:        outcome.Name,
			Converged:   outcome.Converged,
			LogLik:      fmt.Sprintf("%.4f", outcome.LogLik),
			Evaluations: outcome.Evaluations,
			Failure:     outcome.Failure,
		})
	}
	for _, comparison := range rep.Comparisons {
		view.Comparisons = append(view.Comparisons, comparisonRowView{
			Term:      comparison.Term,
			Statistic: fmt.Sprintf("%.3f", comparison.Statistic),
			DF:        comparison.DF,
			PValue:    formatPValue(comparison.PValue),
			Retained:  comparison.Retained,
		})
	}
	for _, warning := range rep.Warnings {
		view.Warnings = append(view.Warnings, warning.Message)
	}
	return view
}

func buildReportListView(reports []report.ModelReport) reportListView {
	view := reportListView{Reports: make([]reportListRow, 0, len(reports))}
	for _, rep := range reports {
		view.Reports = append(view.Reports, reportListRow{
			ID:      rep.ID.String(),
			RunID:   rep.RunID.String(),
			Formula: rep.Formula,
			Created: rep.CreatedAt.Time().Format(displayTime),
		})
	}
	return view
}

func formatStatistic(z float64) string {
	if math.IsNaN(z) {
		return "NA"
	}
	return fmt.Sprintf("%.3f", z)
}

func formatPValue(p float64) string {
	if math.IsNaN(p) {
		return "NA"
	}
	if p < 0.001 {
		return "< .001"
	}
	return fmt.Sprintf("%.3f", p)
}

func significanceMark(significant bool) string {
	if significant {
		return "*"
	}
	return ""
}

func joinTermStdDevs(terms []string, stdDevs []float64) string {
	parts := make([]string, 0, len(terms))
	for i, term := range terms {
		if i < len(stdDevs) {
			parts = append(parts, fmt.Sprintf("%s (%.4f)", term, stdDevs[i]))
		} else {
			parts = append(parts, term)
		}
	}
	return strings.Join(parts, ", ")
}
