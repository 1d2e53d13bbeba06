package report

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"golmm/domain/core"
	"golmm/domain/fit"
	"golmm/domain/model"
	"golmm/domain/observation"
)

// FixedEffectRow is one line of the fixed-effect table
type FixedEffectRow struct {
	Term        string
	Estimate    float64
	StdError    float64
	Statistic   float64
	PValue      float64
	Significant bool
}

// fixedEffectRowJSON is the wire form of FixedEffectRow. The Wald statistic
// travels as a nullable number because a zero-standard-error row carries a
// NaN statistic, which encoding/json refuses to emit.
type fixedEffectRowJSON struct {
	Term        string   `json:"term"`
	Estimate    float64  `json:"estimate"`
	StdError    float64  `json:"std_error"`
	Statistic   *float64 `json:"statistic"`
	PValue      float64  `json:"p_value"`
	Significant bool     `json:"significant"`
}

func (r FixedEffectRow) MarshalJSON() ([]byte, error) {
	out := fixedEffectRowJSON{
		Term:        r.Term,
		Estimate:    r.Estimate,
		StdError:    r.StdError,
		PValue:      r.PValue,
		Significant: r.Significant,
	}
	if !math.IsNaN(r.Statistic) {
		out.Statistic = &r.Statistic
	}
	return json.Marshal(out)
}

func (r *FixedEffectRow) UnmarshalJSON(data []byte) error {
	var in fixedEffectRowJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Term = in.Term
	r.Estimate = in.Estimate
	r.StdError = in.StdError
	r.PValue = in.PValue
	r.Significant = in.Significant
	if in.Statistic != nil {
		r.Statistic = *in.Statistic
	} else {
		r.Statistic = math.NaN()
	}
	return nil
}

// FitIndices summarizes model quality
type FitIndices struct {
	AIC           float64 `json:"aic"`
	BIC           float64 `json:"bic"`
	LogLik        float64 `json:"log_lik"`
	Deviance      float64 `json:"deviance"`
	Sigma         float64 `json:"sigma"`
	R2Marginal    float64 `json:"r2_marginal"`
	R2Conditional float64 `json:"r2_conditional"`
}

// RandomEffectSummary describes the surviving random-effect structure for one
// grouping factor.
type RandomEffectSummary struct {
	Grouping     model.Grouping `json:"grouping"`
	Terms        []string       `json:"terms"`
	StdDevs      []float64      `json:"std_devs"`
	Correlations [][]float64    `json:"correlations,omitempty"`
}

// ReductionRecord documents one simplification of the random-effect
// structure during the principal-component pass.
type ReductionRecord struct {
	Iteration     int            `json:"iteration"`
	Grouping      model.Grouping `json:"grouping"`
	DroppedSlope  string         `json:"dropped_slope"`
	SmallestShare float64        `json:"smallest_share"`
}

// OptimizerOutcome is one optimizer's run in the verification panel
type OptimizerOutcome struct {
	Name        string  `json:"name"`
	Converged   bool    `json:"converged"`
	LogLik      float64 `json:"log_lik"`
	Evaluations int     `json:"evaluations"`
	Failure     string  `json:"failure,omitempty"`
}

// ComparisonRecord is one likelihood-ratio comparison between the surviving
// model and a nested reduction.
type ComparisonRecord struct {
	Term      string  `json:"term"`
	Statistic float64 `json:"statistic"`
	DF        int     `json:"df"`
	PValue    float64 `json:"p_value"`
	Retained  bool    `json:"retained"`
}

// ModelReport is the terminal artifact of an analysis run
type ModelReport struct {
	ID       core.ReportID `json:"id"`
	RunID    core.RunID    `json:"run_id"`
	Formula  string        `json:"formula"`
	Family   string        `json:"family"`
	Link     string        `json:"link"`
	Outcome  string        `json:"outcome"`
	NumObs   int           `json:"num_obs"`
	Subjects int           `json:"subjects"`
	Items    int           `json:"items"`

	FixedEffects []FixedEffectRow      `json:"fixed_effects"`
	Indices      FitIndices            `json:"indices"`
	Random       []RandomEffectSummary `json:"random"`
	Reductions   []ReductionRecord     `json:"reductions,omitempty"`
	Panel        []OptimizerOutcome    `json:"panel,omitempty"`
	Comparisons  []ComparisonRecord    `json:"comparisons,omitempty"`
	Warnings     []fit.Warning         `json:"warnings,omitempty"`

	Trimming    observation.TrimmingSummary `json:"trimming"`
	Provisional bool                        `json:"provisional"`
	Alpha       float64                     `json:"alpha"`
	CreatedAt   core.Timestamp              `json:"created_at"`
}

// BuildFixedEffectTable derives Wald z statistics and two-sided p-values from
// the fitted coefficients. A zero standard error yields a NaN statistic and a
// p-value of 1 rather than a spurious zero.
func BuildFixedEffectTable(result fit.Result, alpha float64) []FixedEffectRow {
	normal := distuv.Normal{Mu: 0, Sigma: 1}
	rows := make([]FixedEffectRow, 0, len(result.Coefficients))
	for _, c := range result.Coefficients {
		row := FixedEffectRow{
			Term:     c.Term,
			Estimate: c.Estimate,
			StdError: c.StdError,
			PValue:   1,
		}
		if c.StdError > 0 {
			row.Statistic = c.Estimate / c.StdError
			row.PValue = 2 * normal.Survival(math.Abs(row.Statistic))
			row.Significant = row.PValue < alpha
		} else {
			row.Statistic = math.NaN()
		}
		rows = append(rows, row)
	}
	return rows
}

// BuildIndices collects the fit indices from a result
func BuildIndices(result fit.Result) FitIndices {
	return FitIndices{
		AIC:           result.AIC(),
		BIC:           result.BIC(),
		LogLik:        result.LogLik,
		Deviance:      result.Deviance,
		Sigma:         result.Sigma,
		R2Marginal:    result.R2Marginal,
		R2Conditional: result.R2Conditional,
	}
}

// BuildRandomSummaries flattens the covariance estimates into
// presentation-ready standard deviations and correlations.
func BuildRandomSummaries(result fit.Result) []RandomEffectSummary {
	out := make([]RandomEffectSummary, 0, len(result.Random))
	for _, rc := range result.Random {
		summary := RandomEffectSummary{
			Grouping: rc.Grouping,
			Terms:    append([]string(nil), rc.Terms...),
			StdDevs:  rc.StdDevs(),
		}
		if len(rc.Terms) > 1 {
			corr := make([][]float64, len(rc.Terms))
			for i := range rc.Terms {
				corr[i] = make([]float64, len(rc.Terms))
				for j := range rc.Terms {
					if i == j {
						corr[i][j] = 1
						continue
					}
					corr[i][j] = rc.Correlation(i, j)
				}
			}
			summary.Correlations = corr
		}
		out = append(out, summary)
	}
	return out
}
