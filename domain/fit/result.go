package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
	"golmm/domain/model"
)

// WarningCode classifies fit-quality conditions that are surfaced to the
// caller rather than hidden.
type WarningCode string

const (
	// WarnConvergence marks gradient or Hessian trouble at the optimum.
	WarnConvergence WarningCode = "convergence"
	// WarnProvisional marks the best available fit after every configured
	// optimizer failed to converge cleanly.
	WarnProvisional WarningCode = "provisional_fit"
	// WarnOptimizerDisagreement marks a failed cross-optimizer verification.
	WarnOptimizerDisagreement WarningCode = "optimizer_disagreement"
	// WarnBoundaryFit marks a variance component estimated at (or next to)
	// zero, the condition PCA reduction acts on.
	WarnBoundaryFit WarningCode = "boundary_fit"
)

// Warning is one surfaced fit-quality condition
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Coefficient is one estimated fixed effect
type Coefficient struct {
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	StdError float64 `json:"std_error"`
}

// RandomCovariance is the estimated covariance of one grouping factor's
// random effects, with terms in the same order as the specification
// (intercept first).
type RandomCovariance struct {
	Grouping   model.Grouping `json:"grouping"`
	Terms      []string       `json:"terms"`
	Covariance *mat.SymDense  `json:"-"`
}

// StdDevs returns the per-term random-effect standard deviations
func (rc RandomCovariance) StdDevs() []float64 {
	out := make([]float64, len(rc.Terms))
	for i := range rc.Terms {
		v := rc.Covariance.At(i, i)
		if v > 0 {
			out[i] = math.Sqrt(v)
		}
	}
	return out
}

// Correlation returns the correlation between two terms, or 0 when either
// variance is zero.
func (rc RandomCovariance) Correlation(i, j int) float64 {
	vi, vj := rc.Covariance.At(i, i), rc.Covariance.At(j, j)
	if vi <= 0 || vj <= 0 {
		return 0
	}
	return rc.Covariance.At(i, j) / math.Sqrt(vi*vj)
}

// Result is the immutable outcome of fitting one model specification to one
// dataset. Point estimates are only present for non-degenerate fits; the
// engine returns an error instead of a Result otherwise.
type Result struct {
	ID   core.FitID `json:"id"`
	Spec model.Spec `json:"spec"`

	Coefficients []Coefficient      `json:"coefficients"`
	Random       []RandomCovariance `json:"random"`

	LogLik     float64 `json:"log_lik"`
	Deviance   float64 `json:"deviance"`
	Sigma      float64 `json:"sigma"`
	Dispersion float64 `json:"dispersion"`

	R2Marginal    float64 `json:"r2_marginal"`
	R2Conditional float64 `json:"r2_conditional"`

	NumObs    int `json:"num_obs"`
	NumParams int `json:"num_params"`

	Converged   bool      `json:"converged"`
	Warnings    []Warning `json:"warnings"`
	Optimizer   string    `json:"optimizer"`
	Evaluations int       `json:"evaluations"`
	Theta       []float64 `json:"theta"`
	REML        bool      `json:"reml"`

	FittedAt core.Timestamp `json:"fitted_at"`
}

// AIC is Akaike's information criterion
func (r Result) AIC() float64 {
	return -2*r.LogLik + 2*float64(r.NumParams)
}

// BIC is the Bayesian information criterion
func (r Result) BIC() float64 {
	return -2*r.LogLik + float64(r.NumParams)*math.Log(float64(r.NumObs))
}

// CoefficientFor looks up a fixed effect by term name
func (r Result) CoefficientFor(term string) (Coefficient, bool) {
	for _, c := range r.Coefficients {
		if c.Term == term {
			return c, true
		}
	}
	return Coefficient{}, false
}

// RandomFor looks up the covariance estimate for a grouping factor
func (r Result) RandomFor(grouping model.Grouping) (RandomCovariance, bool) {
	for _, rc := range r.Random {
		if rc.Grouping == grouping {
			return rc, true
		}
	}
	return RandomCovariance{}, false
}

// HasWarning reports whether a warning with the code is attached
func (r Result) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// WithWarning returns a copy of the result with an extra warning attached
func (r Result) WithWarning(code WarningCode, format string, args ...interface{}) Result {
	r.Warnings = append(append([]Warning(nil), r.Warnings...), Warning{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
	return r
}
