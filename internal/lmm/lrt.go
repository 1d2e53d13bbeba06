package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"golmm/domain/core"
	"golmm/domain/fit"
)

// statClampTolerance absorbs tiny negative likelihood-ratio statistics
// caused by optimizer noise between two separate fits.
const statClampTolerance = 1e-6

// Comparison is the outcome of one likelihood-ratio test between a full
// model and a nested reduction.
type Comparison struct {
	Term      string
	Statistic float64
	DF        int
	PValue    float64
	Retained  bool
}

// LikelihoodRatio tests whether the full model fits better than the nested
// reduced model missing one fixed-effect term. Both fits must use the same
// likelihood (maximum likelihood, not REML) on the same data. A parameter
// count difference of zero or less means the comparison is degenerate, the
// signature of a collinear term that never added information.
func LikelihoodRatio(term string, full, reduced fit.Result, alpha float64) (Comparison, error) {
	df := full.NumParams - reduced.NumParams
	if df <= 0 {
		return Comparison{}, core.NewDegenerateFitError(
			fmt.Sprintf("likelihood-ratio comparison for %q has %d degrees of freedom", term, df))
	}
	if full.REML || reduced.REML {
		return Comparison{}, fmt.Errorf(
			"likelihood-ratio comparison for %q requires maximum-likelihood fits", term)
	}

	stat := 2 * (full.LogLik - reduced.LogLik)
	if stat < 0 {
		if stat < -statClampTolerance*math.Max(1, math.Abs(full.LogLik)) {
			return Comparison{}, core.NewDegenerateFitError(
				fmt.Sprintf("reduced model outfits the full model for %q (statistic %.4g)", term, stat))
		}
		stat = 0
	}

	chi := distuv.ChiSquared{K: float64(df)}
	p := chi.Survival(stat)

	return Comparison{
		Term:      term,
		Statistic: stat,
		DF:        df,
		PValue:    p,
		Retained:  p < alpha,
	}, nil
}
