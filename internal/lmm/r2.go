package lmm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/fit"
	"golmm/domain/model"
)

// computeR2 produces variance-decomposition R² values: marginal (fixed
// effects only) and conditional (fixed plus random) shares of the total
// latent-scale variance. The random-effect contribution for each grouping is
// the average quadratic form of the observation-level covariates in the
// estimated covariance, which reduces to the intercept variance for
// intercept-only structures.
func computeR2(des *design, prof profile, spec model.Spec, random []fit.RandomCovariance, dispersion float64) (r2m, r2c float64) {
	n := des.n

	var xb mat.VecDense
	xb.MulVec(des.X, prof.beta)
	mean := 0.0
	for i := 0; i < n; i++ {
		mean += xb.AtVec(i)
	}
	mean /= float64(n)
	varF := 0.0
	for i := 0; i < n; i++ {
		d := xb.AtVec(i) - mean
		varF += d * d
	}
	varF /= float64(n)

	varR := 0.0
	for gi, g := range des.groups {
		cov := random[gi].Covariance
		offset := groupOffset(des.groups, gi)
		sum := 0.0
		zi := make([]float64, g.dim)
		for i := 0; i < n; i++ {
			base := offset + g.index[i]*g.dim
			for t := 0; t < g.dim; t++ {
				zi[t] = des.Z.At(i, base+t)
			}
			for a := 0; a < g.dim; a++ {
				for b := 0; b < g.dim; b++ {
					sum += zi[a] * cov.At(a, b) * zi[b]
				}
			}
		}
		varR += sum / float64(n)
	}

	varE := distributionVariance(spec, prof, dispersion)

	total := varF + varR + varE
	if total <= 0 {
		return 0, 0
	}
	return varF / total, (varF + varR) / total
}

// groupOffset is the column where a grouping's block starts in Z
func groupOffset(groups []grouping, gi int) int {
	offset := 0
	for i := 0; i < gi; i++ {
		offset += groups[i].q()
	}
	return offset
}

// distributionVariance is the observation-level variance on the link scale.
// Gaussian models use the residual variance directly; the logit link uses
// the logistic distribution variance; log links use the lognormal
// approximation; the remaining gamma links use the delta method at the mean
// fitted value.
func distributionVariance(spec model.Spec, prof profile, dispersion float64) float64 {
	switch spec.Family {
	case model.FamilyGaussian:
		return prof.sigma2
	case model.FamilyBinomial:
		return math.Pi * math.Pi / 3
	case model.FamilyGamma:
		switch spec.Link {
		case model.LinkLog:
			return math.Log(1 + dispersion)
		case model.LinkInverse:
			mu := meanOf(prof.fitted)
			if mu <= 0 {
				return 0
			}
			return dispersion / (mu * mu)
		default:
			mu := meanOf(prof.fitted)
			return dispersion * mu * mu
		}
	default:
		return 0
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
