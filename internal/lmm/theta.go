package lmm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Theta parameterizes the relative covariance factor Λ as one lower
// triangular template per grouping factor, replicated across that factor's
// levels. Correlated structures carry the full triangle column by column;
// uncorrelated structures carry only the diagonal.

// initialTheta starts every variance direction at 1 relative standard
// deviation and every correlation direction at 0.
func initialTheta(groups []grouping) []float64 {
	theta := make([]float64, 0, totalTheta(groups))
	for _, g := range groups {
		if !g.correlated {
			for i := 0; i < g.dim; i++ {
				theta = append(theta, 1)
			}
			continue
		}
		for col := 0; col < g.dim; col++ {
			for row := col; row < g.dim; row++ {
				if row == col {
					theta = append(theta, 1)
				} else {
					theta = append(theta, 0)
				}
			}
		}
	}
	return theta
}

// thetaLowerBounds returns 0 for variance directions and negative infinity
// for correlation directions, matching the template layout.
func thetaLowerBounds(groups []grouping) []float64 {
	bounds := make([]float64, 0, totalTheta(groups))
	for _, g := range groups {
		if !g.correlated {
			for i := 0; i < g.dim; i++ {
				bounds = append(bounds, 0)
			}
			continue
		}
		for col := 0; col < g.dim; col++ {
			for row := col; row < g.dim; row++ {
				if row == col {
					bounds = append(bounds, 0)
				} else {
					bounds = append(bounds, math.Inf(-1))
				}
			}
		}
	}
	return bounds
}

func totalTheta(groups []grouping) int {
	total := 0
	for _, g := range groups {
		total += g.numTheta()
	}
	return total
}

// groupTemplate materializes one grouping's dim×dim lower triangular factor
// from its slice of theta.
func groupTemplate(g grouping, theta []float64) *mat.Dense {
	T := mat.NewDense(g.dim, g.dim, nil)
	k := 0
	if !g.correlated {
		for i := 0; i < g.dim; i++ {
			T.Set(i, i, theta[k])
			k++
		}
		return T
	}
	for col := 0; col < g.dim; col++ {
		for row := col; row < g.dim; row++ {
			T.Set(row, col, theta[k])
			k++
		}
	}
	return T
}

// buildLambda assembles the block-diagonal relative covariance factor for
// the full random-effect vector, one template block per grouping level.
func buildLambda(groups []grouping, theta []float64, qTotal int) *mat.Dense {
	lambda := mat.NewDense(qTotal, qTotal, nil)
	offset, used := 0, 0
	for _, g := range groups {
		T := groupTemplate(g, theta[used:used+g.numTheta()])
		used += g.numTheta()
		for level := 0; level < g.nLevels; level++ {
			base := offset + level*g.dim
			for i := 0; i < g.dim; i++ {
				for j := 0; j <= i; j++ {
					if v := T.At(i, j); v != 0 {
						lambda.Set(base+i, base+j, v)
					}
				}
			}
		}
		offset += g.q()
	}
	return lambda
}

// canonicalizeTheta flips template column signs so every diagonal entry is
// nonnegative. The profiled deviance is invariant under these flips, so this
// only standardizes the reported estimate.
func canonicalizeTheta(groups []grouping, theta []float64) []float64 {
	out := append([]float64(nil), theta...)
	used := 0
	for _, g := range groups {
		nt := g.numTheta()
		slice := out[used : used+nt]
		if !g.correlated {
			for i := range slice {
				slice[i] = math.Abs(slice[i])
			}
			used += nt
			continue
		}
		k := 0
		for col := 0; col < g.dim; col++ {
			colLen := g.dim - col
			if slice[k] < 0 {
				for i := 0; i < colLen; i++ {
					slice[k+i] = -slice[k+i]
				}
			}
			k += colLen
		}
		used += nt
	}
	return out
}

// covarianceFromTheta scales one grouping's template into its estimated
// covariance matrix sigma2 * T Tᵀ.
func covarianceFromTheta(g grouping, theta []float64, sigma2 float64) *mat.SymDense {
	T := groupTemplate(g, theta)
	var TTt mat.Dense
	TTt.Mul(T, T.T())
	cov := mat.NewSymDense(g.dim, nil)
	for i := 0; i < g.dim; i++ {
		for j := 0; j <= i; j++ {
			cov.SetSym(i, j, sigma2*TTt.At(i, j))
		}
	}
	return cov
}
