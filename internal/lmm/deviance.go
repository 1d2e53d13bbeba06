package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
)

// profile is one evaluation of the objective at a covariance parameter
// vector, with everything the evaluation profiled out along the way.
type profile struct {
	theta    []float64
	beta     *mat.VecDense
	u        *mat.VecDense
	fitted   []float64
	pwrss    float64
	logdetA  float64
	logdetRX float64
	sigma2   float64
	deviance float64
}

// objectiveEvaluator maps covariance parameters to the criterion being
// minimized. Implementations are not safe for concurrent use; the fitter
// builds one per run.
type objectiveEvaluator interface {
	evaluate(theta []float64) (profile, error)
	standardErrors(sigma2 float64) ([]float64, error)
	dim() int
}

// devianceEvaluator computes the profiled deviance of a linear mixed model.
// For fixed theta the fixed effects and random-effect modes solve one
// penalized least squares system; the scale parameter is then profiled out
// in closed form, leaving a criterion over theta alone.
type devianceEvaluator struct {
	des  *design
	reml bool

	// scratch reused across evaluations
	omega *mat.SymDense
	rhs   *mat.VecDense
}

func newDevianceEvaluator(des *design, reml bool) *devianceEvaluator {
	size := des.qTotal + des.p
	return &devianceEvaluator{
		des:   des,
		reml:  reml,
		omega: mat.NewSymDense(size, nil),
		rhs:   mat.NewVecDense(size, nil),
	}
}

func (e *devianceEvaluator) dim() int {
	return e.des.numTheta()
}

// evaluate factors the joint penalized normal equations
//
//	[ ΛᵀZᵀZΛ+I  ΛᵀZᵀX ] [u]   [ ΛᵀZᵀy ]
//	[ XᵀZΛ      XᵀX   ] [β] = [ Xᵀy   ]
//
// whose Cholesky factor carries both log determinants the deviance needs.
// A factorization failure means the penalized system lost positive
// definiteness, which only the fixed-effect block can cause.
func (e *devianceEvaluator) evaluate(theta []float64) (profile, error) {
	des := e.des
	q, p, n := des.qTotal, des.p, des.n

	lambda := buildLambda(des.groups, theta, q)
	e.assembleSystem(lambda, nil, des.Zty, des.Xty)

	var chol mat.Cholesky
	if ok := chol.Factorize(e.omega); !ok {
		return profile{}, core.NewDegenerateFitError(
			"penalized least squares system is not positive definite")
	}

	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, e.rhs); err != nil {
		return profile{}, fmt.Errorf("solve penalized system: %w", err)
	}
	u := mat.NewVecDense(q, nil)
	beta := mat.NewVecDense(p, nil)
	for i := 0; i < q; i++ {
		u.SetVec(i, sol.AtVec(i))
	}
	for j := 0; j < p; j++ {
		beta.SetVec(j, sol.AtVec(q+j))
	}

	logdetA, logdetRX := splitLogDet(&chol, q)

	fitted, pwrss := des.penalizedRSS(lambda, u, beta)
	if pwrss <= 0 || math.IsNaN(pwrss) {
		return profile{}, core.NewDegenerateFitError("penalized residual sum of squares collapsed")
	}

	prof := profile{
		theta:    append([]float64(nil), theta...),
		beta:     beta,
		u:        u,
		fitted:   fitted,
		pwrss:    pwrss,
		logdetA:  logdetA,
		logdetRX: logdetRX,
	}
	if e.reml {
		df := float64(n - p)
		prof.sigma2 = pwrss / df
		prof.deviance = logdetA + logdetRX + df*(1+math.Log(2*math.Pi*pwrss/df))
	} else {
		nf := float64(n)
		prof.sigma2 = pwrss / nf
		prof.deviance = logdetA + nf*(1+math.Log(2*math.Pi*pwrss/nf))
	}
	return prof, nil
}

// assembleSystem fills the joint system matrix and right-hand side. A nil
// weight vector means unit weights; weighted Gram matrices are supplied by
// the generalized path instead.
func (e *devianceEvaluator) assembleSystem(lambda *mat.Dense, grams *weightedGrams, zty, xty *mat.VecDense) {
	des := e.des
	q, p := des.qTotal, des.p

	ztz, ztx, xtx := des.ZtZ, des.ZtX, des.XtX
	if grams != nil {
		ztz, ztx, xtx = grams.ZtWZ, grams.ZtWX, grams.XtWX
	}

	// ΛᵀZᵀZΛ + I
	var m1, m2 mat.Dense
	m1.Mul(ztz, lambda)
	m2.Mul(lambda.T(), &m1)
	for i := 0; i < q; i++ {
		for j := 0; j <= i; j++ {
			v := m2.At(i, j)
			if i == j {
				v++
			}
			e.omega.SetSym(i, j, v)
		}
	}

	// ΛᵀZᵀX
	var m3 mat.Dense
	m3.Mul(lambda.T(), ztx)
	for i := 0; i < q; i++ {
		for j := 0; j < p; j++ {
			e.omega.SetSym(q+j, i, m3.At(i, j))
		}
	}

	// XᵀX
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			e.omega.SetSym(q+i, q+j, xtx.At(i, j))
		}
	}

	var lzty mat.VecDense
	lzty.MulVec(lambda.T(), zty)
	for i := 0; i < q; i++ {
		e.rhs.SetVec(i, lzty.AtVec(i))
	}
	for j := 0; j < p; j++ {
		e.rhs.SetVec(q+j, xty.AtVec(j))
	}
}

// penalizedRSS computes fitted values and the penalized residual sum of
// squares ‖y − Xβ − ZΛu‖² + ‖u‖².
func (d *design) penalizedRSS(lambda *mat.Dense, u, beta *mat.VecDense) ([]float64, float64) {
	var b mat.VecDense
	b.MulVec(lambda, u)

	var xb, zb mat.VecDense
	xb.MulVec(d.X, beta)
	zb.MulVec(d.Z, &b)

	fitted := make([]float64, d.n)
	rss := 0.0
	for i := 0; i < d.n; i++ {
		fitted[i] = xb.AtVec(i) + zb.AtVec(i)
		r := d.y[i] - fitted[i]
		rss += r * r
	}
	return fitted, rss + mat.Dot(u, u)
}

// splitLogDet reads the joint Cholesky factor's diagonal and splits the log
// determinant into the random-effect block (first q entries) and the
// fixed-effect block (the rest).
func splitLogDet(chol *mat.Cholesky, q int) (logdetA, logdetRX float64) {
	var L mat.TriDense
	chol.LTo(&L)
	size, _ := L.Dims()
	for i := 0; i < size; i++ {
		d := 2 * math.Log(L.At(i, i))
		if i < q {
			logdetA += d
		} else {
			logdetRX += d
		}
	}
	return logdetA, logdetRX
}

// standardErrors factorizes the system left in scratch by the most recent
// evaluate call and reads the fixed-effect sampling variances off the
// inverse. Call this only at the optimum.
func (e *devianceEvaluator) standardErrors(sigma2 float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(e.omega); !ok {
		return nil, core.NewDegenerateFitError(
			"penalized system lost positive definiteness at the optimum")
	}
	cov, err := fixedEffectCovariance(&chol, e.des.qTotal, e.des.p, sigma2)
	if err != nil {
		return nil, err
	}
	ses := make([]float64, e.des.p)
	for j := 0; j < e.des.p; j++ {
		v := cov.At(j, j)
		if v > 0 {
			ses[j] = math.Sqrt(v)
		}
	}
	return ses, nil
}

// fixedEffectCovariance extracts sigma2 times the lower-right block of the
// joint system's inverse, the sampling covariance of the fixed effects.
func fixedEffectCovariance(chol *mat.Cholesky, q, p int, sigma2 float64) (*mat.SymDense, error) {
	size := q + p
	e := mat.NewDense(size, p, nil)
	for j := 0; j < p; j++ {
		e.Set(q+j, j, 1)
	}
	var w mat.Dense
	if err := chol.SolveTo(&w, e); err != nil {
		return nil, fmt.Errorf("invert fixed-effect block: %w", err)
	}
	cov := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			cov.SetSym(i, j, sigma2*w.At(q+i, j))
		}
	}
	return cov, nil
}
