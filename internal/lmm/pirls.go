package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
	"golmm/domain/model"
)

const (
	// maxPIRLSIterations bounds the inner reweighting loop per theta
	maxPIRLSIterations = 60
	// pirlsTolerance is the relative change in the penalized deviance that
	// stops the inner loop.
	pirlsTolerance = 1e-9
	// separationEta flags fitted logits far enough from zero that the
	// binomial likelihood has effectively separated.
	separationEta = 30.0
	// linkOverflowEta guards exp before it overflows
	linkOverflowEta = 500.0
)

// weightedGrams are the working-weight cross products rebuilt at each
// reweighting step.
type weightedGrams struct {
	ZtWZ *mat.Dense
	ZtWX *mat.Dense
	XtWX *mat.Dense
}

// laplaceEvaluator computes the Laplace-approximate deviance of a
// generalized linear mixed model. For fixed theta the inner loop runs
// penalized iteratively reweighted least squares to the joint conditional
// mode of the coefficients, then corrects the penalized deviance with the
// log determinant of the weighted random-effect block.
type laplaceEvaluator struct {
	des    *design
	family model.Family
	link   model.Link

	inner *devianceEvaluator
	wz    *mat.Dense
	wx    *mat.Dense
	grams weightedGrams
	zwz   *mat.VecDense
	xwz   *mat.VecDense
}

func newLaplaceEvaluator(des *design, family model.Family, link model.Link) *laplaceEvaluator {
	return &laplaceEvaluator{
		des:    des,
		family: family,
		link:   link,
		inner:  newDevianceEvaluator(des, false),
		wz:     mat.NewDense(des.n, des.qTotal, nil),
		wx:     mat.NewDense(des.n, des.p, nil),
		grams: weightedGrams{
			ZtWZ: mat.NewDense(des.qTotal, des.qTotal, nil),
			ZtWX: mat.NewDense(des.qTotal, des.p, nil),
			XtWX: mat.NewDense(des.p, des.p, nil),
		},
		zwz: mat.NewVecDense(des.qTotal, nil),
		xwz: mat.NewVecDense(des.p, nil),
	}
}

func (e *laplaceEvaluator) dim() int {
	return e.des.numTheta()
}

// standardErrors reads the fixed-effect sampling variances from the final
// weighted system left by the most recent evaluate call.
func (e *laplaceEvaluator) standardErrors(dispersion float64) ([]float64, error) {
	return e.inner.standardErrors(dispersion)
}

// evaluate runs the inner PIRLS loop at one theta. Iterations that push the
// mean outside the family's domain surface as errors so the outer optimizer
// treats the point as infeasible.
func (e *laplaceEvaluator) evaluate(theta []float64) (profile, error) {
	des := e.des
	q, p, n := des.qTotal, des.p, des.n
	lambda := buildLambda(des.groups, theta, q)

	eta := make([]float64, n)
	mu := make([]float64, n)
	w := make([]float64, n)
	z := make([]float64, n)
	for i, yi := range des.y {
		eta[i] = e.startEta(yi)
	}

	u := mat.NewVecDense(q, nil)
	beta := mat.NewVecDense(p, nil)
	var chol mat.Cholesky
	prevCrit := math.Inf(1)

	for iter := 0; iter < maxPIRLSIterations; iter++ {
		for i := 0; i < n; i++ {
			if e.family == model.FamilyBinomial && math.Abs(eta[i]) > separationEta {
				return profile{}, core.NewDegenerateFitError(
					"complete separation: fitted log odds diverged")
			}
			m, err := e.linkInv(eta[i])
			if err != nil {
				return profile{}, err
			}
			mu[i] = m
			d := e.muEta(eta[i], m)
			v := e.variance(m)
			if d == 0 || v <= 0 || math.IsNaN(d) || math.IsNaN(v) {
				return profile{}, core.NewDegenerateFitError(
					"working weights collapsed during reweighting")
			}
			w[i] = d * d / v
			z[i] = eta[i] + (des.y[i]-m)/d
		}

		e.buildWeightedSystem(w, z)
		e.inner.assembleSystem(lambda, &e.grams, e.zwz, e.xwz)
		if ok := chol.Factorize(e.inner.omega); !ok {
			return profile{}, core.NewDegenerateFitError(
				"weighted penalized system is not positive definite")
		}
		var sol mat.VecDense
		if err := chol.SolveVecTo(&sol, e.inner.rhs); err != nil {
			return profile{}, fmt.Errorf("solve weighted system: %w", err)
		}
		for i := 0; i < q; i++ {
			u.SetVec(i, sol.AtVec(i))
		}
		for j := 0; j < p; j++ {
			beta.SetVec(j, sol.AtVec(q+j))
		}

		e.updateEta(lambda, u, beta, eta)

		crit, err := e.penalizedDeviance(mu, u, eta)
		if err != nil {
			return profile{}, err
		}
		if math.Abs(prevCrit-crit) < pirlsTolerance*(math.Abs(crit)+pirlsTolerance) {
			prevCrit = crit
			break
		}
		prevCrit = crit
	}

	logdetA, _ := splitLogDet(&chol, q)

	prof := profile{
		theta:    append([]float64(nil), theta...),
		beta:     beta,
		u:        u,
		fitted:   append([]float64(nil), mu...),
		pwrss:    prevCrit,
		logdetA:  logdetA,
		deviance: prevCrit + logdetA,
		sigma2:   1,
	}
	return prof, nil
}

// startEta seeds the linear predictor from the data before any coefficients
// exist, the standard generalized linear model starting mean.
func (e *laplaceEvaluator) startEta(y float64) float64 {
	switch e.family {
	case model.FamilyBinomial:
		return e.linkFn((y + 0.5) / 2)
	default:
		return e.linkFn(math.Max(y, 1e-3))
	}
}

func (e *laplaceEvaluator) updateEta(lambda *mat.Dense, u, beta *mat.VecDense, eta []float64) {
	var b, xb, zb mat.VecDense
	b.MulVec(lambda, u)
	xb.MulVec(e.des.X, beta)
	zb.MulVec(e.des.Z, &b)
	for i := range eta {
		eta[i] = xb.AtVec(i) + zb.AtVec(i)
	}
}

// penalizedDeviance is the sum of family deviance residuals plus the squared
// spherical random-effect modes.
func (e *laplaceEvaluator) penalizedDeviance(mu []float64, u *mat.VecDense, eta []float64) (float64, error) {
	sum := 0.0
	for i, yi := range e.des.y {
		d, err := e.devianceResidual(yi, mu[i])
		if err != nil {
			return 0, err
		}
		sum += d
	}
	return sum + mat.Dot(u, u), nil
}

// buildWeightedSystem forms the working-weight cross products and
// right-hand sides for the current weights and working response.
func (e *laplaceEvaluator) buildWeightedSystem(w, z []float64) {
	des := e.des
	n, q, p := des.n, des.qTotal, des.p

	for i := 0; i < n; i++ {
		for j := 0; j < q; j++ {
			e.wz.Set(i, j, w[i]*des.Z.At(i, j))
		}
		for j := 0; j < p; j++ {
			e.wx.Set(i, j, w[i]*des.X.At(i, j))
		}
	}
	e.grams.ZtWZ.Mul(des.Z.T(), e.wz)
	e.grams.ZtWX.Mul(des.Z.T(), e.wx)
	e.grams.XtWX.Mul(des.X.T(), e.wx)

	for j := 0; j < q; j++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += e.wz.At(i, j) * z[i]
		}
		e.zwz.SetVec(j, s)
	}
	for j := 0; j < p; j++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += e.wx.At(i, j) * z[i]
		}
		e.xwz.SetVec(j, s)
	}
}

func (e *laplaceEvaluator) linkFn(mu float64) float64 {
	switch e.link {
	case model.LinkLogit:
		return math.Log(mu / (1 - mu))
	case model.LinkLog:
		return math.Log(mu)
	case model.LinkInverse:
		return 1 / mu
	default:
		return mu
	}
}

func (e *laplaceEvaluator) linkInv(eta float64) (float64, error) {
	switch e.link {
	case model.LinkLogit:
		return 1 / (1 + math.Exp(-eta)), nil
	case model.LinkLog:
		if eta > linkOverflowEta {
			return 0, core.NewDegenerateFitError("linear predictor overflowed the log link")
		}
		return math.Exp(eta), nil
	case model.LinkInverse:
		if eta <= 0 {
			return 0, core.NewDegenerateFitError("inverse link produced a nonpositive mean")
		}
		return 1 / eta, nil
	default:
		return eta, nil
	}
}

// muEta is dμ/dη at the current linear predictor
func (e *laplaceEvaluator) muEta(eta, mu float64) float64 {
	switch e.link {
	case model.LinkLogit:
		return mu * (1 - mu)
	case model.LinkLog:
		return mu
	case model.LinkInverse:
		return -1 / (eta * eta)
	default:
		return 1
	}
}

// variance is the family variance function at the mean
func (e *laplaceEvaluator) variance(mu float64) float64 {
	switch e.family {
	case model.FamilyBinomial:
		return mu * (1 - mu)
	case model.FamilyGamma:
		return mu * mu
	default:
		return 1
	}
}

// devianceResidual is the family unit deviance
func (e *laplaceEvaluator) devianceResidual(y, mu float64) (float64, error) {
	switch e.family {
	case model.FamilyBinomial:
		const eps = 1e-12
		m := math.Min(math.Max(mu, eps), 1-eps)
		if y > 0.5 {
			return -2 * math.Log(m), nil
		}
		return -2 * math.Log(1-m), nil
	case model.FamilyGamma:
		if mu <= 0 || y <= 0 {
			return 0, core.NewDegenerateFitError("gamma deviance needs positive mean and response")
		}
		return 2 * ((y-mu)/mu - math.Log(y/mu)), nil
	default:
		r := y - mu
		return r * r, nil
	}
}
