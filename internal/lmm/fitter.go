package lmm

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
	"golmm/domain/fit"
	"golmm/domain/model"
	"golmm/internal"
	"golmm/ports"
)

const (
	// defaultMaxEvaluations bounds one optimizer run when the request does
	// not say otherwise.
	defaultMaxEvaluations = 20000
	// defaultGradTolerance is the largest acceptable absolute deviance
	// gradient at the optimum before a convergence warning attaches.
	defaultGradTolerance = 2e-3
	// boundaryTheta is the scale below which a variance direction counts as
	// estimated on the zero boundary.
	boundaryTheta = 1e-6
	// gradStep is the relative finite-difference step for the curvature
	// checks at the optimum.
	gradStep = 1e-4
)

// Fitter estimates mixed-effects models by minimizing the profiled deviance
// (gaussian) or the Laplace-approximate deviance (binomial, gamma) over the
// covariance parameters. It implements ports.ModelFitterPort.
type Fitter struct {
	factory       ports.OptimizerFactory
	logger        *internal.Logger
	primary       string
	maxEval       int
	gradTolerance float64
}

// FitterOption adjusts a Fitter
type FitterOption func(*Fitter)

// WithPrimaryOptimizer sets the optimizer used when a request names none
func WithPrimaryOptimizer(name string) FitterOption {
	return func(f *Fitter) { f.primary = name }
}

// WithMaxEvaluations sets the default objective evaluation cap
func WithMaxEvaluations(n int) FitterOption {
	return func(f *Fitter) { f.maxEval = n }
}

// WithGradientTolerance sets the convergence-check gradient tolerance
func WithGradientTolerance(tol float64) FitterOption {
	return func(f *Fitter) { f.gradTolerance = tol }
}

// WithLogger sets the fitter's logger
func WithLogger(logger *internal.Logger) FitterOption {
	return func(f *Fitter) { f.logger = logger }
}

// NewFitter creates a model fitter drawing optimizers from the factory
func NewFitter(factory ports.OptimizerFactory, opts ...FitterOption) *Fitter {
	f := &Fitter{
		factory:       factory,
		logger:        internal.NewDefaultLogger().WithScope("fitter"),
		primary:       "neldermead",
		maxEval:       defaultMaxEvaluations,
		gradTolerance: defaultGradTolerance,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fit estimates one model specification on one coded dataset. The same
// request always produces the same estimates; optimizer state is created
// fresh per call so concurrent fits never interact.
func (f *Fitter) Fit(ctx context.Context, req ports.FitRequest) (fit.Result, error) {
	des, err := newDesign(req.Data, req.Spec)
	if err != nil {
		return fit.Result{}, err
	}

	eval, err := f.evaluatorFor(des, req.Spec)
	if err != nil {
		return fit.Result{}, err
	}

	optName := req.Optimizer
	if optName == "" {
		optName = f.primary
	}
	maxEval := req.MaxEvaluations
	if maxEval <= 0 {
		maxEval = f.maxEval
	}

	optimizer, err := f.factory.New(optName)
	if err != nil {
		return fit.Result{}, err
	}

	theta0 := initialTheta(des.groups)
	bounds := thetaLowerBounds(des.groups)

	// Evaluate the start point directly so data problems (separation, a
	// collapsed likelihood) surface as their own errors instead of as an
	// optimizer failing on an everywhere-infinite objective.
	if _, err := eval.evaluate(theta0); err != nil {
		return fit.Result{}, err
	}

	objective, evalCount := f.wrapObjective(ctx, eval, maxEval)

	f.logger.Debug("fitting %s with %s (%d covariance parameters, %d obs)",
		req.Spec.Formula(), optName, len(theta0), des.n)

	optResult, err := optimizer.Minimize(ctx, ports.Problem{
		Objective:   objective,
		Start:       theta0,
		LowerBounds: bounds,
	}, ports.OptimizerSettings{MaxEvaluations: maxEval})
	if err != nil {
		return fit.Result{}, fmt.Errorf("optimizer %s: %w: %v", optName, core.ErrConvergenceFailure, err)
	}

	thetaHat := canonicalizeTheta(des.groups, optResult.X)
	final, err := eval.evaluate(thetaHat)
	if err != nil {
		return fit.Result{}, err
	}

	result, err := f.assemble(des, req.Spec, eval, final, optName)
	if err != nil {
		return fit.Result{}, err
	}
	result.Converged = optResult.Converged
	result.Evaluations = *evalCount
	if !optResult.Converged {
		result = result.WithWarning(fit.WarnConvergence,
			"%s stopped before its convergence criterion: %s", optName, optResult.Message)
	}

	result = f.attachQualityWarnings(result, des, eval, final, bounds)

	f.logger.Debug("fit complete: deviance %.4f after %d evaluations (%s)",
		final.deviance, result.Evaluations, optName)
	return result, nil
}

func (f *Fitter) evaluatorFor(des *design, spec model.Spec) (objectiveEvaluator, error) {
	switch spec.Family {
	case model.FamilyGaussian:
		return newDevianceEvaluator(des, spec.REML), nil
	case model.FamilyBinomial, model.FamilyGamma:
		return newLaplaceEvaluator(des, spec.Family, spec.Link), nil
	default:
		return nil, fmt.Errorf("unsupported family %q", spec.Family)
	}
}

// wrapObjective adds evaluation counting, a hard cap, and context
// cancellation on top of the deviance. Infeasible points surface as +Inf so
// every panel optimizer can route around them.
func (f *Fitter) wrapObjective(ctx context.Context, eval objectiveEvaluator, maxEval int) (ports.ObjectiveFunc, *int) {
	count := 0
	obj := func(theta []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		count++
		if count > maxEval {
			return math.Inf(1)
		}
		prof, err := eval.evaluate(theta)
		if err != nil || math.IsNaN(prof.deviance) {
			return math.Inf(1)
		}
		return prof.deviance
	}
	return obj, &count
}

// assemble turns the final profile into a fit result
func (f *Fitter) assemble(des *design, spec model.Spec, eval objectiveEvaluator, final profile, optName string) (fit.Result, error) {
	dispersion, sigma := f.dispersion(des, spec, final)

	ses, err := eval.standardErrors(dispersion)
	if err != nil {
		return fit.Result{}, err
	}

	coefficients := make([]fit.Coefficient, des.p)
	for j := 0; j < des.p; j++ {
		coefficients[j] = fit.Coefficient{
			Term:     des.terms[j],
			Estimate: final.beta.AtVec(j),
			StdError: ses[j],
		}
	}

	random := make([]fit.RandomCovariance, len(des.groups))
	used := 0
	for gi, g := range des.groups {
		nt := g.numTheta()
		random[gi] = fit.RandomCovariance{
			Grouping:   g.name,
			Terms:      append([]string(nil), g.terms...),
			Covariance: covarianceFromTheta(g, final.theta[used:used+nt], dispersion),
		}
		used += nt
	}

	logLik := f.logLikelihood(des, spec, final, dispersion)
	r2m, r2c := computeR2(des, final, spec, random, dispersion)

	numParams := des.p + len(final.theta)
	if spec.Family == model.FamilyGaussian || spec.Family == model.FamilyGamma {
		numParams++
	}

	return fit.Result{
		ID:            core.NewFitID(),
		Spec:          spec,
		Coefficients:  coefficients,
		Random:        random,
		LogLik:        logLik,
		Deviance:      final.deviance,
		Sigma:         sigma,
		Dispersion:    dispersion,
		R2Marginal:    r2m,
		R2Conditional: r2c,
		NumObs:        des.n,
		NumParams:     numParams,
		Optimizer:     optName,
		Theta:         final.theta,
		REML:          spec.Family == model.FamilyGaussian && spec.REML,
		FittedAt:      core.Now(),
	}, nil
}

// dispersion returns the family dispersion and residual scale. Gaussian
// models profile the residual variance; gamma models estimate dispersion
// from Pearson residuals; the binomial dispersion is fixed at one.
func (f *Fitter) dispersion(des *design, spec model.Spec, final profile) (dispersion, sigma float64) {
	switch spec.Family {
	case model.FamilyGaussian:
		return final.sigma2, math.Sqrt(final.sigma2)
	case model.FamilyGamma:
		pearson := 0.0
		for i, yi := range des.y {
			mu := final.fitted[i]
			if mu <= 0 {
				continue
			}
			r := (yi - mu) / mu
			pearson += r * r
		}
		df := float64(des.n - des.p)
		if df <= 0 {
			return 1, 1
		}
		phi := pearson / df
		return phi, math.Sqrt(phi)
	default:
		return 1, 1
	}
}

// logLikelihood reports the criterion on the log-likelihood scale. Gaussian
// and binomial criteria already are minus twice a log likelihood; the gamma
// likelihood needs its dispersion-dependent density evaluated at the
// conditional means, with the Laplace correction carried over.
func (f *Fitter) logLikelihood(des *design, spec model.Spec, final profile, dispersion float64) float64 {
	if spec.Family != model.FamilyGamma {
		return -final.deviance / 2
	}
	if dispersion <= 0 {
		return math.Inf(-1)
	}
	k := 1 / dispersion
	lg, _ := math.Lgamma(k)
	ll := -float64(des.n) * lg
	for i, yi := range des.y {
		mu := final.fitted[i]
		if mu <= 0 || yi <= 0 {
			return math.Inf(-1)
		}
		ll += k*math.Log(k/mu) + (k-1)*math.Log(yi) - k*yi/mu
	}
	penalty := mat.Dot(final.u, final.u)
	return ll - (penalty+final.logdetA)/2
}

// attachQualityWarnings runs the post-fit diagnostics: boundary variance
// components, the finite-difference gradient at the optimum, and the
// curvature of the criterion.
func (f *Fitter) attachQualityWarnings(result fit.Result, des *design, eval objectiveEvaluator, final profile, bounds []float64) fit.Result {
	for j, b := range bounds {
		if b == 0 && final.theta[j] < boundaryTheta {
			result = result.WithWarning(fit.WarnBoundaryFit,
				"variance direction %d estimated at the zero boundary", j)
			break
		}
	}

	grad, ok := f.numericGradient(eval, final)
	if !ok {
		return result
	}
	maxGrad := 0.0
	for j, g := range grad {
		// Pressing against the zero boundary is a valid optimum, not a
		// convergence failure.
		if bounds[j] == 0 && final.theta[j] < boundaryTheta && g > 0 {
			continue
		}
		if a := math.Abs(g); a > maxGrad {
			maxGrad = a
		}
	}
	if maxGrad > f.gradTolerance {
		result = result.WithWarning(fit.WarnConvergence,
			"max absolute deviance gradient %.3g exceeds %.3g", maxGrad, f.gradTolerance)
	}

	if minEig, ok := f.minCurvature(eval, final, bounds); ok && minEig < -f.gradTolerance {
		result = result.WithWarning(fit.WarnConvergence,
			"deviance curvature is negative along one direction (%.3g)", minEig)
	}
	return result
}

// numericGradient is the central finite-difference gradient of the
// criterion at the optimum.
func (f *Fitter) numericGradient(eval objectiveEvaluator, final profile) ([]float64, bool) {
	dim := len(final.theta)
	grad := make([]float64, dim)
	work := append([]float64(nil), final.theta...)
	for j := 0; j < dim; j++ {
		h := gradStep * math.Max(1, math.Abs(final.theta[j]))
		work[j] = final.theta[j] + h
		up, err := eval.evaluate(work)
		if err != nil {
			return nil, false
		}
		work[j] = final.theta[j] - h
		down, err := eval.evaluate(work)
		if err != nil {
			// One side can be infeasible on the boundary; fall back to a
			// forward difference.
			work[j] = final.theta[j]
			grad[j] = (up.deviance - final.deviance) / h
			continue
		}
		work[j] = final.theta[j]
		grad[j] = (up.deviance - down.deviance) / (2 * h)
	}
	return grad, true
}

// minCurvature estimates the smallest eigenvalue of the criterion's Hessian
// at the optimum, skipping directions pinned to the boundary.
func (f *Fitter) minCurvature(eval objectiveEvaluator, final profile, bounds []float64) (float64, bool) {
	dim := len(final.theta)
	free := make([]int, 0, dim)
	for j := 0; j < dim; j++ {
		if bounds[j] == 0 && final.theta[j] < boundaryTheta {
			continue
		}
		free = append(free, j)
	}
	if len(free) == 0 {
		return 0, false
	}

	h := make([]float64, dim)
	for j := 0; j < dim; j++ {
		h[j] = gradStep * math.Max(1, math.Abs(final.theta[j]))
	}
	valueAt := func(offsets map[int]float64) (float64, bool) {
		work := append([]float64(nil), final.theta...)
		for j, d := range offsets {
			work[j] += d
		}
		prof, err := eval.evaluate(work)
		if err != nil {
			return 0, false
		}
		return prof.deviance, true
	}

	hess := mat.NewSymDense(len(free), nil)
	for a, ja := range free {
		up, ok1 := valueAt(map[int]float64{ja: h[ja]})
		down, ok2 := valueAt(map[int]float64{ja: -h[ja]})
		if !ok1 || !ok2 {
			return 0, false
		}
		hess.SetSym(a, a, (up-2*final.deviance+down)/(h[ja]*h[ja]))
		for b := a + 1; b < len(free); b++ {
			jb := free[b]
			pp, ok1 := valueAt(map[int]float64{ja: h[ja], jb: h[jb]})
			pm, ok2 := valueAt(map[int]float64{ja: h[ja], jb: -h[jb]})
			mp, ok3 := valueAt(map[int]float64{ja: -h[ja], jb: h[jb]})
			mm, ok4 := valueAt(map[int]float64{ja: -h[ja], jb: -h[jb]})
			if !ok1 || !ok2 || !ok3 || !ok4 {
				return 0, false
			}
			hess.SetSym(a, b, (pp-pm-mp+mm)/(4*h[ja]*h[jb]))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(hess, false); !ok {
		return 0, false
	}
	values := eig.Values(nil)
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min, true
}
