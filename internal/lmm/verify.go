package lmm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	"golmm/domain/fit"
	"golmm/ports"
)

// Verification is the outcome of re-fitting one model with every other
// panel optimizer and comparing against the reference fit.
type Verification struct {
	Outcomes []PanelOutcome
	Agrees   bool
	Detail   string
}

// PanelOutcome is one panel member's independent fit
type PanelOutcome struct {
	Name        string
	Converged   bool
	LogLik      float64
	Evaluations int
	Failure     string
}

// Verify re-estimates the model with each panel optimizer other than the
// one that produced the reference fit, running at most maxConcurrent fits
// at once. Each fit gets fresh optimizer state; the coded dataset is shared
// read-only. Agreement requires every completed panel fit to land on the
// same log likelihood within relative tolerance and on fixed effects with
// matching signs inside the reference standard errors. Panel members that
// fail outright are recorded and excluded from the comparison.
func (f *Fitter) Verify(ctx context.Context, req ports.FitRequest, reference fit.Result, panel []string, logLikTol float64, maxConcurrent int) Verification {
	others := make([]string, 0, len(panel))
	for _, name := range panel {
		if name != reference.Optimizer {
			others = append(others, name)
		}
	}
	if len(others) == 0 {
		return Verification{Agrees: true, Detail: "no other panel optimizers configured"}
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	type slot struct {
		outcome PanelOutcome
		result  fit.Result
		err     error
	}
	slots := make([]slot, len(others))

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup
	for i, name := range others {
		if err := sem.Acquire(ctx, 1); err != nil {
			slots[i] = slot{outcome: PanelOutcome{Name: name, Failure: err.Error()}, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			defer sem.Release(1)

			panelReq := req
			panelReq.Optimizer = name
			result, err := f.Fit(ctx, panelReq)
			if err != nil {
				slots[i] = slot{
					outcome: PanelOutcome{Name: name, Failure: err.Error()},
					err:     err,
				}
				return
			}
			slots[i] = slot{
				outcome: PanelOutcome{
					Name:        name,
					Converged:   result.Converged,
					LogLik:      result.LogLik,
					Evaluations: result.Evaluations,
				},
				result: result,
			}
		}(i, name)
	}
	wg.Wait()

	verification := Verification{Agrees: true}
	completed := 0
	for _, s := range slots {
		verification.Outcomes = append(verification.Outcomes, s.outcome)
		if s.err != nil {
			continue
		}
		completed++
		if detail := disagreement(reference, s.result, logLikTol); detail != "" {
			verification.Agrees = false
			verification.Detail = fmt.Sprintf("%s: %s", s.outcome.Name, detail)
		}
	}
	if completed == 0 {
		verification.Agrees = false
		verification.Detail = "no panel optimizer completed an independent fit"
	}
	return verification
}

// disagreement explains how a panel fit diverges from the reference, or
// returns empty when they agree.
func disagreement(reference, other fit.Result, logLikTol float64) string {
	scale := math.Max(1, math.Abs(reference.LogLik))
	if diff := math.Abs(reference.LogLik - other.LogLik); diff/scale >= logLikTol {
		return fmt.Sprintf("log likelihood differs by %.4g (relative %.3g)", diff, diff/scale)
	}

	for _, ref := range reference.Coefficients {
		oc, ok := other.CoefficientFor(ref.Term)
		if !ok {
			return fmt.Sprintf("term %q missing from panel fit", ref.Term)
		}
		if ref.Estimate*oc.Estimate < 0 && math.Abs(ref.Estimate) > ref.StdError {
			return fmt.Sprintf("term %q flips sign (%.4g vs %.4g)", ref.Term, ref.Estimate, oc.Estimate)
		}
		if se := ref.StdError; se > 0 && math.Abs(ref.Estimate-oc.Estimate) > se {
			return fmt.Sprintf("term %q moves more than one standard error (%.4g vs %.4g, se %.4g)",
				ref.Term, ref.Estimate, oc.Estimate, se)
		}
	}
	return ""
}
