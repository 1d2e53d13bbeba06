package ports

import (
	"context"

	"golmm/domain/contrast"
	"golmm/domain/fit"
	"golmm/domain/model"
)

// FitRequest asks for one model specification to be estimated on one coded
// dataset. Optimizer names a panel member; an empty name selects the
// configured primary optimizer.
type FitRequest struct {
	Data           contrast.CodedDataset
	Spec           model.Spec
	Optimizer      string
	MaxEvaluations int
	Seed           int64
}

// ModelFitterPort estimates mixed-effects models. Fit is pure with respect
// to its inputs: the same request yields the same result, and the dataset is
// never mutated. Degenerate designs and failed factorizations surface as
// errors; convergence trouble surfaces as warnings on the result.
type ModelFitterPort interface {
	Fit(ctx context.Context, req FitRequest) (fit.Result, error)
}
