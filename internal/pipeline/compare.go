package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"golmm/domain/contrast"
	"golmm/domain/fit"
	"golmm/domain/model"
	"golmm/internal/lmm"
)

// termComparisons tests every fixed-effect term of the current model against
// the nested model missing that term, running the nested refits concurrently
// up to the worker cap. Comparisons always use maximum-likelihood fits, since
// restricted likelihoods are not comparable across fixed-effect structures;
// when the working fit is restricted the full model is refit once under ML.
// Returns the comparisons in term order plus the weakest non-retained term,
// empty when every term survives.
func (p *Pipeline) termComparisons(ctx context.Context, data contrast.CodedDataset, spec model.Spec, working fit.Result) ([]lmm.Comparison, string, error) {
	if len(spec.FixedTerms) == 0 {
		return nil, "", nil
	}

	mlSpec := spec
	mlSpec.REML = false

	full := working
	if spec.REML {
		var err error
		if full, err = p.fitWithRetry(ctx, data, mlSpec); err != nil {
			return nil, "", fmt.Errorf("maximum-likelihood refit of %s: %w", spec.Formula(), err)
		}
	}

	type slot struct {
		comparison lmm.Comparison
		err        error
	}
	slots := make([]slot, len(spec.FixedTerms))

	sem := semaphore.NewWeighted(int64(p.config.MaxWorkers))
	var wg sync.WaitGroup
	for i, term := range spec.FixedTerms {
		if err := sem.Acquire(ctx, 1); err != nil {
			slots[i] = slot{err: err}
			continue
		}
		wg.Add(1)
		go func(i int, term string) {
			defer wg.Done()
			defer sem.Release(1)

			reducedSpec, err := mlSpec.WithoutFixedTerm(term)
			if err != nil {
				slots[i] = slot{err: err}
				return
			}
			reduced, err := p.fitWithRetry(ctx, data, reducedSpec)
			if err != nil {
				slots[i] = slot{err: fmt.Errorf("nested refit without %q: %w", term, err)}
				return
			}
			comparison, err := lmm.LikelihoodRatio(term, full, reduced, p.config.SignificanceLevel)
			slots[i] = slot{comparison: comparison, err: err}
		}(i, term)
	}
	wg.Wait()

	comparisons := make([]lmm.Comparison, 0, len(slots))
	weakest, weakestP := "", -1.0
	for _, s := range slots {
		if s.err != nil {
			return nil, "", s.err
		}
		comparisons = append(comparisons, s.comparison)
		if !s.comparison.Retained && s.comparison.PValue > weakestP {
			weakest, weakestP = s.comparison.Term, s.comparison.PValue
		}
	}
	return comparisons, weakest, nil
}
