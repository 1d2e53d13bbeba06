package lmm

import (
	"fmt"

	"golmm/domain/fit"
	"golmm/domain/model"
)

// Reduction records one simplification of the random-effect structure
type Reduction struct {
	Grouping      model.Grouping
	DroppedSlope  string
	SmallestShare float64
}

// ReduceOnce eigendecomposes each grouping factor's estimated random-effect
// covariance and, where the weakest component's variance share does not
// exceed the threshold, drops the slope dominating that component. At most
// one slope is removed per call so the caller can re-fit between passes; a
// nil Reduction means the structure is already as simple as the data
// supports. Random intercepts are never removed.
func ReduceOnce(spec model.Spec, result fit.Result, threshold float64) (model.Spec, *Reduction, error) {
	for _, rc := range result.Random {
		dec, err := fit.Decompose(rc)
		if err != nil {
			return model.Spec{}, nil, err
		}
		idx, ok := dec.NegligibleComponent(threshold)
		if !ok {
			continue
		}
		slope, ok := dec.DominantSlope(idx)
		if !ok {
			// Intercept-only structure: the floor. A negligible intercept
			// variance stays in the model.
			continue
		}
		reduced, err := spec.WithoutRandomSlope(rc.Grouping, slope)
		if err != nil {
			return model.Spec{}, nil, fmt.Errorf("reduce %s structure: %w", rc.Grouping, err)
		}
		return reduced, &Reduction{
			Grouping:      rc.Grouping,
			DroppedSlope:  slope,
			SmallestShare: dec.SmallestShare(),
		}, nil
	}
	return spec, nil, nil
}
