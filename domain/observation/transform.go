package observation

import (
	"fmt"
	"math"
)

// Outcome selects which recorded value is modeled
type Outcome string

const (
	// OutcomeRT models the response time in milliseconds
	OutcomeRT Outcome = "rt"
	// OutcomeAccuracy models the correctness flag as 0/1
	OutcomeAccuracy Outcome = "accuracy"
)

// Transform is an outcome transform applied before a gaussian fit
type Transform string

const (
	TransformIdentity   Transform = "identity"
	TransformReciprocal Transform = "reciprocal"
	TransformLog        Transform = "log"
)

// ParseTransform validates a transform name
func ParseTransform(s string) (Transform, error) {
	switch Transform(s) {
	case TransformIdentity, TransformReciprocal, TransformLog:
		return Transform(s), nil
	case "":
		return TransformIdentity, nil
	default:
		return "", fmt.Errorf("unknown outcome transform %q", s)
	}
}

// Apply transforms a single value. Log and reciprocal require positive input.
func (t Transform) Apply(y float64) (float64, error) {
	switch t {
	case TransformIdentity:
		return y, nil
	case TransformReciprocal:
		if y <= 0 {
			return 0, fmt.Errorf("reciprocal transform requires positive values, got %v", y)
		}
		return 1.0 / y, nil
	case TransformLog:
		if y <= 0 {
			return 0, fmt.Errorf("log transform requires positive values, got %v", y)
		}
		return math.Log(y), nil
	default:
		return 0, fmt.Errorf("unknown outcome transform %q", string(t))
	}
}

// OutcomeVector extracts the modeled response for every observation,
// applying the transform. For the accuracy outcome the transform must be
// identity; correctness becomes 0/1.
func OutcomeVector(d Dataset, outcome Outcome, transform Transform) ([]float64, error) {
	y := make([]float64, d.Len())
	switch outcome {
	case OutcomeRT:
		for i, obs := range d.Observations {
			v, err := transform.Apply(obs.RTMillis)
			if err != nil {
				return nil, fmt.Errorf("observation %d: %w", i, err)
			}
			y[i] = v
		}
	case OutcomeAccuracy:
		if transform != TransformIdentity {
			return nil, fmt.Errorf("accuracy outcome does not admit the %s transform", transform)
		}
		for i, obs := range d.Observations {
			if obs.Correct {
				y[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("unknown outcome %q", string(outcome))
	}
	return y, nil
}
