package contrast

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/observation"
)

// weightSumTolerance bounds how far a contrast's weights may drift from
// summing to exactly zero before the specification is rejected.
const weightSumTolerance = 1e-12

// Contrast is one named hypothesis about condition means: a mapping from
// level name to signed weight. Weights must sum to zero; levels left out
// default to weight 0.
type Contrast struct {
	Name    string             `json:"name"`
	Weights map[string]float64 `json:"weights"`
}

// NewContrast creates a validated contrast for the given factor
func NewContrast(name string, weights map[string]float64, factor observation.Factor) (Contrast, error) {
	c := Contrast{Name: name, Weights: weights}
	if err := validateContrast(c, factor); err != nil {
		return Contrast{}, err
	}
	return c, nil
}

func validateContrast(c Contrast, factor observation.Factor) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("contrast name cannot be empty")
	}
	if len(c.Weights) == 0 {
		return fmt.Errorf("contrast %s has no weights", c.Name)
	}

	sum := 0.0
	nonzero := 0
	for level, w := range c.Weights {
		if factor.LevelIndex(level) < 0 {
			return fmt.Errorf("contrast %s references unknown level %q of factor %s", c.Name, level, factor.Name)
		}
		sum += w
		if w != 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		return fmt.Errorf("contrast %s has all-zero weights", c.Name)
	}
	if math.Abs(sum) > weightSumTolerance {
		return fmt.Errorf("contrast %s weights sum to %v, must sum to zero", c.Name, sum)
	}
	return nil
}

// WeightFor returns the weight assigned to a level, defaulting to zero
func (c Contrast) WeightFor(level string) float64 {
	return c.Weights[level]
}

// Spec is the full contrast specification for one factor: the ordered
// levels plus exactly k-1 named contrasts.
type Spec struct {
	Factor    observation.Factor `json:"factor"`
	Contrasts []Contrast         `json:"contrasts"`
}

// NewSpec creates a validated contrast specification
func NewSpec(factor observation.Factor, contrasts []Contrast) (Spec, error) {
	k := factor.NumLevels()
	if k < 2 {
		return Spec{}, fmt.Errorf("factor %s needs at least 2 levels for contrast coding", factor.Name)
	}
	if len(contrasts) != k-1 {
		return Spec{}, fmt.Errorf("factor %s with %d levels needs exactly %d contrasts, got %d",
			factor.Name, k, k-1, len(contrasts))
	}

	seen := make(map[string]bool, len(contrasts))
	for _, c := range contrasts {
		if err := validateContrast(c, factor); err != nil {
			return Spec{}, err
		}
		if seen[c.Name] {
			return Spec{}, fmt.Errorf("duplicate contrast name %q", c.Name)
		}
		seen[c.Name] = true
	}

	return Spec{Factor: factor, Contrasts: contrasts}, nil
}

// MustNewSpec creates a spec or panics; for tests and fixtures
func MustNewSpec(factor observation.Factor, contrasts []Contrast) Spec {
	s, err := NewSpec(factor, contrasts)
	if err != nil {
		panic(fmt.Sprintf("MustNewSpec: %v", err))
	}
	return s
}

// PartialSpec carries fewer than k-1 contrasts for the relaxed non-square
// hypothesis-matrix path.
type PartialSpec struct {
	Factor    observation.Factor `json:"factor"`
	Contrasts []Contrast         `json:"contrasts"`
}

// NewPartialSpec creates a validated partial specification
func NewPartialSpec(factor observation.Factor, contrasts []Contrast) (PartialSpec, error) {
	if len(contrasts) == 0 {
		return PartialSpec{}, fmt.Errorf("partial specification needs at least one contrast")
	}
	if len(contrasts) > factor.NumLevels()-1 {
		return PartialSpec{}, fmt.Errorf("factor %s admits at most %d contrasts, got %d",
			factor.Name, factor.NumLevels()-1, len(contrasts))
	}
	seen := make(map[string]bool, len(contrasts))
	for _, c := range contrasts {
		if err := validateContrast(c, factor); err != nil {
			return PartialSpec{}, err
		}
		if seen[c.Name] {
			return PartialSpec{}, fmt.Errorf("duplicate contrast name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return PartialSpec{Factor: factor, Contrasts: contrasts}, nil
}

// SumCodingSpec builds the default specification: each non-first level gets
// a contrast testing its mean against the grand mean. For two levels this
// is the familiar -1/+1 sum coding whose slope estimates half the
// difference between level means.
func SumCodingSpec(factor observation.Factor) (Spec, error) {
	k := factor.NumLevels()
	contrasts := make([]Contrast, 0, k-1)
	for j := 1; j < k; j++ {
		weights := make(map[string]float64, k)
		for i, level := range factor.Levels {
			if i == j {
				weights[level] = 1 - 1.0/float64(k)
			} else {
				weights[level] = -1.0 / float64(k)
			}
		}
		contrasts = append(contrasts, Contrast{
			Name:    factor.Levels[j] + "_vs_mean",
			Weights: weights,
		})
	}
	return NewSpec(factor, contrasts)
}

// specJSON is the wire form accepted from configuration
type specJSON struct {
	Factor    string              `json:"factor"`
	Levels    []string            `json:"levels"`
	Contrasts []contrastSpecJSON  `json:"contrasts"`
}

type contrastSpecJSON struct {
	Name    string             `json:"name"`
	Weights map[string]float64 `json:"weights"`
}

// ParseSpecJSON reads a contrast specification from its JSON form:
//
//	{"factor":"condition","levels":["a","b","c"],
//	 "contrasts":[{"name":"b_vs_c","weights":{"b":1,"c":-1}}, ...]}
func ParseSpecJSON(data []byte) (Spec, error) {
	var wire specJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return Spec{}, fmt.Errorf("invalid contrast specification JSON: %w", err)
	}

	factorName := wire.Factor
	if factorName == "" {
		factorName = "condition"
	}
	factor, err := observation.NewFactor(factorName, wire.Levels)
	if err != nil {
		return Spec{}, err
	}

	contrasts := make([]Contrast, 0, len(wire.Contrasts))
	for _, c := range wire.Contrasts {
		contrasts = append(contrasts, Contrast{Name: c.Name, Weights: c.Weights})
	}
	return NewSpec(factor, contrasts)
}

// HypothesisMatrix is the k x k matrix whose rows are the intercept
// hypothesis followed by the contrasts, over the factor's levels as columns.
type HypothesisMatrix struct {
	RowNames []string
	Levels   []string
	M        *mat.Dense
}

// Dims returns the matrix dimensions
func (h HypothesisMatrix) Dims() (rows, cols int) {
	return h.M.Dims()
}

// CodingMatrix assigns each factor level its numeric code per contrast:
// rows are levels, columns are contrasts. It is derived from the inverse of
// the hypothesis matrix with the intercept column removed.
type CodingMatrix struct {
	Levels        []string
	ContrastNames []string
	M             *mat.Dense
}

// Code returns the value for one level under one contrast column
func (c CodingMatrix) Code(levelIdx, contrastIdx int) float64 {
	return c.M.At(levelIdx, contrastIdx)
}

// Column returns a copy of one contrast's codes over all levels
func (c CodingMatrix) Column(contrastIdx int) []float64 {
	col := make([]float64, len(c.Levels))
	mat.Col(col, contrastIdx, c.M)
	return col
}
