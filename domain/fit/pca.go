package fit

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
	"golmm/domain/model"
)

// PrincipalComponent is one eigencomponent of a random-effect covariance
// matrix. Loadings are in term order (intercept first).
type PrincipalComponent struct {
	Variance        float64   `json:"variance"`
	Share           float64   `json:"share"`
	CumulativeShare float64   `json:"cumulative_share"`
	Loadings        []float64 `json:"loadings"`
}

// Decomposition is the spectrum of one grouping factor's random-effect
// covariance, components ordered by decreasing variance.
type Decomposition struct {
	Grouping   model.Grouping       `json:"grouping"`
	Terms      []string             `json:"terms"`
	Components []PrincipalComponent `json:"components"`
}

// Decompose eigendecomposes a random-effect covariance estimate. A covariance
// that fails to factor (non-symmetric storage corruption rather than rank
// deficiency, which eigendecomposition tolerates) is reported as degenerate.
func Decompose(rc RandomCovariance) (Decomposition, error) {
	d := len(rc.Terms)
	if d == 0 {
		return Decomposition{}, fmt.Errorf("decompose %s covariance: %w", rc.Grouping, core.ErrDegenerateFit)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(rc.Covariance, true); !ok {
		return Decomposition{}, core.NewDegenerateFitError(
			fmt.Sprintf("eigendecomposition of %s random-effect covariance failed", rc.Grouping))
	}

	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	total := 0.0
	for _, v := range values {
		if v > 0 {
			total += v
		}
	}

	components := make([]PrincipalComponent, d)
	for i := 0; i < d; i++ {
		loadings := make([]float64, d)
		mat.Col(loadings, i, &vectors)
		variance := values[i]
		if variance < 0 {
			variance = 0
		}
		share := 0.0
		if total > 0 {
			share = variance / total
		}
		components[i] = PrincipalComponent{
			Variance: variance,
			Share:    share,
			Loadings: loadings,
		}
	}

	// EigenSym yields ascending eigenvalues; present them largest first.
	sort.SliceStable(components, func(i, j int) bool {
		return components[i].Variance > components[j].Variance
	})
	cumulative := 0.0
	for i := range components {
		cumulative += components[i].Share
		components[i].CumulativeShare = cumulative
	}

	return Decomposition{
		Grouping:   rc.Grouping,
		Terms:      append([]string(nil), rc.Terms...),
		Components: components,
	}, nil
}

// SmallestShare is the variance share of the weakest component
func (d Decomposition) SmallestShare() float64 {
	if len(d.Components) == 0 {
		return 0
	}
	return d.Components[len(d.Components)-1].Share
}

// NegligibleComponent returns the index of the weakest component when its
// variance share does not exceed the threshold.
func (d Decomposition) NegligibleComponent(threshold float64) (int, bool) {
	if len(d.Components) == 0 {
		return 0, false
	}
	last := len(d.Components) - 1
	if d.Components[last].Share <= threshold {
		return last, true
	}
	return 0, false
}

// DominantSlope names the random slope carrying the largest absolute loading
// in the given component. The second return is false when the structure holds
// only an intercept or the intercept dominates the component; the intercept
// is the reduction floor, so neither case yields a removable slope.
func (d Decomposition) DominantSlope(component int) (string, bool) {
	if component < 0 || component >= len(d.Components) {
		return "", false
	}
	loadings := d.Components[component].Loadings
	best, bestAbs := "", 0.0
	for i, term := range d.Terms {
		if i == 0 {
			continue
		}
		if abs := math.Abs(loadings[i]); abs > bestAbs {
			best, bestAbs = term, abs
		}
	}
	if best == "" || math.Abs(loadings[0]) >= bestAbs {
		return "", false
	}
	return best, true
}
