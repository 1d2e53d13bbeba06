package model

import (
	"fmt"
	"sort"
	"strings"

	"golmm/domain/core"
	"golmm/domain/observation"
)

// Grouping names the clustering variables observations are nested in
type Grouping string

const (
	GroupBySubject Grouping = "subject"
	GroupByItem    Grouping = "item"
)

// ParseGrouping validates a grouping name
func ParseGrouping(s string) (Grouping, error) {
	switch Grouping(s) {
	case GroupBySubject, GroupByItem:
		return Grouping(s), nil
	default:
		return "", fmt.Errorf("unknown grouping factor %q", s)
	}
}

// RandomSpec is the random-effects structure for one grouping factor: the
// intercept is always present; Slopes name the coded predictors that also
// vary by group. Correlated selects whether correlations between the terms
// are estimated or constrained to zero.
type RandomSpec struct {
	Grouping   Grouping `json:"grouping"`
	Slopes     []string `json:"slopes"`
	Correlated bool     `json:"correlated"`
}

// Terms lists the random-effect term names in order. The intercept is
// always first and is named "1" as in the formula notation.
func (r RandomSpec) Terms() []string {
	terms := make([]string, 0, 1+len(r.Slopes))
	terms = append(terms, "1")
	terms = append(terms, r.Slopes...)
	return terms
}

// NumTerms returns the dimension of this grouping factor's random effects
func (r RandomSpec) NumTerms() int {
	return 1 + len(r.Slopes)
}

// Spec is an immutable mixed-effects model specification. Derivations
// (dropping a slope or a fixed term) return new values; a specification is
// never modified after construction, so a fit is a pure function of
// (dataset, specification).
type Spec struct {
	Outcome   observation.Outcome   `json:"outcome"`
	Transform observation.Transform `json:"transform"`
	Family    Family                `json:"family"`
	Link      Link                  `json:"link"`

	// FixedTerms are coded predictor names; the intercept is implicit.
	FixedTerms []string     `json:"fixed_terms"`
	Random     []RandomSpec `json:"random"`

	// REML selects the restricted criterion for gaussian fits.
	REML bool `json:"reml"`
}

// NewSpec creates a validated model specification
func NewSpec(outcome observation.Outcome, transform observation.Transform, family Family, link Link,
	fixedTerms []string, random []RandomSpec, reml bool) (Spec, error) {

	if link == "" {
		link = family.DefaultLink()
	}
	s := Spec{
		Outcome:    outcome,
		Transform:  transform,
		Family:     family,
		Link:       link,
		FixedTerms: append([]string(nil), fixedTerms...),
		Random:     copyRandom(random),
		REML:       reml,
	}
	if err := validateSpec(s); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// MustNewSpec creates a spec or panics; for tests and fixtures
func MustNewSpec(outcome observation.Outcome, transform observation.Transform, family Family, link Link,
	fixedTerms []string, random []RandomSpec, reml bool) Spec {
	s, err := NewSpec(outcome, transform, family, link, fixedTerms, random, reml)
	if err != nil {
		panic(fmt.Sprintf("MustNewSpec: %v", err))
	}
	return s
}

// MaximalSpec builds the full random-effects structure: every grouping
// factor gets the intercept plus a slope for every fixed term.
func MaximalSpec(outcome observation.Outcome, transform observation.Transform, family Family, link Link,
	fixedTerms []string, groupings []Grouping, correlated bool, reml bool) (Spec, error) {

	random := make([]RandomSpec, 0, len(groupings))
	for _, g := range groupings {
		random = append(random, RandomSpec{
			Grouping:   g,
			Slopes:     append([]string(nil), fixedTerms...),
			Correlated: correlated,
		})
	}
	return NewSpec(outcome, transform, family, link, fixedTerms, random, reml)
}

func validateSpec(s Spec) error {
	if s.Outcome != observation.OutcomeRT && s.Outcome != observation.OutcomeAccuracy {
		return fmt.Errorf("unknown outcome %q", string(s.Outcome))
	}
	if !s.Family.Admits(s.Link) {
		return fmt.Errorf("family %s does not admit link %s", s.Family, s.Link)
	}
	if s.Family != FamilyGaussian && s.Transform != observation.TransformIdentity && s.Transform != "" {
		return fmt.Errorf("outcome transforms apply to gaussian fits only; family %s models the raw response", s.Family)
	}
	if s.Outcome == observation.OutcomeAccuracy && s.Family != FamilyBinomial {
		return fmt.Errorf("accuracy outcome requires the binomial family, got %s", s.Family)
	}
	if len(s.Random) == 0 {
		return fmt.Errorf("a mixed-effects specification needs at least one grouping factor")
	}

	seenGrouping := make(map[Grouping]bool, len(s.Random))
	fixedSet := make(map[string]bool, len(s.FixedTerms))
	for _, term := range s.FixedTerms {
		if strings.TrimSpace(term) == "" {
			return fmt.Errorf("fixed-effect term names cannot be empty")
		}
		if fixedSet[term] {
			return fmt.Errorf("duplicate fixed-effect term %q", term)
		}
		fixedSet[term] = true
	}

	for _, r := range s.Random {
		if _, err := ParseGrouping(string(r.Grouping)); err != nil {
			return err
		}
		if seenGrouping[r.Grouping] {
			return fmt.Errorf("duplicate grouping factor %q", r.Grouping)
		}
		seenGrouping[r.Grouping] = true

		seenSlope := make(map[string]bool, len(r.Slopes))
		for _, slope := range r.Slopes {
			if !fixedSet[slope] {
				return fmt.Errorf("random slope %q of %s is not a fixed-effect term", slope, r.Grouping)
			}
			if seenSlope[slope] {
				return fmt.Errorf("duplicate random slope %q for %s", slope, r.Grouping)
			}
			seenSlope[slope] = true
		}
	}
	return nil
}

func copyRandom(random []RandomSpec) []RandomSpec {
	out := make([]RandomSpec, len(random))
	for i, r := range random {
		out[i] = RandomSpec{
			Grouping:   r.Grouping,
			Slopes:     append([]string(nil), r.Slopes...),
			Correlated: r.Correlated,
		}
	}
	return out
}

// WithoutRandomSlope derives a specification with one slope removed from one
// grouping factor. The random intercept is the floor and cannot be removed.
func (s Spec) WithoutRandomSlope(grouping Grouping, slope string) (Spec, error) {
	random := copyRandom(s.Random)
	found := false
	for i, r := range random {
		if r.Grouping != grouping {
			continue
		}
		for j, sl := range r.Slopes {
			if sl == slope {
				random[i].Slopes = append(r.Slopes[:j:j], r.Slopes[j+1:]...)
				found = true
				break
			}
		}
	}
	if !found {
		return Spec{}, fmt.Errorf("random slope %q not present for %s", slope, grouping)
	}
	return NewSpec(s.Outcome, s.Transform, s.Family, s.Link, s.FixedTerms, random, s.REML)
}

// WithoutFixedTerm derives the nested specification used for a
// likelihood-ratio comparison: the fixed term is removed along with any
// random slopes that reference it.
func (s Spec) WithoutFixedTerm(term string) (Spec, error) {
	fixed := make([]string, 0, len(s.FixedTerms))
	found := false
	for _, t := range s.FixedTerms {
		if t == term {
			found = true
			continue
		}
		fixed = append(fixed, t)
	}
	if !found {
		return Spec{}, fmt.Errorf("fixed-effect term %q not present", term)
	}

	random := copyRandom(s.Random)
	for i, r := range random {
		slopes := make([]string, 0, len(r.Slopes))
		for _, sl := range r.Slopes {
			if sl != term {
				slopes = append(slopes, sl)
			}
		}
		random[i].Slopes = slopes
	}
	return NewSpec(s.Outcome, s.Transform, s.Family, s.Link, fixed, random, s.REML)
}

// RandomFor returns the random-effects structure for a grouping factor
func (s Spec) RandomFor(grouping Grouping) (RandomSpec, bool) {
	for _, r := range s.Random {
		if r.Grouping == grouping {
			return r, true
		}
	}
	return RandomSpec{}, false
}

// NumFixedParams counts fixed-effect coefficients including the intercept
func (s Spec) NumFixedParams() int {
	return 1 + len(s.FixedTerms)
}

// NumCovarianceParams counts the variance/covariance parameters implied by
// the random-effects structure (plus dispersion handled by the fitter).
func (s Spec) NumCovarianceParams() int {
	total := 0
	for _, r := range s.Random {
		d := r.NumTerms()
		if r.Correlated {
			total += d * (d + 1) / 2
		} else {
			total += d
		}
	}
	return total
}

// Formula renders the specification in the conventional notation, which is
// what reports and logs display.
func (s Spec) Formula() string {
	var b strings.Builder
	b.WriteString(string(s.Outcome))
	b.WriteString(" ~ 1")
	for _, t := range s.FixedTerms {
		b.WriteString(" + ")
		b.WriteString(t)
	}
	for _, r := range s.Random {
		sep := " | "
		if !r.Correlated && len(r.Slopes) > 0 {
			sep = " || "
		}
		b.WriteString(" + (1")
		for _, sl := range r.Slopes {
			b.WriteString(" + ")
			b.WriteString(sl)
		}
		b.WriteString(sep)
		b.WriteString(string(r.Grouping))
		b.WriteString(")")
	}
	return b.String()
}

// Hash returns a deterministic digest of the specification
func (s Spec) Hash() core.SpecHash {
	fields := map[string]interface{}{
		"outcome":   string(s.Outcome),
		"transform": string(s.Transform),
		"family":    string(s.Family),
		"link":      string(s.Link),
		"fixed":     strings.Join(s.FixedTerms, ","),
		"reml":      s.REML,
	}
	groupings := make([]string, 0, len(s.Random))
	for _, r := range s.Random {
		groupings = append(groupings,
			fmt.Sprintf("%s:%s:corr=%t", r.Grouping, strings.Join(r.Slopes, "+"), r.Correlated))
	}
	sort.Strings(groupings)
	fields["random"] = strings.Join(groupings, ";")
	return core.ComputeSpecHash(fields)
}
