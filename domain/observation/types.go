package observation

import (
	"fmt"
	"sort"
	"strings"

	"golmm/domain/core"
)

// Observation is one trial of a picture-naming or word-learning experiment.
// Immutable once recorded: analysis subsets are produced by filtering into
// new datasets, never by mutating trials in place.
type Observation struct {
	Subject   string  `json:"subject"`
	Item      string  `json:"item"`
	Condition string  `json:"condition"`
	Response  string  `json:"response"`
	Correct   bool    `json:"correct"`
	RTMillis  float64 `json:"rt_ms"`
}

// NewObservation creates a validated observation
func NewObservation(subject, item, condition, response string, correct bool, rtMillis float64) (Observation, error) {
	obs := Observation{
		Subject:   subject,
		Item:      item,
		Condition: condition,
		Response:  response,
		Correct:   correct,
		RTMillis:  rtMillis,
	}
	if err := validateObservation(obs); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

func validateObservation(obs Observation) error {
	if strings.TrimSpace(obs.Subject) == "" {
		return fmt.Errorf("observation subject cannot be empty")
	}
	if strings.TrimSpace(obs.Item) == "" {
		return fmt.Errorf("observation item cannot be empty")
	}
	if strings.TrimSpace(obs.Condition) == "" {
		return fmt.Errorf("observation condition cannot be empty")
	}
	if obs.RTMillis <= 0 {
		return fmt.Errorf("response time must be positive, got %v", obs.RTMillis)
	}
	return nil
}

// Dataset is an immutable collection of observations with provenance.
// Every derivation (filtering, trimming) returns a new dataset; the
// observation slice is never shared with a mutable caller path.
type Dataset struct {
	ID           core.DatasetID `json:"id"`
	Source       string         `json:"source"`
	IngestedAt   core.Timestamp `json:"ingested_at"`
	Observations []Observation  `json:"observations"`
}

// NewDataset creates a dataset from observations, copying the slice
func NewDataset(source string, observations []Observation) (Dataset, error) {
	if len(observations) == 0 {
		return Dataset{}, core.ErrEmptyDataset
	}
	for i, obs := range observations {
		if err := validateObservation(obs); err != nil {
			return Dataset{}, fmt.Errorf("observation %d: %w", i, err)
		}
	}
	copied := make([]Observation, len(observations))
	copy(copied, observations)
	return Dataset{
		ID:           core.NewDatasetID(),
		Source:       source,
		IngestedAt:   core.Now(),
		Observations: copied,
	}, nil
}

// MustNewDataset creates a dataset or panics; for tests and fixtures
func MustNewDataset(source string, observations []Observation) Dataset {
	ds, err := NewDataset(source, observations)
	if err != nil {
		panic(fmt.Sprintf("MustNewDataset: %v", err))
	}
	return ds
}

// Len returns the number of observations
func (d Dataset) Len() int {
	return len(d.Observations)
}

// derive produces a child dataset that keeps provenance but gets a fresh ID
func (d Dataset) derive(observations []Observation) Dataset {
	return Dataset{
		ID:           core.NewDatasetID(),
		Source:       d.Source,
		IngestedAt:   d.IngestedAt,
		Observations: observations,
	}
}

// Subjects returns the distinct subject identifiers in stable sorted order
func (d Dataset) Subjects() []string {
	return d.distinct(func(o Observation) string { return o.Subject })
}

// Items returns the distinct item identifiers in stable sorted order
func (d Dataset) Items() []string {
	return d.distinct(func(o Observation) string { return o.Item })
}

// Conditions returns the distinct condition labels in stable sorted order
func (d Dataset) Conditions() []string {
	return d.distinct(func(o Observation) string { return o.Condition })
}

func (d Dataset) distinct(key func(Observation) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, obs := range d.Observations {
		k := key(obs)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Hash returns a content hash over all observations in order, used for
// run fingerprinting.
func (d Dataset) Hash() core.DatasetHash {
	var b strings.Builder
	for _, obs := range d.Observations {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%t|%.6f\n",
			obs.Subject, obs.Item, obs.Condition, obs.Response, obs.Correct, obs.RTMillis)
	}
	return core.NewDatasetHash([]byte(b.String()))
}

// Factor is a categorical variable with an ordered set of named levels.
// Alphabetic order is the default unless explicitly overridden.
type Factor struct {
	Name   string   `json:"name"`
	Levels []string `json:"levels"`
}

// NewFactor creates a factor with an explicit level order
func NewFactor(name string, levels []string) (Factor, error) {
	if strings.TrimSpace(name) == "" {
		return Factor{}, fmt.Errorf("factor name cannot be empty")
	}
	if len(levels) < 2 {
		return Factor{}, fmt.Errorf("factor %s needs at least 2 levels, got %d", name, len(levels))
	}
	seen := make(map[string]bool, len(levels))
	for _, level := range levels {
		if strings.TrimSpace(level) == "" {
			return Factor{}, fmt.Errorf("factor %s has an empty level name", name)
		}
		if seen[level] {
			return Factor{}, fmt.Errorf("factor %s has duplicate level %q", name, level)
		}
		seen[level] = true
	}
	copied := make([]string, len(levels))
	copy(copied, levels)
	return Factor{Name: name, Levels: copied}, nil
}

// ConditionFactor derives the condition factor from the dataset's observed
// labels in default alphabetic order.
func ConditionFactor(d Dataset) (Factor, error) {
	return NewFactor("condition", d.Conditions())
}

// LevelIndex returns the position of a level, or -1 if absent
func (f Factor) LevelIndex(level string) int {
	for i, l := range f.Levels {
		if l == level {
			return i
		}
	}
	return -1
}

// NumLevels returns k, the number of levels
func (f Factor) NumLevels() int {
	return len(f.Levels)
}

// Validate checks every observation's condition is a known level
func (f Factor) Validate(d Dataset) error {
	for _, obs := range d.Observations {
		if f.LevelIndex(obs.Condition) < 0 {
			return core.NewUnknownLevelError(obs.Condition, f.Name)
		}
	}
	return nil
}
