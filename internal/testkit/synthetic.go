package testkit

import (
	"fmt"
	"math"
	"math/rand"

	"golmm/domain/contrast"
	"golmm/domain/model"
	"golmm/domain/observation"
)

// TrialGeneratorConfig configures the synthetic experiment generator. The
// generated trials follow a known mixed-effects model, so tests can check
// that fitted estimates land near the true parameters.
type TrialGeneratorConfig struct {
	SubjectCount int      `json:"subject_count"`
	ItemCount    int      `json:"item_count"`
	Replicates   int      `json:"replicates"`
	Conditions   []string `json:"conditions"`

	// ConditionMeans are the true mean response times per condition, in ms.
	ConditionMeans map[string]float64 `json:"condition_means"`

	// Random-effect standard deviations on the response scale. Subject
	// slopes apply per contrast code, so a slope SD of zero produces data
	// whose maximal model carries a redundant variance component.
	SubjectSD      float64 `json:"subject_sd"`
	SubjectSlopeSD float64 `json:"subject_slope_sd"`
	ItemSD         float64 `json:"item_sd"`
	ResidualSD     float64 `json:"residual_sd"`

	// ErrorRate is the share of trials marked incorrect, independent of
	// condition. Accuracy generation with condition effects uses
	// ConditionLogOdds instead.
	ErrorRate        float64            `json:"error_rate"`
	ConditionLogOdds map[string]float64 `json:"condition_log_odds"`

	Seed int64 `json:"seed"`
}

// DefaultTrialConfig returns a two-condition priming layout: conditions at
// 600 and 620 ms give a true grand mean of 610 and a sum-coded slope of 10.
func DefaultTrialConfig() TrialGeneratorConfig {
	return TrialGeneratorConfig{
		SubjectCount: 24,
		ItemCount:    12,
		Replicates:   1,
		Conditions:   []string{"related", "unrelated"},
		ConditionMeans: map[string]float64{
			"related":   600,
			"unrelated": 620,
		},
		SubjectSD:      25,
		SubjectSlopeSD: 8,
		ItemSD:         15,
		ResidualSD:     40,
		ErrorRate:      0.05,
		ConditionLogOdds: map[string]float64{
			"related":   2.2,
			"unrelated": 1.4,
		},
		Seed: 42,
	}
}

// TrialGenerator produces seeded synthetic trial data for a fully crossed
// subject x item x condition design.
type TrialGenerator struct {
	config TrialGeneratorConfig
	rng    *rand.Rand

	factor observation.Factor
	coding contrast.CodingMatrix
}

// NewTrialGenerator builds a generator, deriving sum codes for the
// configured conditions so simulated slopes match what a sum-coded fit
// estimates.
func NewTrialGenerator(config TrialGeneratorConfig) (*TrialGenerator, error) {
	if config.SubjectCount < 2 || config.ItemCount < 2 {
		return nil, fmt.Errorf("crossed design needs at least 2 subjects and 2 items, got %d and %d",
			config.SubjectCount, config.ItemCount)
	}
	if config.Replicates < 1 {
		config.Replicates = 1
	}
	factor, err := observation.NewFactor("condition", config.Conditions)
	if err != nil {
		return nil, err
	}
	for _, level := range factor.Levels {
		if _, ok := config.ConditionMeans[level]; !ok {
			return nil, fmt.Errorf("condition %q has no configured mean", level)
		}
	}
	spec, err := contrast.SumCodingSpec(factor)
	if err != nil {
		return nil, err
	}
	_, coding, err := contrast.BuildCoding(spec)
	if err != nil {
		return nil, err
	}
	return &TrialGenerator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		factor: factor,
		coding: coding,
	}, nil
}

// ContrastNames returns the derived sum-contrast names in factor order;
// these are the fixed-term names a matching specification should carry.
func (g *TrialGenerator) ContrastNames() []string {
	return append([]string(nil), g.coding.ContrastNames...)
}

// TrueIntercept is the grand mean across configured condition means
func (g *TrialGenerator) TrueIntercept() float64 {
	total := 0.0
	for _, level := range g.factor.Levels {
		total += g.config.ConditionMeans[level]
	}
	return total / float64(g.factor.NumLevels())
}

// TrueSlope is the true coefficient for one sum contrast: the deviation of
// that contrast's focus level from the grand mean.
func (g *TrialGenerator) TrueSlope(contrastIdx int) float64 {
	// Sum codes satisfy mean(cond) = intercept + sum_j code_j(cond) * beta_j
	// with beta_j equal to the focus level's deviation from the grand mean.
	focus := g.factor.Levels[contrastIdx+1]
	return g.config.ConditionMeans[focus] - g.TrueIntercept()
}

// GenerateTrials simulates reaction times from the configured gaussian
// mixed-effects model: condition mean plus subject intercept and slope
// deviations, item intercept deviations, and residual noise. Correctness is
// drawn independently at the configured error rate.
func (g *TrialGenerator) GenerateTrials() (observation.Dataset, error) {
	subjects := g.subjectEffects()
	items := g.itemEffects()

	numContrasts := len(g.coding.ContrastNames)
	var trials []observation.Observation
	for s := 0; s < g.config.SubjectCount; s++ {
		for i := 0; i < g.config.ItemCount; i++ {
			for _, cond := range g.factor.Levels {
				levelIdx := g.factor.LevelIndex(cond)
				for r := 0; r < g.config.Replicates; r++ {
					rt := g.config.ConditionMeans[cond] + subjects[s].intercept + items[i]
					for j := 0; j < numContrasts; j++ {
						rt += subjects[s].slopes[j] * g.coding.Code(levelIdx, j)
					}
					rt += g.rng.NormFloat64() * g.config.ResidualSD
					if rt < 1 {
						rt = 1
					}
					correct := g.rng.Float64() >= g.config.ErrorRate
					obs, err := observation.NewObservation(
						subjectLabel(s), itemLabel(i), cond, "", correct, rt)
					if err != nil {
						return observation.Dataset{}, err
					}
					trials = append(trials, obs)
				}
			}
		}
	}
	return observation.NewDataset("synthetic", trials)
}

// GenerateAccuracyTrials simulates binary accuracy from a logistic mixed
// model: condition log odds plus subject and item intercept deviations on
// the logit scale. Reaction times carry only noise so the accuracy signal
// is the interesting outcome.
func (g *TrialGenerator) GenerateAccuracyTrials() (observation.Dataset, error) {
	for _, level := range g.factor.Levels {
		if _, ok := g.config.ConditionLogOdds[level]; !ok {
			return observation.Dataset{}, fmt.Errorf("condition %q has no configured log odds", level)
		}
	}
	subjects := g.subjectEffects()
	items := g.itemEffects()

	var trials []observation.Observation
	for s := 0; s < g.config.SubjectCount; s++ {
		for i := 0; i < g.config.ItemCount; i++ {
			for _, cond := range g.factor.Levels {
				for r := 0; r < g.config.Replicates; r++ {
					// Logit-scale deviations reuse the response-scale SDs at
					// a 1:50 ratio, keeping the defaults in a plausible range.
					eta := g.config.ConditionLogOdds[cond] +
						subjects[s].intercept/50 + items[i]/50
					p := 1 / (1 + math.Exp(-eta))
					correct := g.rng.Float64() < p
					rt := 600 + g.rng.NormFloat64()*g.config.ResidualSD
					if rt < 1 {
						rt = 1
					}
					obs, err := observation.NewObservation(
						subjectLabel(s), itemLabel(i), cond, "", correct, rt)
					if err != nil {
						return observation.Dataset{}, err
					}
					trials = append(trials, obs)
				}
			}
		}
	}
	return observation.NewDataset("synthetic-accuracy", trials)
}

// CodedTrials runs the generated dataset through the real contrast pipeline,
// returning trials with sum codes attached.
func (g *TrialGenerator) CodedTrials() (contrast.CodedDataset, error) {
	ds, err := g.GenerateTrials()
	if err != nil {
		return contrast.CodedDataset{}, err
	}
	return contrast.AttachCodes(ds, g.factor, g.coding)
}

// CodedAccuracyTrials attaches sum codes to a simulated accuracy dataset
func (g *TrialGenerator) CodedAccuracyTrials() (contrast.CodedDataset, error) {
	ds, err := g.GenerateAccuracyTrials()
	if err != nil {
		return contrast.CodedDataset{}, err
	}
	return contrast.AttachCodes(ds, g.factor, g.coding)
}

// MaximalRTSpec builds the maximal gaussian specification matching the
// generated data: every derived contrast as a fixed term, with subject and
// item groupings carrying intercepts and all slopes.
func (g *TrialGenerator) MaximalRTSpec(correlated, reml bool) (model.Spec, error) {
	return model.MaximalSpec(observation.OutcomeRT, observation.TransformIdentity,
		model.FamilyGaussian, model.LinkIdentity, g.ContrastNames(),
		[]model.Grouping{model.GroupBySubject, model.GroupByItem}, correlated, reml)
}

// InterceptsRTSpec builds the random-intercepts-only gaussian specification
func (g *TrialGenerator) InterceptsRTSpec(reml bool) (model.Spec, error) {
	random := []model.RandomSpec{
		{Grouping: model.GroupBySubject},
		{Grouping: model.GroupByItem},
	}
	return model.NewSpec(observation.OutcomeRT, observation.TransformIdentity,
		model.FamilyGaussian, model.LinkIdentity, g.ContrastNames(), random, reml)
}

// AccuracySpec builds the logistic specification for simulated accuracy
// data, with random intercepts only.
func (g *TrialGenerator) AccuracySpec() (model.Spec, error) {
	random := []model.RandomSpec{
		{Grouping: model.GroupBySubject},
		{Grouping: model.GroupByItem},
	}
	return model.NewSpec(observation.OutcomeAccuracy, observation.TransformIdentity,
		model.FamilyBinomial, model.LinkLogit, g.ContrastNames(), random, false)
}

// subjectEffect holds one subject's true random deviations
type subjectEffect struct {
	intercept float64
	slopes    []float64
}

// subjectEffects draws each subject's deviations once, so every trial of a
// subject shares the same true effects.
func (g *TrialGenerator) subjectEffects() []subjectEffect {
	numContrasts := len(g.coding.ContrastNames)
	effects := make([]subjectEffect, g.config.SubjectCount)
	for s := range effects {
		slopes := make([]float64, numContrasts)
		for j := range slopes {
			slopes[j] = g.rng.NormFloat64() * g.config.SubjectSlopeSD
		}
		effects[s] = subjectEffect{
			intercept: g.rng.NormFloat64() * g.config.SubjectSD,
			slopes:    slopes,
		}
	}
	return effects
}

// itemEffects draws each item's intercept deviation once
func (g *TrialGenerator) itemEffects() []float64 {
	effects := make([]float64, g.config.ItemCount)
	for i := range effects {
		effects[i] = g.rng.NormFloat64() * g.config.ItemSD
	}
	return effects
}

func subjectLabel(i int) string {
	return fmt.Sprintf("S%02d", i+1)
}

func itemLabel(i int) string {
	return fmt.Sprintf("item_%02d", i+1)
}
