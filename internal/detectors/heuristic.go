package detectors

import (
	"context"
	"fmt"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// WeightProvider supplies learned per-(detector, feature) weights from the
// WeightStore snapshot. Missing entries fall back to the compiled-in
// feature table; the provider never blocks (reads an atomic snapshot).
type WeightProvider interface {
	LearnedWeight(detector, feature string) (weight float64, ok bool)
}

// heuristicFeature is one blackboard-signal-to-probability mapping.
// transform folds the raw signal value into a [-1, 1] delta.
type heuristicFeature struct {
	signal    string
	weight    float64
	transform func(v float64) float64
}

func stepAbove(threshold, delta float64) func(float64) float64 {
	return func(v float64) float64 {
		if v > threshold {
			return delta
		}
		return 0
	}
}

// Heuristic folds all numeric signals accumulated by earlier waves into one
// weighted probability contribution: a fixed table of weighted features,
// each independently scored, summed into a single assessment. Learned
// weights from the WeightStore modulate the compiled-in table when present.
type Heuristic struct {
	Base
	cfg      Config
	learned  WeightProvider
	features []heuristicFeature
}

func defaultHeuristicFeatures() []heuristicFeature {
	return []heuristicFeature{
		{signal: models.SignalBehavioralRate, weight: 0.8, transform: stepAbove(10, 0.8)},
		{signal: "behavioral.timing_cv", weight: 0.6, transform: func(v float64) float64 {
			if v < 0.15 {
				return 0.6
			}
			return 0
		}},
		{signal: "header.count", weight: 0.5, transform: func(v float64) float64 {
			if v <= 2 {
				return 0.6
			}
			return -0.1
		}},
		{signal: "header.inconsistency_count", weight: 0.7, transform: stepAbove(0, 0.6)},
		{signal: "correlation.anomalous_layers", weight: 0.7, transform: stepAbove(1, 0.5)},
		{signal: "client.hint_count", weight: 0.4, transform: func(v float64) float64 {
			if v == 0 {
				return 0.2
			}
			return -0.2
		}},
		{signal: "ip.honeypot_threat", weight: 0.8, transform: stepAbove(0, 0.6)},
		{signal: "security_tool.scanner_signature_match", weight: 1.0, transform: stepAbove(0, 0.9)},
	}
}

func NewHeuristic(cfg Config, learned WeightProvider) *Heuristic {
	defaults := Config{Weight: 0.8}
	return &Heuristic{
		Base: Base{
			name: "Heuristic",
			// Reads wave-0 signals, so it must be trigger-scheduled into a
			// later wave rather than racing its peers.
			priority:   50,
			category:   "correlation",
			triggersOn: []string{models.SignalBehavioralRate, "header.count"},
			timeout:    defaultTimeout,
		},
		cfg:      ResolveConfig(defaults, cfg),
		learned:  learned,
		features: defaultHeuristicFeatures(),
	}
}

func (d *Heuristic) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	return d.score(bb, nil)
}

// score is shared with HeuristicLate, which passes extra AI-wave features.
func (d *Heuristic) score(bb *blackboard.Blackboard, extra []heuristicFeature) ([]models.Contribution, error) {
	var weightedSum, totalWeight float64
	hits := 0

	for _, f := range append(d.features, extra...) {
		v, ok := blackboard.GetSignal[float64](bb, f.signal)
		if !ok {
			continue
		}
		delta := f.transform(v)
		if delta == 0 {
			// Only triggered features join the composition; a present-but-
			// neutral signal carries no information either way.
			continue
		}
		w := f.weight
		if d.learned != nil {
			if lw, ok := d.learned.LearnedWeight(d.name, f.signal); ok {
				w = lw
			}
		}
		hits++
		weightedSum += delta * w
		totalWeight += w
	}

	if totalWeight == 0 {
		return nil, nil
	}

	delta := clamp(weightedSum/totalWeight, -1, 1)
	reason := fmt.Sprintf("weighted composition of %d active features", hits)
	return []models.Contribution{d.contribution(delta, d.cfg.Weight, reason)}, nil
}

// HeuristicLate re-runs the feature composition after the AI wave so the
// classifier's probability joins the weighted table as one more feature.
type HeuristicLate struct {
	Heuristic
}

func NewHeuristicLate(cfg Config, learned WeightProvider) *HeuristicLate {
	inner := NewHeuristic(cfg, learned)
	d := &HeuristicLate{Heuristic: *inner}
	d.Base = Base{
		name:       "HeuristicLate",
		priority:   10,
		category:   "correlation",
		triggersOn: []string{"ai.bot_probability"},
		timeout:    defaultTimeout,
	}
	return d
}

func (d *HeuristicLate) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	aiFeatures := []heuristicFeature{
		{signal: "ai.bot_probability", weight: 1.2, transform: func(v float64) float64 {
			// Center the classifier probability: 0.5 is neutral.
			return clamp((v-0.5)*2, -1, 1)
		}},
	}
	return d.score(bb, aiFeatures)
}
