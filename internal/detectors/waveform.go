package detectors

import (
	"context"
	"math"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// BehavioralWaveform scores timing regularity across a signature's request
// window. Humans produce bursty, high-variance
// inter-arrival gaps; schedulers and loops produce metronomic ones. The
// coefficient of variation of the inter-arrival gaps separates the two
// cleanly without needing per-client baselines.
type BehavioralWaveform struct {
	Base
	cfg     Config
	tracker *RateTracker
}

func NewBehavioralWaveform(cfg Config, tracker *RateTracker) *BehavioralWaveform {
	defaults := Config{Weight: 0.7, ConfidenceDelta: 0.55, Thresholds: map[string]float64{
		"min_samples": 6,
		"cv_floor":    0.15,
	}}
	return &BehavioralWaveform{
		Base: Base{
			name:            "BehavioralWaveform",
			priority:        58,
			category:        "behavioral",
			requiredSignals: []string{"signature.primary"},
			triggersOn:      []string{models.SignalBehavioralRate},
			timeout:         defaultTimeout,
		},
		cfg:     ResolveConfig(defaults, cfg),
		tracker: tracker,
	}
}

func (d *BehavioralWaveform) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	if d.tracker == nil {
		return nil, nil
	}
	sig, ok := blackboard.GetSignal[string](bb, "signature.primary")
	if !ok {
		return nil, nil
	}

	series := d.tracker.Series(sig, req.ReceivedAt)
	minSamples := int(d.cfg.threshold("min_samples", 6))
	if len(series) < minSamples {
		return nil, nil
	}

	cv := interArrivalCV(series)
	bb.Set("behavioral.timing_cv", cv)

	floor := d.cfg.threshold("cv_floor", 0.15)
	if cv < floor {
		c := d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "metronomic request timing across window")
		c.SuggestedBotType = models.BotTypeAutomation
		return []models.Contribution{c}, nil
	}
	if cv < floor*2 {
		return []models.Contribution{d.contribution(0.25, d.cfg.Weight*0.7, "low-variance request timing")}, nil
	}
	return []models.Contribution{d.contribution(-0.1, d.cfg.Weight*0.3, "human-like timing variance")}, nil
}

// interArrivalCV is the coefficient of variation (stddev/mean) of the gaps
// between consecutive hits. Zero gaps collapse to a tiny epsilon so a burst
// of simultaneous requests reads as perfectly regular.
func interArrivalCV(series []time.Time) float64 {
	gaps := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		g := series[i].Sub(series[i-1]).Seconds()
		if g <= 0 {
			g = 1e-6
		}
		gaps = append(gaps, g)
	}
	if len(gaps) == 0 {
		return math.MaxFloat64
	}

	mean := 0.0
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean == 0 {
		return 0
	}

	variance := 0.0
	for _, g := range gaps {
		diff := g - mean
		variance += diff * diff
	}
	variance /= float64(len(gaps))

	return math.Sqrt(variance) / mean
}
