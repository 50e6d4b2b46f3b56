package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// Behavioral scores per-IP (or per-API-key, when X-Api-Key is present)
// request rate, missing Referer, and missing cookies; there is no per-user
// rate key. Timing
// regularity across a signature's request history is handled separately by
// BehavioralWaveform, which needs a full timing series rather than a
// single-request rate count.
type Behavioral struct {
	Base
	cfg     Config
	tracker *RateTracker
}

// NewBehavioral constructs the detector against a shared RateTracker (an
// external port, not per-request state).
func NewBehavioral(cfg Config, tracker *RateTracker) *Behavioral {
	defaults := Config{Weight: 0.6, ConfidenceDelta: 0.3, Thresholds: map[string]float64{
		"rate_per_minute": 10,
	}}
	return &Behavioral{
		Base:    Base{name: "Behavioral", priority: 95, category: "behavioral", timeout: defaultTimeout},
		cfg:     ResolveConfig(defaults, cfg),
		tracker: tracker,
	}
}

func (d *Behavioral) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	var contributions []models.Contribution

	key := req.RemoteIP
	if apiKey := req.Headers.Get("X-Api-Key"); apiKey != "" {
		key = "apikey:" + apiKey
	}

	rateLimit := d.cfg.threshold("rate_per_minute", 10)
	count := 0
	if d.tracker != nil {
		count = d.tracker.Hit(key, req.ReceivedAt)
	}
	bb.Set(models.SignalBehavioralRate, float64(count))

	rateExceeded := float64(count) > rateLimit
	if rateExceeded {
		// Boundary behaviour: 11th request within the rate window
		// emits delta >= +0.3 with reason mentioning "request rate". Sustained
		// overage is strong evidence and scales toward 1.0.
		over := float64(count) - rateLimit
		delta := 0.3 + clamp(over*0.1, 0, 0.7)
		contributions = append(contributions, d.contribution(delta, d.cfg.Weight*1.5, "request rate exceeds configured threshold"))
	}

	if !req.Headers.Has("Referer") && !req.Headers.Has("Referrer") {
		contributions = append(contributions, d.contribution(0.15, d.cfg.Weight*0.25, "missing referer header"))
	}

	if !req.Headers.Has("Cookie") {
		// Cookie-less is weak alone, stronger under an active rate burst.
		if rateExceeded {
			contributions = append(contributions, d.contribution(0.5, d.cfg.Weight*0.33, "cookie-less request burst"))
		} else {
			contributions = append(contributions, d.contribution(0.2, d.cfg.Weight*0.33, "missing cookies on repeat-looking request"))
		}
	}

	if len(contributions) == 0 {
		contributions = append(contributions, d.contribution(-0.05, d.cfg.Weight*0.2, "ordinary request cadence"))
	}
	return contributions, nil
}
