package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// MultiLayerCorrelation runs after the protocol-layer fingerprint detectors
// and scores cross-layer coherence: anomalies that co-occur across TLS,
// HTTP framing and header shape are far stronger evidence than any single
// layer alone; individually-weak signals compound across independent
// dimensions.
type MultiLayerCorrelation struct {
	Base
	cfg Config
}

func NewMultiLayerCorrelation(cfg Config) *MultiLayerCorrelation {
	defaults := Config{Weight: 0.9, ConfidenceDelta: 0.7}
	return &MultiLayerCorrelation{
		Base: Base{
			name:       "MultiLayerCorrelation",
			priority:   55,
			category:   "correlation",
			triggersOn: []string{"fingerprint.tls.anomaly", "fingerprint.h2.anomaly"},
			timeout:    defaultTimeout,
		},
		cfg: ResolveConfig(defaults, cfg),
	}
}

func (d *MultiLayerCorrelation) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	layers := 0

	if v, ok := blackboard.GetSignal[float64](bb, "fingerprint.tls.anomaly"); ok && v > 0 {
		layers++
	}
	if v, ok := blackboard.GetSignal[float64](bb, "fingerprint.h2.anomaly"); ok && v > 0 {
		layers++
	}
	if v, ok := blackboard.GetSignal[float64](bb, "header.inconsistency_count"); ok && v > 0 {
		layers++
	}
	if v, ok := blackboard.GetSignal[float64](bb, "header.count"); ok && v <= 2 {
		layers++
	}
	if v, ok := blackboard.GetSignal[float64](bb, models.SignalBehavioralRate); ok && v > 10 {
		layers++
	}

	bb.Set("correlation.anomalous_layers", float64(layers))

	switch {
	case layers >= 3:
		c := d.contribution(d.cfg.ConfidenceDelta+0.2, d.cfg.Weight, "anomalies across three or more protocol layers")
		c.SuggestedBotType = models.BotTypeAutomation
		return []models.Contribution{c}, nil
	case layers == 2:
		return []models.Contribution{d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "anomalies across two protocol layers")}, nil
	case layers == 1:
		// A single layer's anomaly was already scored by its own detector;
		// correlation adds nothing.
		return nil, nil
	}
	return []models.Contribution{d.contribution(-0.1, d.cfg.Weight*0.3, "protocol layers mutually consistent")}, nil
}
