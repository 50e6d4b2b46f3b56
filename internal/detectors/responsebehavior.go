package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// ResponseBehavior runs after the upstream response is known (the
// middleware invokes the post path once response.status / response.bytes
// are on the blackboard). Its contributions never affect the current
// verdict; they ride the DetectionCompleted learning event so handlers can
// credit or penalize the signature based on what the request actually did.
type ResponseBehavior struct {
	Base
	cfg Config
}

func NewResponseBehavior(cfg Config) *ResponseBehavior {
	defaults := Config{Weight: 0.5, ConfidenceDelta: 0.3}
	return &ResponseBehavior{
		Base: Base{
			name:            "ResponseBehavior",
			priority:        5,
			category:        "response",
			requiredSignals: []string{"response.status"},
			timeout:         defaultTimeout,
		},
		cfg: ResolveConfig(defaults, cfg),
	}
}

func (d *ResponseBehavior) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	status, ok := blackboard.GetSignal[float64](bb, "response.status")
	if !ok {
		return nil, nil
	}

	var contributions []models.Contribution

	switch {
	case status == 404:
		// 404-probing is how scanners enumerate; a stray 404 from a human is
		// weak evidence, but learning accumulates it across requests.
		contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "request resolved to 404"))
	case status == 401 || status == 403:
		contributions = append(contributions, d.contribution(0.4, d.cfg.Weight, "request rejected by upstream auth"))
	case status >= 500:
		contributions = append(contributions, d.contribution(0.2, d.cfg.Weight*0.5, "request triggered upstream server error"))
	case status >= 200 && status < 300:
		contributions = append(contributions, d.contribution(-0.1, d.cfg.Weight*0.4, "request served normally"))
	}

	if bytes, ok := blackboard.GetSignal[float64](bb, "response.bytes"); ok && bytes == 0 && status < 300 {
		contributions = append(contributions, d.contribution(0.15, d.cfg.Weight*0.4, "empty success response body"))
	}

	return contributions, nil
}
