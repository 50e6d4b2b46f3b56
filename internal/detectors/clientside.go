package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// clientHintHeaders are the low-entropy Client-Hints a modern browser sends
// unprompted on secure origins.
var clientHintHeaders = []string{
	"Sec-CH-UA", "Sec-CH-UA-Mobile", "Sec-CH-UA-Platform",
}

// ClientSide checks for the header-level markers of a JS-capable client:
// Client-Hints, Sec-Fetch-* metadata, and the custom fingerprint header the
// client-side script posts back.
type ClientSide struct {
	Base
	cfg Config
}

func NewClientSide(cfg Config) *ClientSide {
	defaults := Config{Weight: 0.5, ConfidenceDelta: 0.35}
	return &ClientSide{
		Base: Base{name: "ClientSide", priority: 85, category: "client_side", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *ClientSide) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	var contributions []models.Contribution

	hints := 0
	for _, h := range clientHintHeaders {
		if req.Headers.Has(h) {
			hints++
		}
	}
	bb.Set("client.hint_count", float64(hints))

	if fp := req.Headers.Get("X-Client-Fingerprint"); fp != "" {
		bb.Set(models.SignalClientFP, fp)
		contributions = append(contributions, d.contribution(-0.3, d.cfg.Weight*0.8, "client fingerprint header present"))
	}

	hasSecFetch := req.Headers.Has("Sec-Fetch-Mode") || req.Headers.Has("Sec-Fetch-Site") || req.Headers.Has("Sec-Fetch-Dest")

	// A Chrome-family UA that sends neither Client-Hints nor Sec-Fetch
	// metadata is lying about itself or running without a real browser
	// engine behind it. Family is derived locally; UserAgent is a
	// same-wave peer whose writes may not have landed.
	family := uaFamily(req.UserAgent())
	if (family == "Chrome" || family == "Edge") && hints == 0 && !hasSecFetch {
		contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "chromium-family user-agent with no client-hints or sec-fetch metadata"))
	}

	if len(contributions) == 0 {
		return nil, nil
	}
	return contributions, nil
}
