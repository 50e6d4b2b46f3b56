package detectors

import (
	"context"
	"sync"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// GeoHistory is the shared port tracking the last observed country per
// primary signature. Implemented here as a small bounded map; a deployment
// sharding across processes would back it with the PatternStore instead.
type GeoHistory struct {
	mu      sync.Mutex
	last    map[string]string
	maxKeys int
}

// NewGeoHistory constructs a history bounded to maxKeys signatures.
func NewGeoHistory(maxKeys int) *GeoHistory {
	if maxKeys <= 0 {
		maxKeys = 50_000
	}
	return &GeoHistory{last: make(map[string]string), maxKeys: maxKeys}
}

// Observe records country for signature and returns the previously seen
// country, if any.
func (g *GeoHistory) Observe(signature, country string) (prev string, seen bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, seen = g.last[signature]
	if len(g.last) >= g.maxKeys && !seen {
		// Full: forget everything rather than grow unbounded. Coarse, but
		// the detector degrades to "no history" which fails open.
		g.last = make(map[string]string)
	}
	g.last[signature] = country
	return prev, seen
}

// GeoChange flags a signature whose request origin country drifted from the
// prior observation.
type GeoChange struct {
	Base
	cfg     Config
	history *GeoHistory
}

func NewGeoChange(cfg Config, history *GeoHistory) *GeoChange {
	defaults := Config{Weight: 0.5, ConfidenceDelta: 0.4}
	return &GeoChange{
		Base: Base{
			name:            "GeoChange",
			priority:        65,
			category:        "geo",
			requiredSignals: []string{models.SignalGeoCountryCode, "signature.primary"},
			triggersOn:      []string{models.SignalGeoCountryCode},
			timeout:         defaultTimeout,
		},
		cfg:     ResolveConfig(defaults, cfg),
		history: history,
	}
}

func (d *GeoChange) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	if d.history == nil {
		return nil, nil
	}
	country, ok := blackboard.GetSignal[string](bb, models.SignalGeoCountryCode)
	if !ok || country == "" {
		return nil, nil
	}
	sig, ok := blackboard.GetSignal[string](bb, "signature.primary")
	if !ok {
		return nil, nil
	}

	prev, seen := d.history.Observe(sig, country)
	if !seen || prev == country {
		return nil, nil
	}

	bb.Set("geo.changed_from", prev)
	return []models.Contribution{d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "origin country drifted from "+prev+" to "+country+" for same signature")}, nil
}
