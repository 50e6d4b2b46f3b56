package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// ReputationLookup is the narrow reputation-cache port FastPathReputation
// consults. Implemented by internal/reputation.Cache.
type ReputationLookup interface {
	Lookup(signature string) (models.ReputationRecord, bool)
}

// SampleGate decides whether a ConfirmedGood hit is still routed through
// the full pipeline for audit, per the fast_path.sample_rate configuration
// knob.
type SampleGate func(signature string) bool

// FastPathReputation runs in pre-0 wave and short-circuits the pipeline for
// signatures already known ConfirmedBad/ManuallyBlocked (block) or
// ConfirmedGood (allow): an O(1) watchlist check applied before the rest
// of the detector set runs.
type FastPathReputation struct {
	Base
	lookup ReputationLookup
	sample SampleGate
}

// NewFastPathReputation constructs the detector. sample may be nil, which
// disables the audit sample (every ConfirmedGood hit short-circuits).
func NewFastPathReputation(lookup ReputationLookup, sample SampleGate) *FastPathReputation {
	return &FastPathReputation{
		Base:   Base{name: "FastPathReputation", priority: 1000, category: "reputation", requiredSignals: []string{"signature.primary"}, timeout: defaultTimeout},
		lookup: lookup,
		sample: sample,
	}
}

func (d *FastPathReputation) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	if d.lookup == nil {
		return nil, nil
	}
	sig, ok := blackboard.GetSignal[string](bb, "signature.primary")
	if !ok {
		return nil, nil
	}

	rec, found := d.lookup.Lookup(sig)
	if !found {
		return nil, nil
	}

	switch rec.Status {
	case models.RepConfirmedBad, models.RepManuallyBlocked:
		c := d.contribution(1.0, 1.0, "signature has confirmed-bad/manually-blocked reputation")
		c.SuggestedBotType = models.BotTypeBadBot
		c.EarlyExit = &models.EarlyExitVerdict{
			IsBot:  true,
			Action: models.ActionBlock,
			Reason: "fast-path reputation: " + string(rec.Status),
		}
		return []models.Contribution{c}, nil

	case models.RepConfirmedGood:
		if d.sample != nil && d.sample(sig) {
			// Sampled for full-pipeline audit: no early exit, mild negative
			// signal only.
			return []models.Contribution{d.contribution(-0.2, 0.3, "confirmed-good reputation, sampled for audit")}, nil
		}
		c := d.contribution(-1.0, 1.0, "signature has confirmed-good reputation")
		c.EarlyExit = &models.EarlyExitVerdict{
			IsBot:  false,
			Action: models.ActionAllow,
			Reason: "fast-path reputation: confirmed_good",
		}
		return []models.Contribution{c}, nil
	}
	return nil, nil
}
