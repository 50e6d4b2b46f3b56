// Package detectors implements the pure-function detector contract: each
// detector reads the Blackboard and HttpRequestCtx and returns zero or more
// Contributions, optionally emitting new signals. Every detector is a pure
// function returning a typed result, behind a shared Detector interface
// with declarative wave-scheduling metadata instead of ad hoc call order.
package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// Detector is the common contract every detector implements. Detectors must
// be stateless across requests, must not mutate the HttpRequestCtx, must
// complete within Timeout(), and must never panic uncaught; any fault is
// reported by the orchestrator as a failed_detector name, never propagated.
type Detector interface {
	// Name uniquely identifies the detector within a policy's detector set.
	Name() string
	// Priority: higher runs earlier within its wave.
	Priority() int
	// Category tags this detector's contributions for the evidence breakdown.
	Category() string
	// RequiredSignals: detector is skipped if any of these were never emitted.
	RequiredSignals() []string
	// TriggersOn: signal keys that, when newly emitted, reschedule this
	// detector into the next wave.
	TriggersOn() []string
	// SkipWhen: signal keys whose presence cancels this detector.
	SkipWhen() []string
	// Timeout is the hard per-detector deadline enforced by the orchestrator.
	Timeout() time.Duration
	// Run evaluates the detector against bb/ctx. The returned error is
	// informational only (logged, recorded as failed); it must never panic.
	Run(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error)
}

// Base provides the declarative metadata fields shared by every concrete
// detector, composed by embedding rather than inheritance.
type Base struct {
	name            string
	priority        int
	category        string
	requiredSignals []string
	triggersOn      []string
	skipWhen        []string
	timeout         time.Duration
}

func (b Base) Name() string { return b.name }
func (b Base) Priority() int { return b.priority }
func (b Base) Category() string { return b.category }
func (b Base) RequiredSignals() []string { return b.requiredSignals }
func (b Base) TriggersOn() []string { return b.triggersOn }
func (b Base) SkipWhen() []string { return b.skipWhen }
func (b Base) Timeout() time.Duration { return b.timeout }

const defaultTimeout = 50 * time.Millisecond

// contribution builds a Contribution stamped with this detector's name,
// category and priority, filling in Timestamp for the caller.
func (b Base) contribution(delta, weight float64, reason string) models.Contribution {
	return models.Contribution{
		DetectorName:    b.name,
		Category:        b.category,
		Priority:        b.priority,
		Timestamp:       time.Now(),
		ConfidenceDelta: clamp(delta, -1, 1),
		Weight:          weight,
		Reason:          reason,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
