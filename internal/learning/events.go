// Package learning is the asynchronous feedback loop: a bounded,
// drop-oldest event bus consuming per-request outcomes, delivering to a
// pool of handlers that update reputation, detector weights, the
// similarity index, and the durable detection log. The shape is collect an
// event, deliver to N sinks, never block the producer.
package learning

import (
	"time"

	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/pkg/models"
)

// EventType discriminates learning events.
type EventType string

const (
	// EventDetectionCompleted is emitted once per classified request.
	EventDetectionCompleted EventType = "detection_completed"
	// EventHighConfidenceDetection is emitted alongside completion when a
	// request was blocked with very high probability (attack traffic).
	EventHighConfidenceDetection EventType = "high_confidence_detection"
	// EventClientSideValidation is emitted by the client-result callback
	// endpoint for every accepted report; Mismatch marks the ones whose
	// browser-side score disagrees with the server verdict.
	EventClientSideValidation EventType = "client_side_validation"
)

// Event is one learning bus message. Zero-PII: it carries hashed
// signatures and coarse features only; RawIP/RawUA are populated solely
// when log_raw_pii is enabled (never in production mode).
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	Path       string
	Method     string
	StatusCode int
	ResponseMs float64

	Evidence  *models.AggregatedEvidence
	Signature models.MultiFactorSignature

	// Vector is the heuristic feature vector captured before the request's
	// blackboard was discarded.
	Vector [similarity.HeuristicDim]float32

	// AttackDetected marks scanner/exploit traffic (high-confidence events).
	AttackDetected bool

	// ClientScore and Mismatch are set on client-side validation events.
	ClientScore float64
	Mismatch    bool

	RawIP string
	RawUA string
}
