package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/pkg/models"
)

// Handler consumes learning events. Handlers must be idempotent over
// (event ID, handler name); the bus guarantees at-most-once delivery per
// handler under normal operation but replays are possible after restarts.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Bus is the bounded, drop-oldest learning event queue.
type Bus struct {
	ch       chan Event
	handlers []Handler
	log      zerolog.Logger

	concurrency int
	wg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once

	// logRawPII gates raw IP/UA pass-through onto events.
	logRawPII bool
}

// NewBus builds a bus with the given queue capacity and handler pool size.
func NewBus(capacity, concurrency int, logRawPII bool, log zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Bus{
		ch:          make(chan Event, capacity),
		concurrency: concurrency,
		log:         log,
		stop:        make(chan struct{}),
		logRawPII:   logRawPII,
	}
}

// Register adds a handler. Must be called before Start.
func (b *Bus) Register(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Start launches the handler pool. Each worker drains events in arrival
// order; per-event, handlers run sequentially so a single handler observes
// happens-before within itself.
func (b *Bus) Start(ctx context.Context) {
	for i := 0; i < b.concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.stop:
					// Drain what's left, then exit.
					for {
						select {
						case ev := <-b.ch:
							b.deliver(ctx, ev)
						default:
							return
						}
					}
				case ev := <-b.ch:
					b.deliver(ctx, ev)
				}
			}
		}()
	}
}

// Stop signals cooperative shutdown: workers drain the queue once more and
// exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	for _, h := range b.handlers {
		if err := h.Handle(ctx, ev); err != nil {
			b.log.Warn().Str("handler", h.Name()).Str("event", string(ev.Type)).Err(err).Msg("learning handler failed")
		}
	}
}

// Publish enqueues ev, dropping the oldest queued event when full; the
// request path must never block on learning.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case <-b.ch:
			metrics.LearningEventsDropped.Inc()
		default:
		}
	}
}

// DetectionCompleted implements orchestrator.CompletionSink: it snapshots
// what the handlers need off the request state and enqueues the event(s).
func (b *Bus) DetectionCompleted(evidence *models.AggregatedEvidence, bb *blackboard.Blackboard, req *models.HttpRequestCtx, signature models.MultiFactorSignature) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      EventDetectionCompleted,
		Timestamp: time.Now().UTC(),
		Path:      req.Path,
		Method:    req.Method,
		Evidence:  evidence,
		Signature: signature,
		Vector:    similarity.VectorizeHeuristic(bb),
	}
	if status, ok := blackboard.GetSignal[float64](bb, "response.status"); ok {
		ev.StatusCode = int(status)
	}
	if b.logRawPII {
		ev.RawIP = req.RemoteIP
		ev.RawUA = req.UserAgent()
	}
	b.Publish(ev)

	// Very-high-confidence blocks additionally publish the attack event
	if evidence.BotProbability >= 0.9 && evidence.RiskBand != models.RiskUnknown &&
		(evidence.RiskBand == models.RiskHigh || evidence.RiskBand == models.RiskVeryHigh) {
		attack := ev
		attack.ID = uuid.NewString()
		attack.Type = EventHighConfidenceDetection
		attack.AttackDetected = evidence.PrimaryBotType == models.BotTypeScanner
		b.Publish(attack)
	}
}

// PublishClientValidation emits the client-side validation event.
func (b *Bus) PublishClientValidation(signature models.MultiFactorSignature, serverIsBot bool, serverProb, clientScore float64, mismatch bool) {
	b.Publish(Event{
		ID:        uuid.NewString(),
		Type:      EventClientSideValidation,
		Timestamp: time.Now().UTC(),
		Signature: signature,
		Evidence: &models.AggregatedEvidence{
			BotProbability: serverProb,
		},
		ClientScore: clientScore,
		Mismatch:    mismatch,
	})
}

// QueueDepth reports the current backlog (admin stats endpoint).
func (b *Bus) QueueDepth() int { return len(b.ch) }
