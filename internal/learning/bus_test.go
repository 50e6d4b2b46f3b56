package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/pkg/models"
)

type countingHandler struct {
	mu    sync.Mutex
	seen  []string
	delay time.Duration
}

func (h *countingHandler) Name() string { return "counting" }

func (h *countingHandler) Handle(_ context.Context, ev Event) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.seen = append(h.seen, ev.ID)
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestBus_DeliversToHandlers(t *testing.T) {
	b := NewBus(16, 1, false, logging.Nop())
	h := &countingHandler{}
	b.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventDetectionCompleted})
	}
	b.Stop()

	if got := h.count(); got != 5 {
		t.Errorf("delivered = %d, want 5", got)
	}
}

func TestBus_DropOldestWhenFull(t *testing.T) {
	// No workers started: the queue can only hold capacity events.
	b := NewBus(2, 1, false, logging.Nop())

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventDetectionCompleted})
	}
	if depth := b.QueueDepth(); depth != 2 {
		t.Errorf("queue depth = %d, want capacity 2 (oldest dropped)", depth)
	}
}

func TestReputationHandler_IdempotentPerEvent(t *testing.T) {
	cache, err := reputation.New(16, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := NewReputationHandler(cache, 0.7)

	ev := Event{
		ID:        "evt-1",
		Type:      EventDetectionCompleted,
		Timestamp: time.Now(),
		Signature: models.MultiFactorSignature{PrimarySignature: "sigX"},
		Evidence:  &models.AggregatedEvidence{BotProbability: 0.9, Confidence: 0.8},
	}
	_ = h.Handle(context.Background(), ev)
	_ = h.Handle(context.Background(), ev) // replay

	rec, ok := cache.Lookup("sigX")
	if !ok {
		t.Fatal("expected reputation record")
	}
	if rec.BadCount != 1 {
		t.Errorf("bad count = %d, want 1 (replay must be a no-op)", rec.BadCount)
	}
}

func TestWeightHandler_MovesWeightsTowardAgreement(t *testing.T) {
	h := NewWeightHandler(nil)

	ev := Event{
		ID:        "evt-2",
		Type:      EventDetectionCompleted,
		Timestamp: time.Now(),
		Evidence: &models.AggregatedEvidence{
			BotProbability: 0.9,
			Confidence:     0.8,
			Contributions: []models.Contribution{
				{DetectorName: "Agreer", Category: "ua", ConfidenceDelta: 0.8, Weight: 1.0},
				{DetectorName: "Contrarian", Category: "ip", ConfidenceDelta: -0.5, Weight: 1.0},
			},
		},
	}
	for i := 0; i < 30; i++ {
		ev.ID = ev.ID + "x"
		_ = h.Handle(context.Background(), ev)
	}

	agreer, _ := h.LearnedWeight("Agreer", "ua")
	contrarian, _ := h.LearnedWeight("Contrarian", "ip")
	if agreer <= contrarian {
		t.Errorf("agreeing detector weight (%f) should exceed contradicting one (%f)", agreer, contrarian)
	}
}

func TestBuildDetectionRecord_ZeroPII(t *testing.T) {
	ev := Event{
		ID:        "evt-3",
		Type:      EventDetectionCompleted,
		Timestamp: time.Now().UTC(),
		Path:      "/api/data",
		Method:    "GET",
		RawIP:     "", // log_raw_pii off: bus never populated these
		RawUA:     "",
		Signature: models.MultiFactorSignature{
			PrimarySignature:  "primAAAA",
			IPSignature:       "ipHashAAAA",
			UASignature:       "uaHashAAAA",
			IPSubnetSignature: "subnetHashAA",
		},
		Evidence: &models.AggregatedEvidence{
			BotProbability: 0.8,
			Confidence:     0.7,
			RiskBand:       models.RiskHigh,
			Contributions: []models.Contribution{
				{DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.8, Weight: 1.0, Reason: "empty user-agent"},
			},
		},
	}

	rec := BuildDetectionRecord(ev, nil, 0.7, false)
	if rec.RawIP != "" || rec.RawUA != "" {
		t.Error("raw PII present in record with log_raw_pii off")
	}
	if rec.IPHash == "" || rec.UAHash == "" {
		t.Error("expected hashed factors present")
	}
	if !rec.IsBot {
		t.Error("expected IsBot at probability 0.8 with threshold 0.7")
	}
	if len(rec.TopReasons) != 1 || rec.TopReasons[0] != "empty user-agent" {
		t.Errorf("top reasons = %v", rec.TopReasons)
	}
	if rec.SchemaVersion != models.SchemaVersion {
		t.Errorf("schema version = %d", rec.SchemaVersion)
	}
}
