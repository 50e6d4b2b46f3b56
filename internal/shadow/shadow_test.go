package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/internal/orchestrator"
	"github.com/stylobot/gateway/pkg/models"
)

type fixedDetector struct {
	delta  float64
	weight float64
}

func (f fixedDetector) Name() string              { return "Fixed" }
func (f fixedDetector) Priority() int             { return 10 }
func (f fixedDetector) Category() string          { return "test" }
func (f fixedDetector) RequiredSignals() []string { return nil }
func (f fixedDetector) TriggersOn() []string      { return nil }
func (f fixedDetector) SkipWhen() []string        { return nil }
func (f fixedDetector) Timeout() time.Duration    { return 50 * time.Millisecond }

func (f fixedDetector) Run(_ context.Context, _ *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	return []models.Contribution{{
		DetectorName:    "Fixed",
		Category:        "test",
		Timestamp:       time.Now(),
		ConfidenceDelta: f.delta,
		Weight:          f.weight,
	}}, nil
}

func candidateOrch(t *testing.T, delta float64) *orchestrator.Orchestrator {
	t.Helper()
	plan, err := orchestrator.NewPlan(nil, []detectors.Detector{fixedDetector{delta: delta, weight: 1}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return orchestrator.New(plan, orchestrator.DefaultThresholds(), logging.Nop())
}

func TestRunner_ObserveAndEvaluate(t *testing.T) {
	// Candidate always says strongly-bot; live always said clean.
	r := NewRunner(candidateOrch(t, 0.9), 1, 100, logging.Nop())

	req := &models.HttpRequestCtx{Method: "GET", Path: "/x", Headers: models.Header{}, RemoteIP: "198.51.100.1", ReceivedAt: time.Now()}
	live := &models.AggregatedEvidence{BotProbability: 0.05, RiskBand: models.RiskVeryLow}

	for i := 0; i < 10; i++ {
		r.Observe(context.Background(), req, map[string]any{"signature.primary": "s"}, live)
	}

	report := r.Evaluate()
	if report.Samples != 10 {
		t.Fatalf("samples = %d, want 10", report.Samples)
	}
	if report.Diverged != 10 {
		t.Errorf("diverged = %d, want 10 (candidate disagrees on every request)", report.Diverged)
	}
	if report.DivergenceRate != 1.0 {
		t.Errorf("divergence rate = %f, want 1.0", report.DivergenceRate)
	}
}

func TestRunner_Sampling(t *testing.T) {
	r := NewRunner(candidateOrch(t, 0.0), 5, 100, logging.Nop())

	req := &models.HttpRequestCtx{Method: "GET", Path: "/x", Headers: models.Header{}, RemoteIP: "198.51.100.1", ReceivedAt: time.Now()}
	live := &models.AggregatedEvidence{BotProbability: 0.05, RiskBand: models.RiskVeryLow}

	for i := 0; i < 20; i++ {
		r.Observe(context.Background(), req, nil, live)
	}
	if got := r.Evaluate().Samples; got != 4 {
		t.Errorf("samples = %d, want 4 (every 5th of 20)", got)
	}
}

func TestRunner_NeverAffectsLiveEvidence(t *testing.T) {
	r := NewRunner(candidateOrch(t, 1.0), 1, 10, logging.Nop())

	req := &models.HttpRequestCtx{Method: "GET", Path: "/x", Headers: models.Header{}, RemoteIP: "198.51.100.1", ReceivedAt: time.Now()}
	live := &models.AggregatedEvidence{BotProbability: 0.05, RiskBand: models.RiskVeryLow}

	r.Observe(context.Background(), req, nil, live)
	if live.BotProbability != 0.05 || live.RiskBand != models.RiskVeryLow {
		t.Error("shadow run mutated the live evidence")
	}
}
