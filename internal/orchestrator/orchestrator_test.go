package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/pkg/models"
)

// fakeDetector is a scriptable detector for scheduler tests.
type fakeDetector struct {
	name     string
	priority int
	required []string
	triggers []string
	skipWhen []string
	timeout  time.Duration
	run      func(bb *blackboard.Blackboard) []models.Contribution
	ran      *[]string
}

func (f *fakeDetector) Name() string              { return f.name }
func (f *fakeDetector) Priority() int             { return f.priority }
func (f *fakeDetector) Category() string          { return "test" }
func (f *fakeDetector) RequiredSignals() []string { return f.required }
func (f *fakeDetector) TriggersOn() []string      { return f.triggers }
func (f *fakeDetector) SkipWhen() []string        { return f.skipWhen }
func (f *fakeDetector) Timeout() time.Duration {
	if f.timeout == 0 {
		return 50 * time.Millisecond
	}
	return f.timeout
}

func (f *fakeDetector) Run(_ context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	if f.ran != nil {
		*f.ran = append(*f.ran, f.name)
	}
	if f.run == nil {
		return nil, nil
	}
	return f.run(bb), nil
}

func contribution(name string, delta, weight float64) models.Contribution {
	return models.Contribution{
		DetectorName:    name,
		Category:        "test",
		Timestamp:       time.Now(),
		ConfidenceDelta: delta,
		Weight:          weight,
	}
}

func testReq() *models.HttpRequestCtx {
	return &models.HttpRequestCtx{Method: "GET", Path: "/", Headers: models.Header{}, RemoteIP: "198.51.100.1", ReceivedAt: time.Now()}
}

func newOrch(t *testing.T, fast, slow, ai []detectors.Detector) *Orchestrator {
	t.Helper()
	plan, err := NewPlan(fast, slow, ai, nil)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	return New(plan, DefaultThresholds(), logging.Nop())
}

func TestRun_AggregatesWeightedMean(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "A", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("A", 0.8, 1.0)}
		}},
		&fakeDetector{name: "B", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("B", 0.4, 1.0)}
		}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	want := 0.6
	if ev.BotProbability < want-0.001 || ev.BotProbability > want+0.001 {
		t.Errorf("probability = %f, want %f", ev.BotProbability, want)
	}
	if len(ev.DetectorsRan) != 2 {
		t.Errorf("ran = %v, want 2 detectors", ev.DetectorsRan)
	}
}

func TestRun_ZeroWeightMeansUnknown(t *testing.T) {
	o := newOrch(t, nil, nil, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if ev.BotProbability != 0.5 {
		t.Errorf("probability = %f, want 0.5", ev.BotProbability)
	}
	if ev.Confidence != 0 {
		t.Errorf("confidence = %f, want 0", ev.Confidence)
	}
	if ev.RiskBand != models.RiskUnknown {
		t.Errorf("band = %s, want unknown", ev.RiskBand)
	}
}

func TestRun_Deterministic(t *testing.T) {
	build := func() *Orchestrator {
		slow := []detectors.Detector{
			&fakeDetector{name: "A", run: func(bb *blackboard.Blackboard) []models.Contribution {
				return []models.Contribution{contribution("A", 0.7, 1.2)}
			}},
			&fakeDetector{name: "B", run: func(bb *blackboard.Blackboard) []models.Contribution {
				return []models.Contribution{contribution("B", -0.2, 0.8)}
			}},
		}
		return newOrch(t, nil, slow, nil)
	}

	ev1 := build().Run(context.Background(), blackboard.New(), testReq())
	ev2 := build().Run(context.Background(), blackboard.New(), testReq())

	if ev1.BotProbability != ev2.BotProbability || ev1.Confidence != ev2.Confidence || ev1.RiskBand != ev2.RiskBand {
		t.Errorf("non-deterministic aggregate: (%f,%f,%s) vs (%f,%f,%s)",
			ev1.BotProbability, ev1.Confidence, ev1.RiskBand,
			ev2.BotProbability, ev2.Confidence, ev2.RiskBand)
	}
}

func TestRun_EarlyExitPurity(t *testing.T) {
	var ran []string
	verdict := &models.EarlyExitVerdict{IsBot: true, Action: models.ActionBlock, Reason: "test verdict"}

	slow := []detectors.Detector{
		&fakeDetector{name: "Exiter", priority: 100, ran: &ran, run: func(bb *blackboard.Blackboard) []models.Contribution {
			c := contribution("Exiter", 1.0, 1.0)
			c.EarlyExit = verdict
			// Emit a signal so Late's trigger would fire if it were scheduled.
			bb.Set("ua.family", "Chrome")
			return []models.Contribution{c}
		}},
		&fakeDetector{name: "Late", priority: 10, ran: &ran, triggers: []string{"ua.family"}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if !ev.ExitedEarly {
		t.Fatal("expected early exit")
	}
	if ev.EarlyExit != verdict {
		t.Errorf("returned verdict differs from carried one")
	}
	for _, name := range ran {
		if name == "Late" {
			t.Error("later-wave detector executed after early exit")
		}
	}
	for _, s := range ev.DetectorsSkipped {
		if s == "Late" {
			return
		}
	}
	t.Error("expected Late to be reported skipped")
}

func TestRun_FastPathShortCircuits(t *testing.T) {
	var ran []string
	fast := []detectors.Detector{
		&fakeDetector{name: "FastPath", ran: &ran, run: func(bb *blackboard.Blackboard) []models.Contribution {
			c := contribution("FastPath", -1.0, 1.0)
			c.EarlyExit = &models.EarlyExitVerdict{IsBot: false, Action: models.ActionAllow, Reason: "confirmed good"}
			return []models.Contribution{c}
		}},
	}
	slow := []detectors.Detector{
		&fakeDetector{name: "Slow", ran: &ran},
	}
	o := newOrch(t, fast, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if !ev.ExitedEarly || ev.EarlyExit.IsBot {
		t.Fatalf("expected allow early exit, got %+v", ev.EarlyExit)
	}
	if ev.BotProbability > 0.05 {
		t.Errorf("probability = %f, want <= 0.05 after allow verdict", ev.BotProbability)
	}
	for _, name := range ran {
		if name == "Slow" {
			t.Error("slow path ran despite fast-path short circuit")
		}
	}
}

func TestRun_TriggeredDetectorSeesWave0Signals(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "UserAgent", priority: 100, run: func(bb *blackboard.Blackboard) []models.Contribution {
			bb.Set("ua.family", "Chrome")
			return []models.Contribution{contribution("UserAgent", 0.1, 0.5)}
		}},
		&fakeDetector{name: "Inconsistency", priority: 50, triggers: []string{"ua.family"}, run: func(bb *blackboard.Blackboard) []models.Contribution {
			family, ok := blackboard.GetSignal[string](bb, "ua.family")
			if !ok || family != "Chrome" {
				return []models.Contribution{contribution("Inconsistency", -1, 1)}
			}
			return []models.Contribution{contribution("Inconsistency", 0.5, 1)}
		}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	found := false
	for _, c := range ev.Contributions {
		if c.DetectorName == "Inconsistency" {
			found = true
			if c.ConfidenceDelta != 0.5 {
				t.Error("triggered detector did not observe wave-0 signal")
			}
		}
	}
	if !found {
		t.Fatal("triggered detector never ran")
	}
}

func TestRun_RequiredSignalNeverArrives(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "Orphan", required: []string{"never.emitted"}},
		&fakeDetector{name: "Normal", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("Normal", 0.2, 1)}
		}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	for _, s := range ev.DetectorsSkipped {
		if s == "Orphan" {
			return
		}
	}
	t.Errorf("expected Orphan skipped, got skipped=%v ran=%v", ev.DetectorsSkipped, ev.DetectorsRan)
}

func TestRun_SkipWhenCancels(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "Emitter", priority: 100, run: func(bb *blackboard.Blackboard) []models.Contribution {
			bb.Set("ua.family", "Chrome")
			return nil
		}},
		&fakeDetector{name: "Cancelled", priority: 10, triggers: []string{"ua.family"}, skipWhen: []string{"ua.family"}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	for _, s := range ev.DetectorsSkipped {
		if s == "Cancelled" {
			return
		}
	}
	t.Errorf("expected Cancelled skipped, got skipped=%v ran=%v", ev.DetectorsSkipped, ev.DetectorsRan)
}

func TestRun_PanickingDetectorIsContained(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "Panicker", run: func(bb *blackboard.Blackboard) []models.Contribution {
			panic("boom")
		}},
		&fakeDetector{name: "Survivor", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("Survivor", 0.3, 1)}
		}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	foundFailed := false
	for _, f := range ev.DetectorsFailed {
		if f == "Panicker" {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Errorf("expected Panicker in failed set, got %v", ev.DetectorsFailed)
	}
	for _, c := range ev.Contributions {
		if c.DetectorName == "Panicker" {
			t.Error("panicking detector's contributions were kept")
		}
	}
}

func TestRun_TimeoutDiscardsDetector(t *testing.T) {
	slow := []detectors.Detector{
		&fakeDetector{name: "Slowpoke", timeout: 5 * time.Millisecond, run: func(bb *blackboard.Blackboard) []models.Contribution {
			time.Sleep(100 * time.Millisecond)
			return []models.Contribution{contribution("Slowpoke", 1, 1)}
		}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	for _, f := range ev.DetectorsFailed {
		if f == "Slowpoke" {
			return
		}
	}
	t.Errorf("expected Slowpoke in failed set, got %v", ev.DetectorsFailed)
}

func TestRun_AIEscalationBand(t *testing.T) {
	aiRan := false
	slow := []detectors.Detector{
		&fakeDetector{name: "Ambiguous", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("Ambiguous", 0.5, 1)}
		}},
	}
	ai := []detectors.Detector{
		&fakeDetector{name: "LLM", run: func(bb *blackboard.Blackboard) []models.Contribution {
			aiRan = true
			return []models.Contribution{contribution("LLM", 0.9, 1.2)}
		}},
	}
	o := newOrch(t, nil, slow, ai)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if !aiRan || !ev.AIRan {
		t.Fatal("expected AI wave to run for ambiguous probability")
	}
}

func TestRun_NoAIEscalationWhenDecisive(t *testing.T) {
	aiRan := false
	slow := []detectors.Detector{
		&fakeDetector{name: "Decisive", run: func(bb *blackboard.Blackboard) []models.Contribution {
			return []models.Contribution{contribution("Decisive", -0.9, 1)}
		}},
	}
	ai := []detectors.Detector{
		&fakeDetector{name: "LLM", run: func(bb *blackboard.Blackboard) []models.Contribution {
			aiRan = true
			return nil
		}},
	}
	o := newOrch(t, nil, slow, ai)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if aiRan || ev.AIRan {
		t.Fatal("AI wave ran despite decisive non-AI probability")
	}
}

func TestRun_ImmediateBlockThreshold(t *testing.T) {
	var ran []string
	slow := []detectors.Detector{
		&fakeDetector{name: "Screamer", priority: 100, ran: &ran, run: func(bb *blackboard.Blackboard) []models.Contribution {
			bb.Set("ua.family", "bot")
			return []models.Contribution{contribution("Screamer", 1.0, 1.0)}
		}},
		&fakeDetector{name: "NextWave", priority: 10, ran: &ran, triggers: []string{"ua.family"}},
	}
	o := newOrch(t, nil, slow, nil)

	ev := o.Run(context.Background(), blackboard.New(), testReq())
	if !ev.ExitedEarly {
		t.Fatal("expected immediate-block early exit at probability 1.0")
	}
	for _, name := range ran {
		if name == "NextWave" {
			t.Error("wave after immediate-block threshold still ran")
		}
	}
}

func TestNewPlan_SelfDependencyRejected(t *testing.T) {
	// UserAgent emits ua.family per the emission table; requiring it on the
	// same detector is a self-cycle.
	bad := &fakeDetector{name: "UserAgent", required: []string{"ua.family"}}
	if _, err := NewPlan(nil, []detectors.Detector{bad}, nil, nil); err == nil {
		t.Fatal("expected cycle error for self-dependency")
	}
}

func TestRiskBandFor_Cutoffs(t *testing.T) {
	cases := []struct {
		prob, conf float64
		want       models.RiskBand
	}{
		{0.99, 0.9, models.RiskVeryHigh},
		{0.85, 0.9, models.RiskHigh},
		{0.65, 0.9, models.RiskMedium},
		{0.45, 0.9, models.RiskElevated},
		{0.25, 0.9, models.RiskLow},
		{0.10, 0.9, models.RiskVeryLow},
		{0.99, 0.1, models.RiskUnknown},
	}
	for _, tc := range cases {
		if got := RiskBandFor(tc.prob, tc.conf); got != tc.want {
			t.Errorf("RiskBandFor(%f, %f) = %s, want %s", tc.prob, tc.conf, got, tc.want)
		}
	}
}

func TestAggregate_WeightCeiling(t *testing.T) {
	ev := &models.AggregatedEvidence{Contributions: []models.Contribution{
		{DetectorName: "Adversarial", Category: "test", ConfidenceDelta: 1.0, Weight: 1000},
		{DetectorName: "Honest", Category: "test", ConfidenceDelta: -1.0, Weight: 1.0},
	}}
	aggregate(ev, 2.0)

	// With the ceiling, the adversarial weight caps at 2: (2 - 1) / 3 = 1/3.
	want := 1.0 / 3.0
	if ev.BotProbability < want-0.001 || ev.BotProbability > want+0.001 {
		t.Errorf("probability = %f, want %f (ceiling applied)", ev.BotProbability, want)
	}
}
