package policy

import (
	"testing"

	"github.com/stylobot/gateway/pkg/models"
)

func f(v float64) *float64 { return &v }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	detection := map[string]*models.DetectionPolicy{
		"default": {
			Name: "default",
			Transitions: []models.Transition{
				{WhenRiskExceeds: f(0.95), ActionPolicyName: "block-hard"},
				{WhenRiskExceeds: f(0.70), ActionPolicyName: "block"},
				{WhenRiskExceeds: f(0.50), ActionPolicyName: "throttle"},
				{WhenRiskBelow: f(0.30), ActionPolicyName: "logonly"},
			},
		},
		"allowVerifiedBots": {
			Name: "allowVerifiedBots",
			Transitions: []models.Transition{
				{WhenRiskExceeds: f(0.80), ActionPolicyName: "block"},
			},
		},
	}
	action := map[string]models.Action{
		"block-hard": models.Block{StatusCode: 403, Body: "denied"},
		"block":      models.Block{StatusCode: 403, Body: "denied"},
		"throttle":   models.Throttle{MaxRequests: 10, WindowSeconds: 60},
		"logonly":    models.LogOnly{},
		"allow":      models.Allow{},
	}
	paths := map[string]string{
		"/sitemap.xml": "allowVerifiedBots",
		"/api":         "default",
		"/api/public":  "allowVerifiedBots",
	}
	e, err := New(detection, action, paths, "default", "allow")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestDetectionPolicyFor_LongestPrefix(t *testing.T) {
	e := testEngine(t)

	cases := []struct {
		path string
		want string
	}{
		{"/sitemap.xml", "allowVerifiedBots"},
		{"/api/data", "default"},
		{"/api/public/feed", "allowVerifiedBots"},
		{"/unmatched/anything", "default"},
	}
	for _, tc := range cases {
		if got := e.DetectionPolicyFor(tc.path); got.Name != tc.want {
			t.Errorf("DetectionPolicyFor(%q) = %q, want %q", tc.path, got.Name, tc.want)
		}
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	e := testEngine(t)
	dp := e.DetectionPolicyFor("/api/data")

	cases := []struct {
		prob   float64
		wantName string
		want   models.ActionName
	}{
		{0.99, "block-hard", models.ActionBlock},
		{0.85, "block", models.ActionBlock},
		{0.60, "throttle", models.ActionThrottle},
		{0.10, "logonly", models.ActionLogOnly},
		{0.40, "allow", models.ActionAllow}, // no transition matches -> default action
	}
	for _, tc := range cases {
		ev := &models.AggregatedEvidence{BotProbability: tc.prob}
		action, name := e.Resolve(dp, ev)
		if name != tc.wantName || action.ActionName() != tc.want {
			t.Errorf("Resolve(prob=%f) = (%s, %s), want (%s, %s)", tc.prob, name, action.ActionName(), tc.wantName, tc.want)
		}
	}
}

func TestResolve_TotalAndPure(t *testing.T) {
	e := testEngine(t)
	dp := e.DetectionPolicyFor("/api/data")
	ev := &models.AggregatedEvidence{BotProbability: 0.85}

	a1, n1 := e.Resolve(dp, ev)
	a2, n2 := e.Resolve(dp, ev)
	if n1 != n2 || a1.ActionName() != a2.ActionName() {
		t.Error("Resolve is not idempotent for identical input")
	}
}

func TestNew_UnknownReferencesFatal(t *testing.T) {
	detection := map[string]*models.DetectionPolicy{"default": {Name: "default"}}
	action := map[string]models.Action{"allow": models.Allow{}}

	if _, err := New(detection, action, nil, "missing", "allow"); err == nil {
		t.Error("expected error for unknown default detection policy")
	}
	if _, err := New(detection, action, nil, "default", "missing"); err == nil {
		t.Error("expected error for unknown default action policy")
	}
	if _, err := New(detection, action, map[string]string{"/x": "nope"}, "default", "allow"); err == nil {
		t.Error("expected error for path referencing unknown policy")
	}

	bad := map[string]*models.DetectionPolicy{"default": {
		Name:        "default",
		Transitions: []models.Transition{{WhenRiskExceeds: f(0.5), ActionPolicyName: "ghost"}},
	}}
	if _, err := New(bad, action, nil, "default", "allow"); err == nil {
		t.Error("expected error for transition referencing unknown action policy")
	}
}

func TestPrefixTree_Wildcard(t *testing.T) {
	tree := newPrefixTree()
	tree.insert("/api/*/export", "exports")
	tree.insert("/api", "api")

	if got, ok := tree.longestMatch("/api/v2/export/all"); !ok || got != "exports" {
		t.Errorf("wildcard match = (%q, %v), want exports", got, ok)
	}
	if got, ok := tree.longestMatch("/api/v2/other"); !ok || got != "api" {
		t.Errorf("fallback match = (%q, %v), want api", got, ok)
	}
}
