package models

import "testing"

func TestIsBotThreshold(t *testing.T) {
	cases := []struct {
		prob      float64
		threshold float64
		want      bool
	}{
		{0.5, 0.5, true},
		{0.49, 0.5, false},
		{1.0, 0.5, true},
		{0.0, 0.0, true},
	}
	for _, c := range cases {
		e := &AggregatedEvidence{BotProbability: c.prob}
		if got := e.IsBot(c.threshold); got != c.want {
			t.Errorf("IsBot(prob=%v, threshold=%v) = %v, want %v", c.prob, c.threshold, got, c.want)
		}
	}
}

func TestContributionImpactSign(t *testing.T) {
	c := Contribution{ConfidenceDelta: 0.8, Weight: 0.5}
	if got := c.Impact(); got != 0.4 {
		t.Errorf("Impact() = %v, want 0.4", got)
	}
	neg := Contribution{ConfidenceDelta: -0.8, Weight: 0.5}
	if got := neg.Impact(); got >= 0 {
		t.Errorf("Impact() for negative delta should be negative, got %v", got)
	}
}

func TestHeaderCaseInsensitive(t *testing.T) {
	h := Header{"User-Agent": []string{"curl/8.0"}}
	if got := h.Get("user-agent"); got != "curl/8.0" {
		t.Errorf("Get(user-agent) = %q, want curl/8.0", got)
	}
	if !h.Has("USER-AGENT") {
		t.Error("Has(USER-AGENT) = false, want true")
	}
	if h.Has("X-Missing") {
		t.Error("Has(X-Missing) = true, want false")
	}
}

func TestDetectionRecordZeroPIIByDefault(t *testing.T) {
	rec := DetectionRecord{
		Path:   "/",
		IPHash: "abc",
		UAHash: "def",
	}
	if rec.RawIP != "" || rec.RawUA != "" {
		t.Error("DetectionRecord must not carry raw PII unless explicitly populated")
	}
	if rec.IPHash == "" || rec.UAHash == "" {
		t.Error("DetectionRecord should carry hashed identifiers")
	}
}

func TestActionPolicyConfigToAction(t *testing.T) {
	a := ActionPolicyConfig{Block: &BlockConfig{StatusCode: 403, Body: "nope"}}
	act := a.ToAction()
	blk, ok := act.(Block)
	if !ok {
		t.Fatalf("expected Block, got %T", act)
	}
	if blk.StatusCode != 403 || blk.ActionName() != ActionBlock {
		t.Errorf("unexpected Block contents: %+v", blk)
	}

	def := ActionPolicyConfig{}
	if _, ok := def.ToAction().(Allow); !ok {
		t.Errorf("expected Allow as zero-value fallback, got %T", def.ToAction())
	}
}
