// Package config loads the layered gateway configuration: built-in
// defaults, overridden by the YAML manifest, overridden by STYLOBOT_*
// environment variables. Unknown YAML keys are logged
// as warnings, never fatal; structurally invalid configuration (default
// HMAC key in production, unknown policy references) refuses startup.
package config

import (
	"time"

	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/pkg/models"
)

// insecureDefaultKey is the placeholder shipped in the example manifest;
// production mode refuses to start with it.
const insecureDefaultKey = "c3R5bG9ib3QtZGV2LW9ubHktZGVmYXVsdC1rZXk"

// Config is the full typed configuration schema.
type Config struct {
	Mode string `yaml:"mode"` // "development" | "production"

	Listen      string `yaml:"listen"`
	UpstreamURL string `yaml:"upstream_url"`

	BotThreshold            float64 `yaml:"bot_threshold"`
	DefaultPolicyName       string  `yaml:"default_policy_name"`
	DefaultActionPolicyName string  `yaml:"default_action_policy_name"`
	EnableLearning          bool    `yaml:"enable_learning"`
	SignatureHashKey        string  `yaml:"signature_hash_key"`
	LogRawPII               bool    `yaml:"log_raw_pii"`

	FastPath FastPathConfig `yaml:"fast_path"`

	// ShadowPolicyName, when set, mirrors sampled traffic through the named
	// detection policy for comparison only (internal/shadow).
	ShadowPolicyName  string `yaml:"shadow_policy_name"`
	ShadowSampleEvery int    `yaml:"shadow_sample_every"`

	Policies       map[string]*models.DetectionPolicy     `yaml:"policies"`
	ActionPolicies map[string]models.ActionPolicyConfig   `yaml:"action_policies"`
	PathPolicies   map[string]string                      `yaml:"path_policies"`
	Detectors      map[string]detectors.Config            `yaml:"detectors"`

	Store    StoreConfig    `yaml:"store"`
	Learning LearningConfig `yaml:"learning"`

	Honeypot HoneypotConfig `yaml:"honeypot"`

	Log LogConfig `yaml:"log"`

	RequestBudget time.Duration `yaml:"request_budget"`
	WorkerPool    int           `yaml:"worker_pool"`
}

type FastPathConfig struct {
	SampleRate float64 `yaml:"sample_rate"`
}

type StoreConfig struct {
	DatabaseURL   string `yaml:"database_url"`
	RetentionDays int    `yaml:"retention_days"`
	PatternDir    string `yaml:"pattern_dir"` // JSONL bot-list directory
}

type LearningConfig struct {
	BusCapacity        int `yaml:"bus_capacity"`
	HandlerConcurrency int `yaml:"handler_concurrency"`
}

type HoneypotConfig struct {
	AccessKey string `yaml:"access_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Production reports whether the gateway runs with production hardening.
func (c *Config) Production() bool { return c.Mode == "production" }

// Default returns the compiled-in baseline every deployment starts from.
func Default() *Config {
	return &Config{
		Mode:                    "development",
		Listen:                  ":8880",
		BotThreshold:            0.7,
		DefaultPolicyName:       "default",
		DefaultActionPolicyName: "allow",
		EnableLearning:          true,
		SignatureHashKey:        insecureDefaultKey,
		FastPath:                FastPathConfig{SampleRate: 0.01},
		Policies: map[string]*models.DetectionPolicy{
			"default": defaultDetectionPolicy(),
		},
		ActionPolicies: map[string]models.ActionPolicyConfig{
			"allow":      {AllowCfg: &struct{}{}},
			"logonly":    {Log: &struct{}{}},
			"throttle":   {Throttle: &models.ThrottleConfig{MaxRequests: 10, WindowSeconds: 60}},
			"block":      {Block: &models.BlockConfig{StatusCode: 403, Body: "request blocked"}},
			"block-hard": {Block: &models.BlockConfig{StatusCode: 403, Body: "request blocked"}},
		},
		Store:         StoreConfig{RetentionDays: 30},
		Learning:      LearningConfig{BusCapacity: 1024, HandlerConcurrency: 2},
		Log:           LogConfig{Level: "info"},
		RequestBudget: 200 * time.Millisecond,
	}
}

func defaultDetectionPolicy() *models.DetectionPolicy {
	refs := func(names ...string) []models.DetectorRef {
		out := make([]models.DetectorRef, len(names))
		for i, n := range names {
			out[i] = models.DetectorRef{Name: n}
		}
		return out
	}
	exceeds := func(v float64) *float64 { return &v }
	return &models.DetectionPolicy{
		Name:     "default",
		FastPath: refs("FastPathReputation"),
		SlowPath: refs(
			"VerifiedBot", "UserAgent", "Header", "IP", "SecurityTool",
			"Behavioral", "ClientSide", "VersionAge", "Inconsistency",
			"GeoChange", "ProjectHoneypot", "TLSFingerprint",
			"HTTP2Fingerprint", "MultiLayerCorrelation",
			"BehavioralWaveform", "Heuristic",
		),
		AIPath:       refs("LLM", "HeuristicLate"),
		ResponsePath: refs("ResponseBehavior"),

		EarlyExitThreshold:      0.30,
		ImmediateBlockThreshold: 0.95,
		AIEscalationThreshold:   0.60,

		Transitions: []models.Transition{
			{WhenRiskExceeds: exceeds(0.95), ActionPolicyName: "block-hard"},
			{WhenRiskExceeds: exceeds(0.70), ActionPolicyName: "block"},
			{WhenRiskExceeds: exceeds(0.50), ActionPolicyName: "throttle"},
			{WhenRiskBelow: exceeds(0.30), ActionPolicyName: "logonly"},
		},
	}
}
