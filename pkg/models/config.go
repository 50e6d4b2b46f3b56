package models

// DetectorRef names a detector and an optional per-policy weight override.
type DetectorRef struct {
	Name            string  `yaml:"name"`
	WeightOverride  float64 `yaml:"weight_override,omitempty"`
}

// Transition is one rule in a DetectionPolicy's risk-threshold ladder:
// "when_risk_exceeds 0.95 -> block-hard", evaluated top to bottom, first
// match wins.
type Transition struct {
	WhenRiskExceeds   *float64 `yaml:"when_risk_exceeds,omitempty"`
	WhenRiskBelow     *float64 `yaml:"when_risk_below,omitempty"`
	ActionPolicyName  string   `yaml:"action_policy_name"`
}

// DetectionPolicy is the named, per-path bundle of enabled detectors and
// orchestrator thresholds.
type DetectionPolicy struct {
	Name string `yaml:"name"`

	FastPath     []DetectorRef `yaml:"fast_path"`
	SlowPath     []DetectorRef `yaml:"slow_path"`
	AIPath       []DetectorRef `yaml:"ai_path"`
	ResponsePath []DetectorRef `yaml:"response_path"`

	EarlyExitThreshold      float64 `yaml:"early_exit_threshold"`
	ImmediateBlockThreshold float64 `yaml:"immediate_block_threshold"`
	AIEscalationThreshold   float64 `yaml:"ai_escalation_threshold"`

	Transitions []Transition `yaml:"transitions"`
}

// ActionPolicy is the named composition of response actions selected by
// detection outcome. Exactly one of the fields is populated,
// matching the YAML shape `action_policies.<name>.<kind>: {...}`; the loader
// converts this into a concrete models.Action.
type ActionPolicyConfig struct {
	Name string `yaml:"name"`

	Block     *BlockConfig     `yaml:"block,omitempty"`
	Throttle  *ThrottleConfig  `yaml:"throttle,omitempty"`
	Challenge *ChallengeConfig `yaml:"challenge,omitempty"`
	Redirect  *RedirectConfig  `yaml:"redirect,omitempty"`
	Log       *struct{}        `yaml:"log,omitempty"`
	AllowCfg  *struct{}        `yaml:"allow,omitempty"`
}

type BlockConfig struct {
	StatusCode int    `yaml:"status_code"`
	Body       string `yaml:"body"`
}

type ThrottleConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type ChallengeConfig struct {
	Kind string `yaml:"kind"`
}

type RedirectConfig struct {
	TargetURL  string `yaml:"target_url"`
	StatusCode int    `yaml:"status_code"`
}

// ToAction materializes the concrete tagged-union Action this config
// represents. Exactly one branch should be set; Allow is the zero-value
// fallback.
func (a ActionPolicyConfig) ToAction() Action {
	switch {
	case a.Block != nil:
		return Block{StatusCode: a.Block.StatusCode, Body: a.Block.Body}
	case a.Throttle != nil:
		return Throttle{MaxRequests: a.Throttle.MaxRequests, WindowSeconds: a.Throttle.WindowSeconds}
	case a.Challenge != nil:
		return Challenge{Kind: ChallengeKind(a.Challenge.Kind)}
	case a.Redirect != nil:
		return Redirect{TargetURL: a.Redirect.TargetURL, StatusCode: a.Redirect.StatusCode}
	case a.Log != nil:
		return LogOnly{}
	default:
		return Allow{}
	}
}
