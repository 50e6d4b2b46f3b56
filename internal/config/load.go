package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// envPrefix is the fixed environment override prefix.
const envPrefix = "STYLOBOT_"

// Load assembles the configuration: Default() < YAML at path (optional) <
// environment. Validation errors are fatal to startup; unknown YAML keys
// only warn.
func Load(path string, log zerolog.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		warnUnknownKeys(raw, log)
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg, log)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownTopLevelKeys mirrors Config's yaml tags; drift here only costs a
// spurious warning, never behavior.
var knownTopLevelKeys = map[string]bool{
	"mode": true, "listen": true, "upstream_url": true,
	"bot_threshold": true, "default_policy_name": true,
	"default_action_policy_name": true, "enable_learning": true,
	"signature_hash_key": true, "log_raw_pii": true, "fast_path": true,
	"policies": true, "action_policies": true, "path_policies": true,
	"detectors": true, "store": true, "learning": true, "honeypot": true,
	"log": true, "request_budget": true, "worker_pool": true,
	"shadow_policy_name": true, "shadow_sample_every": true,
}

func warnUnknownKeys(raw []byte, log zerolog.Logger) {
	var top map[string]any
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return // the typed unmarshal will surface the real error
	}
	for key := range top {
		if !knownTopLevelKeys[key] {
			log.Warn().Str("key", key).Msg("config: unknown key ignored")
		}
	}
}

// applyEnv overlays STYLOBOT_* variables onto cfg. Malformed values warn
// and keep the prior value; an operator typo must not silently flip a
// security knob to a zero value.
func applyEnv(cfg *Config, log zerolog.Logger) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	f64 := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				log.Warn().Str("var", envPrefix+key).Msg("config: unparsable float env override ignored")
				return
			}
			*dst = parsed
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				log.Warn().Str("var", envPrefix+key).Msg("config: unparsable bool env override ignored")
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				log.Warn().Str("var", envPrefix+key).Msg("config: unparsable int env override ignored")
				return
			}
			*dst = parsed
		}
	}

	str("MODE", &cfg.Mode)
	str("LISTEN", &cfg.Listen)
	str("UPSTREAM_URL", &cfg.UpstreamURL)
	f64("BOT_THRESHOLD", &cfg.BotThreshold)
	str("DEFAULT_POLICY_NAME", &cfg.DefaultPolicyName)
	str("DEFAULT_ACTION_POLICY_NAME", &cfg.DefaultActionPolicyName)
	boolean("ENABLE_LEARNING", &cfg.EnableLearning)
	str("SIGNATURE_HASH_KEY", &cfg.SignatureHashKey)
	boolean("LOG_RAW_PII", &cfg.LogRawPII)
	f64("FAST_PATH_SAMPLE_RATE", &cfg.FastPath.SampleRate)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	integer("STORE_RETENTION_DAYS", &cfg.Store.RetentionDays)
	str("PATTERN_DIR", &cfg.Store.PatternDir)
	integer("LEARNING_BUS_CAPACITY", &cfg.Learning.BusCapacity)
	integer("LEARNING_HANDLER_CONCURRENCY", &cfg.Learning.HandlerConcurrency)
	str("HONEYPOT_ACCESS_KEY", &cfg.Honeypot.AccessKey)
	str("LOG_LEVEL", &cfg.Log.Level)
	integer("WORKER_POOL", &cfg.WorkerPool)

	if v, ok := os.LookupEnv(envPrefix + "REQUEST_BUDGET"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Str("var", envPrefix+"REQUEST_BUDGET").Msg("config: unparsable duration env override ignored")
		} else {
			cfg.RequestBudget = parsed
		}
	}
}

// Validate enforces the startup-fatal rules.
func (c *Config) Validate() error {
	if c.Mode != "development" && c.Mode != "production" {
		return fmt.Errorf("config: mode must be development or production, got %q", c.Mode)
	}

	key, err := base64.RawURLEncoding.DecodeString(c.SignatureHashKey)
	if err != nil {
		// Accept std base64 too; operators paste both.
		key, err = base64.StdEncoding.DecodeString(c.SignatureHashKey)
		if err != nil {
			return fmt.Errorf("config: signature_hash_key is not valid base64: %w", err)
		}
	}
	if len(key) < 16 {
		return errors.New("config: signature_hash_key must decode to at least 128 bits")
	}
	if c.Production() && c.SignatureHashKey == insecureDefaultKey {
		return errors.New("config: refusing to start in production with the default signature_hash_key")
	}
	if c.Production() && c.LogRawPII {
		return errors.New("config: log_raw_pii is hard-denied in production mode")
	}

	if c.BotThreshold < 0 || c.BotThreshold > 1 {
		return fmt.Errorf("config: bot_threshold %f outside [0,1]", c.BotThreshold)
	}
	if c.FastPath.SampleRate < 0 || c.FastPath.SampleRate > 1 {
		return fmt.Errorf("config: fast_path.sample_rate %f outside [0,1]", c.FastPath.SampleRate)
	}

	if _, ok := c.Policies[c.DefaultPolicyName]; !ok {
		return fmt.Errorf("config: default_policy_name %q not defined under policies", c.DefaultPolicyName)
	}
	if _, ok := c.ActionPolicies[c.DefaultActionPolicyName]; !ok {
		return fmt.Errorf("config: default_action_policy_name %q not defined under action_policies", c.DefaultActionPolicyName)
	}

	for name, p := range c.Policies {
		if p.Name == "" {
			p.Name = name
		}
		for _, t := range p.Transitions {
			if t.WhenRiskExceeds == nil && t.WhenRiskBelow == nil {
				return fmt.Errorf("config: policy %q has a transition with neither when_risk_exceeds nor when_risk_below", name)
			}
			if _, ok := c.ActionPolicies[t.ActionPolicyName]; !ok {
				return fmt.Errorf("config: policy %q transition references unknown action policy %q", name, t.ActionPolicyName)
			}
		}
	}
	for prefix, name := range c.PathPolicies {
		if _, ok := c.Policies[name]; !ok {
			return fmt.Errorf("config: path_policies[%q] references unknown policy %q", prefix, name)
		}
	}
	if c.ShadowPolicyName != "" {
		if _, ok := c.Policies[c.ShadowPolicyName]; !ok {
			return fmt.Errorf("config: shadow_policy_name %q not defined under policies", c.ShadowPolicyName)
		}
	}

	if c.Store.RetentionDays <= 0 {
		return errors.New("config: store.retention_days must be positive")
	}
	return nil
}

// HashKey returns the decoded HMAC master key. Validate must have passed.
func (c *Config) HashKey() []byte {
	key, err := base64.RawURLEncoding.DecodeString(c.SignatureHashKey)
	if err != nil {
		key, _ = base64.StdEncoding.DecodeString(c.SignatureHashKey)
	}
	return key
}
