package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stylobot/gateway/internal/logging"
)

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidate_ProductionRefusesDefaultKey(t *testing.T) {
	cfg := Default()
	cfg.Mode = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected fatal error: production with default hash key")
	}
}

func TestValidate_ProductionRefusesRawPII(t *testing.T) {
	cfg := Default()
	cfg.Mode = "production"
	cfg.SignatureHashKey = "dGhpcy1pcy1hLXJlYWwtMzItYnl0ZS1zZWNyZXQta2V5" // 33 bytes
	cfg.LogRawPII = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected fatal error: log_raw_pii in production")
	}
}

func TestValidate_UnknownPolicyReferences(t *testing.T) {
	cfg := Default()
	cfg.DefaultPolicyName = "ghost"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown default policy")
	}

	cfg = Default()
	cfg.PathPolicies = map[string]string{"/api": "ghost"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for path policy referencing unknown policy")
	}
}

func TestLoad_YAMLAndEnvLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	manifest := `
bot_threshold: 0.8
listen: ":9999"
store:
  retention_days: 7
unknown_future_knob: 42
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STYLOBOT_BOT_THRESHOLD", "0.65")

	cfg, err := Load(path, logging.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotThreshold != 0.65 {
		t.Errorf("env should override yaml: threshold = %f, want 0.65", cfg.BotThreshold)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("yaml should override default: listen = %q", cfg.Listen)
	}
	if cfg.Store.RetentionDays != 7 {
		t.Errorf("retention = %d, want 7", cfg.Store.RetentionDays)
	}
	// Default policy map must survive the overlay.
	if _, ok := cfg.Policies["default"]; !ok {
		t.Error("default policy lost during yaml overlay")
	}
}

func TestLoad_MalformedEnvKeepsPrior(t *testing.T) {
	t.Setenv("STYLOBOT_BOT_THRESHOLD", "not-a-number")

	cfg, err := Load("", logging.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotThreshold != 0.7 {
		t.Errorf("malformed env override should keep default, got %f", cfg.BotThreshold)
	}
}
