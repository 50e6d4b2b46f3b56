package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// scannerUAPatterns matches well-known security scanner/exploit-tool
// user-agent signatures.
var scannerUAPatterns = regexp.MustCompile(`(?i)sqlmap|nikto|nmap|nessus|acunetix|burpsuite|w3af|dirbuster|gobuster|masscan|zgrab|wpscan`)

// scannerPathPatterns matches request paths that only a vulnerability
// scanner or recon tool would probe unannounced.
var scannerPathPatterns = regexp.MustCompile(`(?i)\.git/config|\.env$|wp-login\.php|phpmyadmin|/etc/passwd|\.\./\.\.`)

// SecurityTool flags requests bearing scanner/exploit-tool signatures in
// the UA string, request path, or header shape.
type SecurityTool struct {
	Base
	cfg Config
}

func NewSecurityTool(cfg Config) *SecurityTool {
	defaults := Config{Weight: 1.0, ConfidenceDelta: 0.95}
	return &SecurityTool{
		Base: Base{name: "SecurityTool", priority: 110, category: "security_tool", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *SecurityTool) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	ua := req.UserAgent()

	if scannerUAPatterns.MatchString(ua) {
		bb.Set("security_tool.scanner_signature_match", 1.0)
		c := d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "known scanner signature in user-agent: "+strings.ToLower(ua))
		c.SuggestedBotType = models.BotTypeScanner
		c.SuggestedBotName = scannerName(ua)
		c.EarlyExit = &models.EarlyExitVerdict{
			IsBot:   true,
			Action:  models.ActionBlock,
			Reason:  "security scanner signature",
			BotType: models.BotTypeScanner,
			BotName: c.SuggestedBotName,
		}
		return []models.Contribution{c}, nil
	}

	if scannerPathPatterns.MatchString(req.Path) {
		bb.Set("security_tool.scanner_signature_match", 1.0)
		c := d.contribution(0.85, d.cfg.Weight, "reconnaissance/exploit path probed: "+req.Path)
		c.SuggestedBotType = models.BotTypeScanner
		return []models.Contribution{c}, nil
	}

	bb.Set("security_tool.scanner_signature_match", 0.0)
	return nil, nil
}

func scannerName(ua string) string {
	for _, name := range []string{"sqlmap", "nikto", "nmap", "nessus", "acunetix", "burpsuite", "wpscan"} {
		if strings.Contains(strings.ToLower(ua), name) {
			return name
		}
	}
	return "unknown_scanner"
}
