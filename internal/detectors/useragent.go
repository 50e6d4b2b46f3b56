package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// goodBotPatterns matches declared, generally-benevolent crawlers whose UA
// string self-identifies (still requires VerifiedBot's IP check for trust).
var goodBotPatterns = regexp.MustCompile(`(?i)googlebot|bingbot|slurp|duckduckbot|baiduspider|yandexbot|facebookexternalhit|twitterbot|applebot`)

// badBotPatterns matches declared scraping/automation tools that have no
// legitimate reason to be crawling a production site unannounced.
var badBotPatterns = regexp.MustCompile(`(?i)scrapy|python-requests|python-urllib|go-http-client|curl/|wget/|libwww-perl|httpclient|okhttp|java/`)

// automationPatterns matches browser-automation frameworks.
var automationPatterns = regexp.MustCompile(`(?i)headlesschrome|phantomjs|selenium|puppeteer|playwright|webdriver`)

// suspiciousFormPatterns matches shapes that are syntactically well-formed
// but semantically off: missing version tokens, bare product names, etc.
var suspiciousFormPatterns = regexp.MustCompile(`(?i)^mozilla/5\.0$|^-$|^bot$|^test$`)

// UserAgent inspects the UA header against known good-bot, bad-bot,
// automation-framework, and suspicious-shape pattern lists.
type UserAgent struct {
	Base
	cfg Config
}

// NewUserAgent constructs the detector with built-in defaults overridden by
// cfg (the detector's YAML manifest block, loaded by internal/config; no
// environment override applies).
func NewUserAgent(cfg Config) *UserAgent {
	defaults := Config{Weight: 0.8, ConfidenceDelta: 0.75}
	return &UserAgent{
		Base: Base{name: "UserAgent", priority: 100, category: "user_agent", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *UserAgent) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	ua := req.UserAgent()
	trimmed := strings.TrimSpace(ua)

	bb.Set(models.SignalUAFamily, uaFamily(trimmed))

	if trimmed == "" {
		// Boundary behaviour: empty/whitespace UA emits delta >= 0.7
		// with weight >= 0.7.
		c := d.contribution(0.85, d.cfg.Weight, "empty user-agent")
		c.SuggestedBotType = models.BotTypeBadBot
		return []models.Contribution{c}, nil
	}

	switch {
	case automationPatterns.MatchString(trimmed):
		c := d.contribution(0.9, d.cfg.Weight, "automation framework signature in user-agent")
		c.SuggestedBotType = models.BotTypeAutomation
		return []models.Contribution{c}, nil
	case badBotPatterns.MatchString(trimmed):
		c := d.contribution(0.75, d.cfg.Weight, "known bad-bot/scraper user-agent")
		c.SuggestedBotType = models.BotTypeBadBot
		return []models.Contribution{c}, nil
	case goodBotPatterns.MatchString(trimmed):
		// Declared good bots still get a mild positive delta here; only
		// VerifiedBot (IP-range confirmed) drives the probability down hard.
		c := d.contribution(0.1, d.cfg.Weight*0.5, "declared good-bot user-agent, IP unverified")
		c.SuggestedBotType = models.BotTypeGoodBot
		c.SuggestedBotName = uaFamily(trimmed)
		return []models.Contribution{c}, nil
	case suspiciousFormPatterns.MatchString(trimmed):
		c := d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "suspicious user-agent shape")
		return []models.Contribution{c}, nil
	}

	return []models.Contribution{d.contribution(-0.05, d.cfg.Weight*0.3, "ordinary browser user-agent")}, nil
}

func uaFamily(ua string) string {
	for _, family := range []string{"Chrome", "Firefox", "Safari", "Edge", "Googlebot", "Bingbot"} {
		if strings.Contains(ua, family) {
			return family
		}
	}
	return "unknown"
}
