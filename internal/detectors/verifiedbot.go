package detectors

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// CrawlerRangeSource answers whether an IP belongs to a published crawler
// range (Googlebot, Bingbot, the cloud-provider crawler ASNs). Backed by an
// internal/datasource refresher in production; a static table otherwise.
type CrawlerRangeSource interface {
	// Lookup returns the crawler operator name for ip, or "" if unknown.
	Lookup(ip net.IP) string
}

// ReverseDNS is the optional FCrDNS port: resolve the PTR for ip, then
// forward-confirm it. Implementations must respect ctx deadlines and fail
// open (return "" on any error).
type ReverseDNS interface {
	ConfirmedHostname(ctx context.Context, ip net.IP) string
}

// crawlerUAOperators maps self-declared crawler UA tokens to the operator
// whose published ranges must also match before we trust the claim.
var crawlerUAOperators = []struct {
	pattern  *regexp.Regexp
	operator string
	name     string
}{
	{regexp.MustCompile(`(?i)googlebot`), "google", "Googlebot"},
	{regexp.MustCompile(`(?i)bingbot`), "microsoft", "Bingbot"},
	{regexp.MustCompile(`(?i)duckduckbot`), "duckduckgo", "DuckDuckBot"},
	{regexp.MustCompile(`(?i)yandexbot`), "yandex", "YandexBot"},
	{regexp.MustCompile(`(?i)applebot`), "apple", "Applebot"},
	{regexp.MustCompile(`(?i)baiduspider`), "baidu", "Baiduspider"},
}

// crawlerHostSuffixes validates FCrDNS hostnames per operator.
var crawlerHostSuffixes = map[string][]string{
	"google":     {".googlebot.com", ".google.com"},
	"microsoft":  {".search.msn.com"},
	"duckduckgo": {".duckduckgo.com"},
	"yandex":     {".yandex.ru", ".yandex.net", ".yandex.com"},
	"apple":      {".applebot.apple.com"},
	"baidu":      {".baidu.com", ".baidu.jp"},
}

// staticCrawlerRanges covers the published Googlebot/Bingbot blocks well
// enough for the verified-crawler scenario when no refresher is wired.
var staticCrawlerRanges = []struct {
	cidr     string
	operator string
}{
	{"66.249.64.0/19", "google"},
	{"192.178.5.0/27", "google"},
	{"34.100.182.96/28", "google"},
	{"157.55.39.0/24", "microsoft"},
	{"207.46.13.0/24", "microsoft"},
	{"40.77.167.0/24", "microsoft"},
	{"20.191.45.212/30", "duckduckgo"},
	{"5.255.250.0/24", "yandex"},
	{"17.241.0.0/16", "apple"},
	{"180.76.15.0/24", "baidu"},
}

type staticCrawlerSource struct{}

func (staticCrawlerSource) Lookup(ip net.IP) string {
	for _, r := range staticCrawlerRanges {
		_, block, err := net.ParseCIDR(r.cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return r.operator
		}
	}
	return ""
}

// VerifiedBot cross-checks a self-declared crawler UA against the
// operator's published IP ranges, optionally confirming via FCrDNS. A
// confirmed match drives the probability down hard and suggests
// BotTypeVerifiedBot; a claim the ranges contradict is treated as
// impersonation and scored strongly bot-like.
type VerifiedBot struct {
	Base
	cfg    Config
	ranges CrawlerRangeSource
	rdns   ReverseDNS
}

// NewVerifiedBot constructs the detector. ranges may be nil (static
// fallback table); rdns may be nil (FCrDNS skipped).
func NewVerifiedBot(cfg Config, ranges CrawlerRangeSource, rdns ReverseDNS) *VerifiedBot {
	defaults := Config{Weight: 1.0, ConfidenceDelta: 0.7}
	if ranges == nil {
		ranges = staticCrawlerSource{}
	}
	return &VerifiedBot{
		Base:   Base{name: "VerifiedBot", priority: 120, category: "reputation", timeout: defaultTimeout},
		cfg:    ResolveConfig(defaults, cfg),
		ranges: ranges,
		rdns:   rdns,
	}
}

func (d *VerifiedBot) Run(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	ua := req.UserAgent()
	var claimed *struct {
		pattern  *regexp.Regexp
		operator string
		name     string
	}
	for i := range crawlerUAOperators {
		if crawlerUAOperators[i].pattern.MatchString(ua) {
			claimed = &crawlerUAOperators[i]
			break
		}
	}
	if claimed == nil {
		return nil, nil
	}

	ip := net.ParseIP(req.RemoteIP)
	if ip == nil {
		return nil, nil
	}

	operator := d.ranges.Lookup(ip)
	verified := operator == claimed.operator

	// FCrDNS as a second opinion when the range table disagrees: published
	// range files lag new crawler deployments.
	if !verified && d.rdns != nil {
		if host := d.rdns.ConfirmedHostname(ctx, ip); host != "" {
			for _, suffix := range crawlerHostSuffixes[claimed.operator] {
				if strings.HasSuffix(strings.ToLower(host), suffix) {
					verified = true
					break
				}
			}
		}
	}

	if verified {
		bb.Set("ua.verified_bot", claimed.name)
		c := d.contribution(-0.9, d.cfg.Weight, "verified crawler: UA claim confirmed by published IP range")
		c.SuggestedBotType = models.BotTypeVerifiedBot
		c.SuggestedBotName = claimed.name
		return []models.Contribution{c}, nil
	}

	c := d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "crawler impersonation: UA claims "+claimed.name+" but IP is outside published ranges")
	c.SuggestedBotType = models.BotTypeBadBot
	c.SuggestedBotName = "fake-" + strings.ToLower(claimed.name)
	return []models.Contribution{c}, nil
}
