package detectors

import (
	"context"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// automationMarkerHeaders are header names that only ever appear on
// scripted/automated clients (headless browser flags, proxy/test markers).
var automationMarkerHeaders = []string{
	"X-Puppeteer", "X-Selenium", "X-Scrapy-Meta", "X-Automation",
}

// commonBrowserHeaders are the headers a real browser almost always sends;
// a request missing most of these is a weak automation signal.
var commonBrowserHeaders = []string{
	"Accept", "Accept-Language", "Accept-Encoding", "User-Agent", "Connection",
}

// Header inspects the request's header shape: missing Accept-Language, odd
// Connection values, too few headers overall, explicit automation markers,
// and header ordering anomalies.
type Header struct {
	Base
	cfg Config
}

func NewHeader(cfg Config) *Header {
	defaults := Config{Weight: 0.4, ConfidenceDelta: 0.3}
	return &Header{
		Base: Base{name: "Header", priority: 90, category: "header", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *Header) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	var contributions []models.Contribution

	for _, marker := range automationMarkerHeaders {
		if req.Headers.Has(marker) {
			c := d.contribution(0.95, d.cfg.Weight, "automation marker header present: "+marker)
			c.SuggestedBotType = models.BotTypeAutomation
			contributions = append(contributions, c)
		}
	}

	present := 0
	for _, h := range commonBrowserHeaders {
		if req.Headers.Has(h) {
			present++
		}
	}
	bb.Set("header.count", float64(present))

	if !req.Headers.Has("Accept-Language") {
		contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "missing Accept-Language header"))
	}

	if conn := req.Headers.Get("Connection"); conn != "" && !strings.EqualFold(conn, "keep-alive") && !strings.EqualFold(conn, "close") {
		contributions = append(contributions, d.contribution(0.4, d.cfg.Weight*0.7, "unusual Connection header value: "+conn))
	}

	if present <= 2 {
		contributions = append(contributions, d.contribution(0.5, d.cfg.Weight, "too few standard browser headers present"))
	}

	if len(contributions) == 0 {
		contributions = append(contributions, d.contribution(-0.05, d.cfg.Weight*0.2, "ordinary header shape"))
	}
	return contributions, nil
}
