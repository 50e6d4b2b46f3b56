package detectors

import (
	"context"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/pkg/models"
)

// DNSBLResult is one Project Honeypot HTTP:BL answer. ThreatScore and
// DaysStale follow the HTTP:BL octet encoding; VisitorType is the bitmask
// of {suspicious, harvester, comment spammer}.
type DNSBLResult struct {
	Listed      bool
	ThreatScore int
	DaysStale   int
	VisitorType int
}

// DNSBL is the Project Honeypot lookup port. Implementations cache answers,
// respect ctx deadlines, and fail open (return zero result + error).
// internal/datasource provides the live resolver.
type DNSBL interface {
	Lookup(ctx context.Context, ip string) (DNSBLResult, error)
}

// ProjectHoneypot queries the HTTP:BL DNS blocklist for the remote IP,
// best-effort. Port failures are counted and ignored; DNS hiccups must
// never add latency-coupled evidence.
type ProjectHoneypot struct {
	Base
	cfg  Config
	bl   DNSBL
}

func NewProjectHoneypot(cfg Config, bl DNSBL) *ProjectHoneypot {
	defaults := Config{Weight: 0.8, ConfidenceDelta: 0.5, Thresholds: map[string]float64{
		"threat_floor": 20,
		"max_stale_days": 60,
	}}
	return &ProjectHoneypot{
		Base: Base{name: "ProjectHoneypot", priority: 60, category: "ip", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
		bl:   bl,
	}
}

func (d *ProjectHoneypot) Run(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	if d.bl == nil {
		return nil, nil
	}

	res, err := d.bl.Lookup(ctx, req.RemoteIP)
	if err != nil {
		metrics.PortFailures.WithLabelValues("honeypot").Inc()
		return nil, nil // fail open
	}
	if !res.Listed {
		return nil, nil
	}

	bb.Set("ip.honeypot_threat", float64(res.ThreatScore))

	if res.DaysStale > int(d.cfg.threshold("max_stale_days", 60)) {
		// Listed, but the observation is old enough to be a reassigned IP.
		return []models.Contribution{d.contribution(0.1, d.cfg.Weight*0.3, "stale honeypot listing")}, nil
	}

	delta := d.cfg.ConfidenceDelta
	if float64(res.ThreatScore) >= d.cfg.threshold("threat_floor", 20) {
		delta = 0.8
	}
	c := d.contribution(delta, d.cfg.Weight, "remote address listed on Project Honeypot HTTP:BL")
	if res.VisitorType&0x2 != 0 {
		c.SuggestedBotType = models.BotTypeScraper
		c.SuggestedBotName = "harvester"
	}
	return []models.Contribution{c}, nil
}
