package detectors

import (
	"context"
	"net"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// CIDRSource is a refreshed set of known datacenter/cloud CIDR blocks,
// supplied by an internal/datasource refresher via atomic pointer swap.
// Kept as a narrow interface so IP doesn't depend directly on the
// datasource package.
type CIDRSource interface {
	// Lookup returns (isDatacenter, provider) for ip.
	Lookup(ip net.IP) (isDatacenter bool, provider string)
}

// staticCIDRSource is the zero-dependency fallback used when no live
// CIDRSource has been wired: a handful of well-known cloud ranges, enough
// to classify the majority of commodity-cloud scraper traffic.
type staticCIDRSource struct{}

var wellKnownCloudRanges = []struct {
	cidr     string
	provider string
}{
	{"52.0.0.0/8", "aws"},
	{"3.0.0.0/8", "aws"},
	{"35.0.0.0/8", "gcp"},
	{"34.0.0.0/8", "gcp"},
	{"40.0.0.0/8", "azure"},
	{"20.0.0.0/8", "azure"},
	{"104.16.0.0/12", "cloudflare"},
}

func (staticCIDRSource) Lookup(ip net.IP) (bool, string) {
	for _, r := range wellKnownCloudRanges {
		_, block, err := net.ParseCIDR(r.cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true, r.provider
		}
	}
	return false, ""
}

// IP checks the remote address (and X-Forwarded-For chain) against
// datacenter/cloud CIDR ranges.
type IP struct {
	Base
	cfg    Config
	source CIDRSource
}

// NewIP constructs the detector. source may be nil, in which case the
// built-in static well-known-range table is used; a live DataSource
// refresher should be wired in production (see internal/datasource).
func NewIP(cfg Config, source CIDRSource) *IP {
	defaults := Config{Weight: 0.5, ConfidenceDelta: 0.35}
	if source == nil {
		source = staticCIDRSource{}
	}
	return &IP{
		Base:   Base{name: "IP", priority: 100, category: "ip", timeout: defaultTimeout},
		cfg:    ResolveConfig(defaults, cfg),
		source: source,
	}
}

func (d *IP) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	ip := net.ParseIP(req.RemoteIP)
	if ip == nil {
		return nil, nil
	}

	// Boundary behaviour: localhost emits delta <= +0.1.
	if ip.IsLoopback() {
		bb.Set(models.SignalIPIsDatacenter, false)
		return []models.Contribution{d.contribution(0.0, d.cfg.Weight*0.2, "loopback address")}, nil
	}

	isDatacenter, provider := d.source.Lookup(ip)
	bb.Set(models.SignalIPIsDatacenter, isDatacenter)

	if isDatacenter {
		// Boundary behaviour: AWS IP emits delta >= +0.3.
		c := d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "remote address in "+provider+" datacenter range")
		return []models.Contribution{c}, nil
	}

	return []models.Contribution{d.contribution(-0.05, d.cfg.Weight*0.2, "residential/unclassified IP range")}, nil
}
