package detectors

import (
	"context"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// TLSFingerprint scores protocol-layer anomalies in the connection's TLS
// metadata against what the claimed UA family would negotiate: JA-style
// fingerprinting reduced to the metadata the adapter surfaces (version,
// cipher, ALPN). Emits fingerprint.tls.* signals for MultiLayerCorrelation.
type TLSFingerprint struct {
	Base
	cfg Config
}

func NewTLSFingerprint(cfg Config) *TLSFingerprint {
	defaults := Config{Weight: 0.6, ConfidenceDelta: 0.45}
	return &TLSFingerprint{
		Base: Base{name: "TLSFingerprint", priority: 75, category: "fingerprint", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *TLSFingerprint) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	if req.TLS == nil {
		bb.Set("fingerprint.tls.present", false)
		return nil, nil
	}
	bb.Set("fingerprint.tls.present", true)

	var contributions []models.Contribution
	family := uaFamily(req.UserAgent())

	// Every evergreen browser has negotiated TLS 1.3 for years.
	if req.TLS.Version == "TLS1.0" || req.TLS.Version == "TLS1.1" {
		contributions = append(contributions, d.contribution(0.7, d.cfg.Weight, "legacy TLS version negotiated: "+req.TLS.Version))
	} else if req.TLS.Version == "TLS1.2" && (family == "Chrome" || family == "Firefox" || family == "Edge") {
		contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight*0.7, "modern browser claim but TLS 1.2 negotiated"))
	}

	// Browsers always offer ALPN; bare TLS clients frequently don't.
	if req.TLS.ALPN == "" && family != "unknown" && family != "" {
		contributions = append(contributions, d.contribution(0.4, d.cfg.Weight*0.6, "no ALPN offered by a claimed browser"))
	}

	anomaly := 0.0
	if len(contributions) > 0 {
		anomaly = 1.0
	}
	bb.Set("fingerprint.tls.anomaly", anomaly)
	return contributions, nil
}

// HTTP2Fingerprint checks protocol-version coherence: the HTTP protocol the
// request arrived over vs. the TLS ALPN vs. the UA claim. Emits
// fingerprint.h2.* signals for MultiLayerCorrelation.
type HTTP2Fingerprint struct {
	Base
	cfg Config
}

func NewHTTP2Fingerprint(cfg Config) *HTTP2Fingerprint {
	defaults := Config{Weight: 0.5, ConfidenceDelta: 0.4}
	return &HTTP2Fingerprint{
		Base: Base{name: "HTTP2Fingerprint", priority: 74, category: "fingerprint", timeout: defaultTimeout},
		cfg:  ResolveConfig(defaults, cfg),
	}
}

func (d *HTTP2Fingerprint) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	var contributions []models.Contribution
	family := uaFamily(req.UserAgent())

	isH1 := strings.HasPrefix(req.Protocol, "HTTP/1")
	bb.Set("fingerprint.h2.protocol", req.Protocol)

	// ALPN said h2 but the request is HTTP/1.x: a client stitching its own
	// protocol layers together.
	if req.TLS != nil && req.TLS.ALPN == "h2" && isH1 {
		contributions = append(contributions, d.contribution(0.7, d.cfg.Weight, "ALPN negotiated h2 but request arrived over HTTP/1.x"))
	}

	// Evergreen browsers speak h2+ everywhere TLS is available.
	if isH1 && req.TLS != nil && (family == "Chrome" || family == "Firefox" || family == "Edge") {
		contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight*0.7, "modern browser claim over HTTP/1.x TLS connection"))
	}

	anomaly := 0.0
	if len(contributions) > 0 {
		anomaly = 1.0
	}
	bb.Set("fingerprint.h2.anomaly", anomaly)
	return contributions, nil
}
