// Package signature builds the zero-PII MultiFactorSignature bundle for
// every inbound request, including the carry-forward logic that lets a
// WebSocket or XHR request inherit richer factors observed on a prior
// full-page request from the same browser.
package signature

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/pkg/models"
)

// carryForwardTTL is how long a document request's rich factors remain
// eligible for inheritance by a later non-document request.
const carryForwardTTL = 30 * time.Minute

// defaultCacheSize bounds the carry-forward LRU.
const defaultCacheSize = 10_000

// cachedFactors is what a request leaves behind for later requests bearing
// the same primary signature. fromDocument records whether the entry was
// seeded by a full-page request: entries seeded by a WebSocket/XHR request
// are always eligible for replacement by a document request, regardless of
// richness.
type cachedFactors struct {
	client       string
	plugin       string
	ipClient     string
	uaClient     string
	geo          string
	fromDocument bool
	timestamp    time.Time
}

func (c cachedFactors) expired(now time.Time) bool {
	return now.Sub(c.timestamp) > carryForwardTTL
}

// count is the number of non-null factors the entry carries, the richness
// measure guarding document-branch write-back.
func (c cachedFactors) count() int {
	n := 0
	for _, v := range []string{c.client, c.plugin, c.ipClient, c.uaClient, c.geo} {
		if v != "" {
			n++
		}
	}
	return n
}

func factorsOf(sig models.MultiFactorSignature, fromDocument bool, now time.Time) cachedFactors {
	return cachedFactors{
		client:       sig.ClientFingerprint,
		plugin:       sig.PluginShapeSignature,
		ipClient:     sig.IPSignature,
		uaClient:     sig.UASignature,
		geo:          sig.CountryCode,
		fromDocument: fromDocument,
		timestamp:    now,
	}
}

// Factory builds MultiFactorSignature bundles. It is safe for concurrent use.
type Factory struct {
	h            *hasher.Hasher
	carryForward *lru.Cache[string, cachedFactors]
	sf           singleflight.Group
}

// New constructs a Factory. cacheSize <= 0 uses the default cap.
func New(h *hasher.Hasher, cacheSize int) (*Factory, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, cachedFactors](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Factory{h: h, carryForward: cache}, nil
}

// Build computes the MultiFactorSignature for ctx, applying carry-forward
// when ctx is a non-document request and a prior document request from the
// same primary signature is still within TTL. It never fails: a request
// with no recognizable factors still gets a stable primary signature over
// empty parts.
func (f *Factory) Build(ctx *models.HttpRequestCtx) models.MultiFactorSignature {
	now := ctx.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	ip := ctx.RemoteIP
	ua := ctx.UserAgent()
	primary := f.h.Compose(ip, ua)

	sig := models.MultiFactorSignature{
		PrimarySignature: primary,
		Timestamp:        now,
		FactorCount:      1,
	}

	if ip != "" {
		sig.IPSignature = f.h.Hash(ip)
		sig.IPSubnetSignature = f.h.HashIPSubnet(ip, 24)
	}
	if ua != "" {
		sig.UASignature = f.h.Hash(ua)
	}
	if ctx.Geo != nil && ctx.Geo.CountryCode != "" {
		sig.CountryCode = ctx.Geo.CountryCode
	}

	sig.ClientFingerprint = f.clientFingerprint(ctx)
	sig.PluginShapeSignature = f.pluginShapeSignature(ctx)

	if isNonDocument(ctx) {
		f.applyCarryForward(primary, &sig)
	} else {
		f.rememberDocument(primary, &sig, now)
	}

	sig.FactorCount = countFactors(sig)
	return sig
}

// isNonDocument decides when carry-forward applies:
// WebSocket upgrades, non-document Sec-Fetch-Dest, or JSON/SSE Accept.
func isNonDocument(ctx *models.HttpRequestCtx) bool {
	if strings.EqualFold(ctx.Headers.Get("Upgrade"), "websocket") {
		return true
	}
	if dest := ctx.Headers.Get("Sec-Fetch-Dest"); dest != "" &&
		!strings.EqualFold(dest, "document") && !strings.EqualFold(dest, "iframe") {
		return true
	}
	accept := ctx.Headers.Get("Accept")
	if strings.Contains(accept, "application/json") || strings.Contains(accept, "text/event-stream") {
		return true
	}
	return false
}

// applyCarryForward replaces the non-document request's locally computed
// secondary factors with the cached set whenever a non-expired entry
// exists. The overwrite is unconditional per factor: a WebSocket or XHR
// request sends different Accept/Accept-Encoding/Client-Hints headers and
// therefore computes a differing, non-empty fingerprint; keeping the local
// value would split the two requests' signatures. A cached null factor
// keeps the local value so the bundle never loses a factor it computed
// itself.
func (f *Factory) applyCarryForward(primary string, sig *models.MultiFactorSignature) {
	cached, ok := f.carryForward.Get(primary)
	if ok && cached.expired(sig.Timestamp) {
		f.carryForward.Remove(primary)
		ok = false
	}
	if !ok {
		// First sighting is a non-document request: seed the entry so its
		// peers stay consistent until a document request enriches it.
		f.carryForward.Add(primary, factorsOf(*sig, false, sig.Timestamp))
		return
	}

	if cached.client != "" {
		sig.ClientFingerprint = cached.client
	}
	if cached.plugin != "" {
		sig.PluginShapeSignature = cached.plugin
	}
	if cached.ipClient != "" {
		sig.IPSignature = cached.ipClient
	}
	if cached.uaClient != "" {
		sig.UASignature = cached.uaClient
	}
	if cached.geo != "" {
		sig.CountryCode = cached.geo
	}
}

// rememberDocument merges a document request's factors with the cache:
// absent local factors are filled from a non-expired entry, then the entry
// is replaced only when the merged set is at least as rich (by non-null
// factor count) or the cached entry was seeded by a non-document request.
// A single-flight key per primary signature keeps concurrent document
// requests from the same browser from racing to populate the same entry.
func (f *Factory) rememberDocument(primary string, sig *models.MultiFactorSignature, now time.Time) {
	// The fill happens outside the single-flight group: duplicate callers
	// share one fn execution, and every request's bundle needs the fill.
	cached, ok := f.carryForward.Get(primary)
	if ok && cached.expired(now) {
		f.carryForward.Remove(primary)
		ok = false
	}
	if ok {
		if sig.ClientFingerprint == "" {
			sig.ClientFingerprint = cached.client
		}
		if sig.PluginShapeSignature == "" {
			sig.PluginShapeSignature = cached.plugin
		}
		if sig.IPSignature == "" {
			sig.IPSignature = cached.ipClient
		}
		if sig.UASignature == "" {
			sig.UASignature = cached.uaClient
		}
		if sig.CountryCode == "" {
			sig.CountryCode = cached.geo
		}
	}

	// A poorer document request must not clobber a richer document-seeded
	// entry; non-document-seeded entries are always replaceable.
	merged := factorsOf(*sig, true, now)
	if ok && cached.fromDocument && merged.count() < cached.count() {
		return
	}
	_, _, _ = f.sf.Do(primary, func() (any, error) {
		// Re-check under the single flight: a richer entry may have landed
		// between the read above and this write.
		if current, ok := f.carryForward.Get(primary); ok && !current.expired(now) &&
			current.fromDocument && merged.count() < current.count() {
			return nil, nil
		}
		f.carryForward.Add(primary, merged)
		return nil, nil
	})
}

// clientFingerprint hashes the browser-hints header shape (Accept-Language,
// Accept-Encoding, Sec-Ch-Ua family); stable per browser install, absent
// for most non-browser clients.
func (f *Factory) clientFingerprint(ctx *models.HttpRequestCtx) string {
	parts := []string{
		ctx.Headers.Get("Accept-Language"),
		ctx.Headers.Get("Accept-Encoding"),
		ctx.Headers.Get("Sec-Ch-Ua"),
		ctx.Headers.Get("Sec-Ch-Ua-Platform"),
	}
	if allEmpty(parts) {
		return ""
	}
	return f.h.Compose(parts...)
}

// pluginShapeSignature hashes the header set's presence/absence shape
// (which optional headers a client sends, not their values); a coarse,
// zero-PII proxy for "plugin-like" header fingerprinting.
func (f *Factory) pluginShapeSignature(ctx *models.HttpRequestCtx) string {
	shape := make([]string, 0, 6)
	for _, h := range []string{"DNT", "Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-User", "Save-Data", "Sec-Ch-Ua-Mobile"} {
		if ctx.Headers.Has(h) {
			shape = append(shape, h)
		}
	}
	if len(shape) == 0 {
		return ""
	}
	return f.h.Compose(shape...)
}

func allEmpty(parts []string) bool {
	for _, p := range parts {
		if p != "" {
			return false
		}
	}
	return true
}

func countFactors(sig models.MultiFactorSignature) int {
	n := 1 // PrimarySignature is never absent
	if sig.IPSignature != "" {
		n++
	}
	if sig.UASignature != "" {
		n++
	}
	if sig.ClientFingerprint != "" {
		n++
	}
	if sig.PluginShapeSignature != "" {
		n++
	}
	if sig.IPSubnetSignature != "" {
		n++
	}
	if sig.CountryCode != "" {
		n++
	}
	return n
}

// Compare classifies how strongly two signatures correlate.
func Compare(a, b models.MultiFactorSignature) models.SignatureMatch {
	matched := 0
	matchType := models.MatchWeak

	if a.PrimarySignature == b.PrimarySignature {
		matched++
	}
	if a.ClientFingerprint != "" && a.ClientFingerprint == b.ClientFingerprint {
		matched++
		matchType = models.MatchClientIdentity
	}
	if a.IPSubnetSignature != "" && a.IPSubnetSignature == b.IPSubnetSignature {
		matched++
		if matchType == models.MatchWeak {
			matchType = models.MatchNetworkIdentity
		}
	}
	if a.CountryCode != "" && a.CountryCode == b.CountryCode {
		matched++
		if matchType == models.MatchWeak {
			matchType = models.MatchGeoIdentity
		}
	}
	if a.UASignature != "" && a.UASignature == b.UASignature {
		matched++
	}

	isMatch := matched >= 2
	if isMatch && matchType == models.MatchWeak {
		matchType = models.MatchPartial
	}
	if matched >= 4 {
		matchType = models.MatchExact
	}

	confidence := float64(matched) / 5.0
	if confidence > 1 {
		confidence = 1
	}

	return models.SignatureMatch{
		MatchedFactors: matched,
		IsMatch:        isMatch,
		MatchType:      matchType,
		Confidence:     confidence,
	}
}
