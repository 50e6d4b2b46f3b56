package signature

import (
	"testing"
	"time"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/pkg/models"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	h, err := hasher.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	f, err := New(h, 0)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func documentRequest(at time.Time) *models.HttpRequestCtx {
	return &models.HttpRequestCtx{
		Method:   "GET",
		Path:     "/",
		RemoteIP: "203.0.113.5",
		Headers: models.Header{
			"User-Agent":         {"Mozilla/5.0 (Test Browser)"},
			"Accept-Language":    {"en-US"},
			"Accept-Encoding":    {"gzip, br"},
			"Sec-Ch-Ua":          {`"Chromium";v="120"`},
			"Sec-Ch-Ua-Platform": {`"macOS"`},
			"Sec-Fetch-Dest":     {"document"},
			"DNT":                {"1"},
		},
		ReceivedAt: at,
	}
}

func webSocketRequest(at time.Time, ip string) *models.HttpRequestCtx {
	return &models.HttpRequestCtx{
		Method:   "GET",
		Path:     "/ws",
		RemoteIP: ip,
		Headers: models.Header{
			"User-Agent": {"Mozilla/5.0 (Test Browser)"},
			"Upgrade":    {"websocket"},
		},
		ReceivedAt: at,
	}
}

func TestBuildNeverFails(t *testing.T) {
	f := testFactory(t)
	sig := f.Build(&models.HttpRequestCtx{Headers: models.Header{}, ReceivedAt: time.Now()})
	if sig.PrimarySignature == "" {
		t.Error("PrimarySignature must never be empty")
	}
	if sig.FactorCount < 1 {
		t.Error("FactorCount must be >= 1")
	}
}

func TestBuildIsMonotonicForIdenticalRequests(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	a := f.Build(documentRequest(at))
	b := f.Build(documentRequest(at))

	if a.PrimarySignature != b.PrimarySignature {
		t.Error("identical requests produced different primary signatures")
	}
	if a.FactorCount != b.FactorCount {
		t.Error("identical requests produced different factor counts")
	}
}

func TestCarryForwardInheritsRicherFactors(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	doc := f.Build(documentRequest(at))

	ws := webSocketRequest(at.Add(30*time.Second), "203.0.113.5")
	wsSig := f.Build(ws)

	if wsSig.PrimarySignature != doc.PrimarySignature {
		t.Fatalf("expected same primary signature, got %q vs %q", wsSig.PrimarySignature, doc.PrimarySignature)
	}
	if wsSig.FactorCount < doc.FactorCount {
		t.Errorf("carry-forward factor count %d should be >= document factor count %d", wsSig.FactorCount, doc.FactorCount)
	}
	if wsSig.ClientFingerprint != doc.ClientFingerprint {
		t.Error("expected ClientFingerprint to be carried forward to the WebSocket request")
	}
}

func TestCarryForwardOverwritesDifferingFactors(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	doc := f.Build(documentRequest(at))

	// An XHR from the same browser sends a different Accept-Encoding and
	// Accept, so it computes a non-empty but differing fingerprint locally.
	// Carry-forward must replace it with the document request's value, not
	// keep the local one.
	xhr := &models.HttpRequestCtx{
		Method:   "GET",
		Path:     "/api/feed",
		RemoteIP: "203.0.113.5",
		Headers: models.Header{
			"User-Agent":      {"Mozilla/5.0 (Test Browser)"},
			"Accept":          {"application/json"},
			"Accept-Language": {"en-US"},
			"Accept-Encoding": {"identity"},
		},
		ReceivedAt: at.Add(10 * time.Second),
	}
	xhrSig := f.Build(xhr)

	if xhrSig.PrimarySignature != doc.PrimarySignature {
		t.Fatalf("expected same primary signature, got %q vs %q", xhrSig.PrimarySignature, doc.PrimarySignature)
	}
	if doc.ClientFingerprint == "" {
		t.Fatal("document request should have computed a client fingerprint")
	}
	if xhrSig.ClientFingerprint != doc.ClientFingerprint {
		t.Errorf("XHR fingerprint %q should have been overwritten with the document value %q", xhrSig.ClientFingerprint, doc.ClientFingerprint)
	}
	if xhrSig.PluginShapeSignature != doc.PluginShapeSignature {
		t.Error("expected plugin-shape factor to be carried forward over the locally computed one")
	}
}

func TestPoorerDocumentRequestDoesNotClobberRicherEntry(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	rich := f.Build(documentRequest(at))

	// Same browser, second page load with Client-Hints stripped (e.g. a
	// privacy extension kicking in): poorer factor set.
	poor := documentRequest(at.Add(time.Minute))
	delete(poor.Headers, "Accept-Language")
	delete(poor.Headers, "Accept-Encoding")
	delete(poor.Headers, "Sec-Ch-Ua")
	delete(poor.Headers, "Sec-Ch-Ua-Platform")
	delete(poor.Headers, "DNT")
	delete(poor.Headers, "Sec-Fetch-Dest")
	f.Build(poor)

	// A later WebSocket request must still inherit the rich entry.
	ws := webSocketRequest(at.Add(2*time.Minute), "203.0.113.5")
	wsSig := f.Build(ws)

	if wsSig.ClientFingerprint != rich.ClientFingerprint {
		t.Error("poorer document request clobbered the richer cached fingerprint")
	}
	if wsSig.FactorCount < rich.FactorCount {
		t.Errorf("carry-forward factor count %d fell below the rich document's %d", wsSig.FactorCount, rich.FactorCount)
	}
}

func TestDocumentRequestFillsAbsentFactorsFromCache(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	rich := f.Build(documentRequest(at))

	poor := documentRequest(at.Add(time.Minute))
	delete(poor.Headers, "Accept-Language")
	delete(poor.Headers, "Accept-Encoding")
	delete(poor.Headers, "Sec-Ch-Ua")
	delete(poor.Headers, "Sec-Ch-Ua-Platform")
	delete(poor.Headers, "DNT")
	delete(poor.Headers, "Sec-Fetch-Dest")
	poorSig := f.Build(poor)

	if poorSig.ClientFingerprint != rich.ClientFingerprint {
		t.Error("document request should fill its absent fingerprint from the cached entry")
	}
	if poorSig.FactorCount < rich.FactorCount {
		t.Errorf("filled factor count %d should be >= rich document's %d", poorSig.FactorCount, rich.FactorCount)
	}
}

func TestCarryForwardExpiresAfterTTL(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	doc := f.Build(documentRequest(at))

	ws := webSocketRequest(at.Add(31*time.Minute), "203.0.113.5")
	wsSig := f.Build(ws)

	if wsSig.ClientFingerprint == doc.ClientFingerprint && doc.ClientFingerprint != "" {
		t.Error("carry-forward should not apply once the TTL has elapsed")
	}
}

func TestIsNonDocumentClassification(t *testing.T) {
	cases := []struct {
		name string
		ctx  *models.HttpRequestCtx
		want bool
	}{
		{"websocket upgrade", &models.HttpRequestCtx{Headers: models.Header{"Upgrade": {"websocket"}}}, true},
		{"document fetch", &models.HttpRequestCtx{Headers: models.Header{"Sec-Fetch-Dest": {"document"}}}, false},
		{"iframe fetch", &models.HttpRequestCtx{Headers: models.Header{"Sec-Fetch-Dest": {"iframe"}}}, false},
		{"script fetch", &models.HttpRequestCtx{Headers: models.Header{"Sec-Fetch-Dest": {"script"}}}, true},
		{"json accept", &models.HttpRequestCtx{Headers: models.Header{"Accept": {"application/json"}}}, true},
		{"sse accept", &models.HttpRequestCtx{Headers: models.Header{"Accept": {"text/event-stream"}}}, true},
		{"no hints", &models.HttpRequestCtx{Headers: models.Header{}}, false},
	}
	for _, c := range cases {
		if got := isNonDocument(c.ctx); got != c.want {
			t.Errorf("%s: isNonDocument() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCompareIdenticalSignaturesIsExactMatch(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	sig := f.Build(documentRequest(at))

	m := Compare(sig, sig)
	if !m.IsMatch {
		t.Error("comparing a signature with itself should be a match")
	}
	if m.Confidence <= 0 {
		t.Error("expected positive confidence for self-comparison")
	}
}

func TestCompareUnrelatedSignaturesLowConfidence(t *testing.T) {
	f := testFactory(t)
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	a := f.Build(documentRequest(at))
	other := documentRequest(at)
	other.RemoteIP = "198.51.100.9"
	other.Headers["User-Agent"] = []string{"curl/8.0"}
	delete(other.Headers, "Accept-Language")
	delete(other.Headers, "Accept-Encoding")
	delete(other.Headers, "Sec-Ch-Ua")
	delete(other.Headers, "Sec-Ch-Ua-Platform")
	delete(other.Headers, "DNT")
	b := f.Build(other)

	m := Compare(a, b)
	if m.IsMatch {
		t.Error("unrelated signatures should not match")
	}
}
