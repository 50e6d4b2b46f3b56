package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/pkg/models"
)

func TestClientBotScore_AllPositiveChecksIsZero(t *testing.T) {
	// The canonical invariant: all positive checks with 0 < hw <= 32 must
	// yield exactly 0.0.
	if got := ClientBotScore(true, true, true, 3, 8); got != 0.0 {
		t.Errorf("score = %f, want exactly 0.0", got)
	}
}

func TestClientBotScore_Headless(t *testing.T) {
	// No canvas, no WebGL, no audio, no plugins, zero concurrency.
	got := ClientBotScore(false, false, false, 0, 0)
	want := 0.30 + 0.25 + 0.15 + 0.10 + 0.10
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("score = %f, want %f", got, want)
	}
}

func TestClientBotScore_Clamped(t *testing.T) {
	if got := ClientBotScore(true, true, true, 3, 8); got < 0 || got > 1 {
		t.Errorf("score %f outside [0,1]", got)
	}
	if got := ClientBotScore(false, false, false, 0, 64); got < 0 || got > 1 {
		t.Errorf("score %f outside [0,1]", got)
	}
}

type capturedValidation struct {
	serverIsBot bool
	serverProb  float64
	clientScore float64
	mismatch    bool
	published   bool
}

func (c *capturedValidation) PublishClientValidation(_ models.MultiFactorSignature, serverIsBot bool, serverProb, clientScore float64, mismatch bool) {
	c.published = true
	c.serverIsBot = serverIsBot
	c.serverProb = serverProb
	c.clientScore = clientScore
	c.mismatch = mismatch
}

func newTestHandler(t *testing.T) (*ClientResultHandler, *capturedValidation) {
	t.Helper()
	h, err := hasher.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	factory, err := signature.New(h, 16)
	if err != nil {
		t.Fatal(err)
	}
	captured := &capturedValidation{}
	return NewClientResultHandler(factory, captured, logging.Nop()), captured
}

func performClientResult(t *testing.T, handler *ClientResultHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/bot-detection/client-result", handler.Handle)

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/bot-detection/client-result", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Chrome/138.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestClientResult_MismatchPublishesValidation(t *testing.T) {
	handler, captured := newTestHandler(t)

	body := map[string]any{
		"timestamp": "2026-08-01T12:00:00Z",
		"serverDetection": map[string]string{
			"isBot":       "True",
			"probability": "0.75",
		},
		"clientChecks": map[string]any{
			"hasCanvas":           true,
			"hasWebGL":            true,
			"hasAudioContext":     true,
			"pluginCount":         3,
			"hardwareConcurrency": 8,
		},
		"userAgent": "Mozilla/5.0",
		"referrer":  "https://example.com/",
	}
	w := performClientResult(t, handler, body)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])

	require.True(t, captured.published, "expected a ClientSideValidation event")
	require.Equal(t, 0.0, captured.clientScore)
	require.True(t, captured.mismatch, "server said bot, client looks human")
	require.True(t, captured.serverIsBot)
	require.Equal(t, 0.75, captured.serverProb)
}

func TestClientResult_MalformedBodyIs400(t *testing.T) {
	handler, captured := newTestHandler(t)

	w := performClientResult(t, handler, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if captured.published {
		t.Error("malformed body must not publish events")
	}
}

func TestClientResult_BadTimestampIs400(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := map[string]any{
		"timestamp":       "yesterday",
		"serverDetection": map[string]string{"isBot": "False", "probability": "0.1"},
		"clientChecks":    map[string]any{},
	}
	w := performClientResult(t, handler, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
