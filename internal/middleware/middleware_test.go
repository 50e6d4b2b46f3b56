package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stylobot/gateway/internal/config"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/internal/orchestrator"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/pkg/models"
)

// buildTestGateway wires the full pipeline the way cmd/gateway does, minus
// the durable stores and learning bus.
func buildTestGateway(t *testing.T) (*Gateway, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h, err := hasher.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	factory, err := signature.New(h, 128)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.PathPolicies = map[string]string{"/sitemap.xml": "allowVerifiedBots"}
	allowBots := *cfg.Policies["default"]
	allowBots.Name = "allowVerifiedBots"
	exceeds := 0.85
	allowBots.Transitions = []models.Transition{
		{WhenRiskExceeds: &exceeds, ActionPolicyName: "block"},
	}
	cfg.Policies["allowVerifiedBots"] = &allowBots

	reg := detectors.NewRegistry(detectors.Ports{RateTracker: detectors.NewRateTracker(time.Minute)}, nil)

	actions := make(map[string]models.Action, len(cfg.ActionPolicies))
	for name, ap := range cfg.ActionPolicies {
		actions[name] = ap.ToAction()
	}
	engine, err := policy.New(cfg.Policies, actions, cfg.PathPolicies, cfg.DefaultPolicyName, cfg.DefaultActionPolicyName)
	if err != nil {
		t.Fatal(err)
	}

	orchestrators := make(map[string]*orchestrator.Orchestrator, len(cfg.Policies))
	for name, dp := range cfg.Policies {
		o, err := orchestrator.FromPolicy(reg, dp, 4, logging.Nop())
		if err != nil {
			t.Fatal(err)
		}
		orchestrators[name] = o
	}

	gw := New(factory, engine, orchestrators, nil, cfg.BotThreshold, time.Second, "", logging.Nop())

	r := gin.New()
	r.Use(gw.Handler())
	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusOK, "upstream ok")
	})
	return gw, r
}

func perform(r *gin.Engine, method, path, ua, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("X-Forwarded-For", ip)
	req.RemoteAddr = ip + ":44321"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// Scenario 1: verified crawler passes low-risk.
func TestScenario_VerifiedCrawlerAllowed(t *testing.T) {
	_, r := buildTestGateway(t)

	ua := "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	w := perform(r, http.MethodGet, "/sitemap.xml", ua, "66.249.66.1", map[string]string{
		"Accept":          "text/html",
		"Accept-Language": "en-US",
		"Accept-Encoding": "gzip",
		"Connection":      "keep-alive",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (allowed); body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Bot-Type"); got != "VerifiedBot" {
		t.Errorf("X-Bot-Type = %q, want VerifiedBot", got)
	}
	prob, err := strconv.ParseFloat(w.Header().Get("X-Bot-Probability"), 64)
	if err != nil || prob > 0.3 {
		t.Errorf("X-Bot-Probability = %q, want <= 0.3", w.Header().Get("X-Bot-Probability"))
	}
	if name := w.Header().Get("X-Bot-Name"); !strings.Contains(name, "Google") {
		t.Errorf("X-Bot-Name = %q, want to contain Google", name)
	}
	if action := w.Header().Get("X-Bot-Detection-Action"); action != "allow" && action != "log_only" {
		t.Errorf("action = %q, want allow", action)
	}
}

// Scenario 2: scanner is blocked with 403.
func TestScenario_ScannerBlocked(t *testing.T) {
	_, r := buildTestGateway(t)

	w := perform(r, http.MethodGet, "/admin/.git/config", "sqlmap/1.0", "52.1.2.3", nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "blocked") {
		t.Errorf("body = %q, want configured block text", body)
	}
	prob, _ := strconv.ParseFloat(w.Header().Get("X-Bot-Probability"), 64)
	if prob < 0.9 {
		t.Errorf("probability = %f, want >= 0.9", prob)
	}
	band := w.Header().Get("X-Bot-Detection-RiskBand")
	if band != string(models.RiskHigh) && band != string(models.RiskVeryHigh) {
		t.Errorf("risk band = %q, want high or very_high", band)
	}
	if action := w.Header().Get("X-Bot-Detection-Action"); action != "block" {
		t.Errorf("action = %q, want block", action)
	}
}

// Scenario 4: rate limit on same signature ends in Throttle.
func TestScenario_RateLimitThrottles(t *testing.T) {
	_, r := buildTestGateway(t)

	var last *httptest.ResponseRecorder
	sawThrottle := false
	for i := 0; i < 15; i++ {
		last = perform(r, http.MethodGet, "/api/data", "Mozilla/5.0", "203.0.113.7", nil)
		if last.Header().Get("X-Bot-Detection-Action") == "throttle" {
			sawThrottle = true
		}
	}
	if !sawThrottle {
		t.Errorf("expected throttle action by the 15th request; final action %q prob %s",
			last.Header().Get("X-Bot-Detection-Action"), last.Header().Get("X-Bot-Probability"))
	}
	prob, _ := strconv.ParseFloat(last.Header().Get("X-Bot-Probability"), 64)
	if prob < 0.6 {
		t.Errorf("final probability = %f, want >= 0.6", prob)
	}
}

func TestHeaders_AlwaysPresent(t *testing.T) {
	_, r := buildTestGateway(t)

	w := perform(r, http.MethodGet, "/", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36", "198.51.100.10", map[string]string{
		"Accept":          "text/html",
		"Accept-Language": "en-US",
		"Accept-Encoding": "gzip, deflate, br",
		"Connection":      "keep-alive",
		"Cookie":          "session=abc",
		"Referer":         "https://example.com/",
		"Sec-CH-UA":       `"Chromium";v="138", "Google Chrome";v="138"`,
	})

	for _, header := range []string{
		"X-Bot-Detection", "X-Bot-Probability", "X-Bot-Detection-RiskBand",
		"X-Bot-Detection-Action", "X-Bot-Detection-ProcessingMs", "X-Bot-Detection-RequestId",
		"X-Bot-Detection-Reasons", "X-Bot-Detection-Contributions",
	} {
		if w.Header().Get(header) == "" {
			t.Errorf("missing response header %s", header)
		}
	}
	if w.Code != http.StatusOK {
		t.Errorf("ordinary browser request status = %d, want 200", w.Code)
	}
}

func TestThrottleLimiter_Window(t *testing.T) {
	l := NewLimiter()
	allowedCount := 0
	for i := 0; i < 15; i++ {
		if ok, _ := l.Allow("sig", 10, 60); ok {
			allowedCount++
		}
	}
	if allowedCount != 10 {
		t.Errorf("allowed = %d, want exactly burst 10", allowedCount)
	}
}
