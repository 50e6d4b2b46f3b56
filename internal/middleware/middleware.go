// Package middleware adapts the hosting HTTP layer to the detection core:
// it builds the HttpRequestCtx and Blackboard, invokes the orchestrator for
// the path's detection policy, applies the resolved Action, decorates the
// response headers, and publishes the post-request learning outcome.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/orchestrator"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/shadow"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/pkg/models"
)

// GeoLookup enriches the request with a best-effort geo result. Optional;
// failures yield a nil GeoInfo (fail open).
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) *models.GeoInfo
}

// Gateway is the per-request detection middleware. One instance serves the
// whole process; all per-request state is local.
type Gateway struct {
	factory       *signature.Factory
	engine        *policy.Engine
	orchestrators map[string]*orchestrator.Orchestrator // detection policy name -> pipeline
	limiter       *Limiter
	geo           GeoLookup
	shadow        *shadow.Runner
	log           zerolog.Logger

	botThreshold  float64
	requestBudget time.Duration
	callbackURL   string
}

// New assembles the middleware. orchestrators must contain one entry per
// detection policy name the engine can resolve.
func New(
	factory *signature.Factory,
	engine *policy.Engine,
	orchestrators map[string]*orchestrator.Orchestrator,
	geo GeoLookup,
	botThreshold float64,
	requestBudget time.Duration,
	callbackURL string,
	log zerolog.Logger,
) *Gateway {
	if requestBudget <= 0 {
		requestBudget = 200 * time.Millisecond
	}
	return &Gateway{
		factory:       factory,
		engine:        engine,
		orchestrators: orchestrators,
		limiter:       NewLimiter(),
		geo:           geo,
		log:           log,
		botThreshold:  botThreshold,
		requestBudget: requestBudget,
		callbackURL:   callbackURL,
	}
}

// AttachShadow enables shadow-policy mirroring (optional).
func (g *Gateway) AttachShadow(r *shadow.Runner) { g.shadow = r }

// Handler returns the gin middleware. Requests it lets through continue to
// the next handler (the upstream proxy or the local app); rejected
// requests are answered here and aborted.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		req := buildRequestCtx(c)

		dctx, cancel := context.WithTimeout(c.Request.Context(), g.requestBudget)
		defer cancel()

		if g.geo != nil && req.Geo == nil {
			req.Geo = g.geo.Lookup(dctx, req.RemoteIP)
		}

		sig := g.factory.Build(req)

		adapterSignals := map[string]any{
			"signature.primary":      sig.PrimarySignature,
			"signature.factor_count": float64(sig.FactorCount),
		}
		if req.Geo != nil && req.Geo.CountryCode != "" {
			adapterSignals[models.SignalGeoCountryCode] = req.Geo.CountryCode
		}

		bb := blackboard.New()
		for k, v := range adapterSignals {
			bb.Set(k, v)
		}

		dp := g.engine.DetectionPolicyFor(req.Path)
		orch, ok := g.orchestrators[dp.Name]
		if !ok {
			// Startup validation makes this unreachable; defend anyway.
			g.log.Error().Str("policy", dp.Name).Msg("no pipeline for resolved policy, allowing request")
			c.Next()
			return
		}

		evidence := orch.Run(dctx, bb, req)
		if g.shadow != nil {
			g.shadow.Observe(dctx, req, adapterSignals, evidence)
		}
		action, actionName := g.engine.Resolve(dp, evidence)

		evidence.PolicyName = dp.Name
		evidence.TriggeredActionPolicyName = actionName
		evidence.PolicyAction = &action
		if evidence.DeadlineExceed && evidence.PolicyActionReason == "" {
			evidence.PolicyActionReason = "deadline"
		}

		requestID := uuid.NewString()
		g.writeHeaders(c, evidence, action, requestID, time.Since(started))
		metrics.RequestsTotal.WithLabelValues(string(action.ActionName())).Inc()

		blocked := g.apply(c, action, sig)
		if !blocked {
			c.Next()
		}

		// Post-response: response-behavior detectors + the learning event.
		bb.Set("response.status", float64(c.Writer.Status()))
		bb.Set("response.bytes", float64(c.Writer.Size()))
		orch.RunResponsePath(dctx, bb, req, evidence)
		orch.Complete(evidence, bb, req, sig)

		g.logVerdict(evidence, sig, req, time.Since(started))
	}
}

// apply enforces action on the response. Returns true when the request was
// answered here (aborted), false when it should continue upstream.
func (g *Gateway) apply(c *gin.Context, action models.Action, sig models.MultiFactorSignature) bool {
	switch a := action.(type) {
	case models.Allow, models.LogOnly:
		return false

	case models.Throttle:
		allowed, retryAfter := g.limiter.Allow(sig.PrimarySignature, a.MaxRequests, a.WindowSeconds)
		if allowed {
			return false
		}
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate limit exceeded",
			"retryAfter": retryAfter.Seconds(),
		})
		return true

	case models.Challenge:
		// The challenge content itself is served by the client-side layer;
		// the core only signals which kind is required.
		c.Header("X-Bot-Challenge", string(a.Kind))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"challenge": string(a.Kind),
			"callback":  g.callbackURL,
		})
		return true

	case models.Redirect:
		status := a.StatusCode
		if status == 0 {
			status = http.StatusFound
		}
		c.Redirect(status, a.TargetURL)
		c.Abort()
		return true

	case models.Block:
		status := a.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		body := a.Body
		if body == "" {
			body = "request blocked"
		}
		c.String(status, body)
		c.Abort()
		return true
	}
	return false
}

// buildRequestCtx snapshots the gin request into the read-only adapter
// shape detectors consume.
func buildRequestCtx(c *gin.Context) *models.HttpRequestCtx {
	headers := make(models.Header, len(c.Request.Header))
	for k, v := range c.Request.Header {
		headers[k] = v
	}

	req := &models.HttpRequestCtx{
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		Headers:      headers,
		RemoteIP:     c.ClientIP(),
		LocalIP:      c.Request.Host,
		Protocol:     c.Request.Proto,
		ConnectionID: connectionID(c),
		BytesIn:      c.Request.ContentLength,
		ReceivedAt:   time.Now(),
	}

	if tls := c.Request.TLS; tls != nil {
		req.TLS = &models.TLSInfo{
			Version:       tlsVersionName(tls.Version),
			HasClientCert: len(tls.PeerCertificates) > 0,
			CipherSuite:   strconv.Itoa(int(tls.CipherSuite)),
			ALPN:          tls.NegotiatedProtocol,
		}
	}
	return req
}

func tlsVersionName(v uint16) string {
	switch v {
	case 0x0301:
		return "TLS1.0"
	case 0x0302:
		return "TLS1.1"
	case 0x0303:
		return "TLS1.2"
	case 0x0304:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

func connectionID(c *gin.Context) string {
	// gin exposes no connection identity; a random id per request is enough
	// for log correlation.
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return strconv.FormatUint(binary.BigEndian.Uint64(b[:]), 16)
}

// writeHeaders emits the fixed optional response-header set.
func (g *Gateway) writeHeaders(c *gin.Context, evidence *models.AggregatedEvidence, action models.Action, requestID string, elapsed time.Duration) {
	isBot := evidence.IsBot(g.botThreshold)
	c.Header("X-Bot-Detection", strconv.FormatBool(isBot))
	c.Header("X-Bot-Probability", fmt.Sprintf("%.2f", evidence.BotProbability))
	if evidence.PrimaryBotName != "" {
		c.Header("X-Bot-Name", evidence.PrimaryBotName)
	}
	if evidence.PrimaryBotType != "" && evidence.PrimaryBotType != models.BotTypeUnknown {
		c.Header("X-Bot-Type", botTypeHeader(evidence.PrimaryBotType))
	}
	if g.callbackURL != "" {
		c.Header("X-Bot-Detection-Callback-Url", g.callbackURL)
	}
	c.Header("X-Bot-Detection-Reasons", reasonsJSON(evidence))
	c.Header("X-Bot-Detection-Contributions", contributionsJSON(evidence))
	c.Header("X-Bot-Detection-RiskBand", string(evidence.RiskBand))
	c.Header("X-Bot-Detection-Action", string(action.ActionName()))
	c.Header("X-Bot-Detection-ProcessingMs", fmt.Sprintf("%.2f", float64(elapsed.Microseconds())/1000.0))
	c.Header("X-Bot-Detection-RequestId", requestID)
}

// botTypeHeader renders the enum in the wire casing clients expect.
func botTypeHeader(t models.BotType) string {
	switch t {
	case models.BotTypeVerifiedBot:
		return "VerifiedBot"
	case models.BotTypeGoodBot:
		return "GoodBot"
	case models.BotTypeBadBot:
		return "BadBot"
	case models.BotTypeScanner:
		return "Scanner"
	case models.BotTypeScraper:
		return "Scraper"
	case models.BotTypeAutomation:
		return "Automation"
	case models.BotTypeHumanLike:
		return "HumanLike"
	default:
		return string(t)
	}
}

func (g *Gateway) logVerdict(evidence *models.AggregatedEvidence, sig models.MultiFactorSignature, req *models.HttpRequestCtx, elapsed time.Duration) {
	// Zero-PII: hashed signature only, never the raw IP/UA.
	event := g.log.Info()
	if evidence.IsBot(g.botThreshold) {
		event = g.log.Warn()
	}
	event.
		Str("sig", sig.PrimarySignature).
		Str("path", req.Path).
		Str("method", req.Method).
		Float64("probability", evidence.BotProbability).
		Float64("confidence", evidence.Confidence).
		Str("band", string(evidence.RiskBand)).
		Str("action", string(evidence.TriggeredActionPolicyName)).
		Dur("elapsed", elapsed).
		Msg("request classified")
}
