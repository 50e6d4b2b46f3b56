package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/pkg/models"
)

// clientResultRequest is the body the client-side script POSTs back. The
// string-encoded booleans/floats under serverDetection mirror what the
// script echoes from the response headers.
type clientResultRequest struct {
	Timestamp       string `json:"timestamp"`
	ServerDetection struct {
		IsBot       string `json:"isBot"`
		Probability string `json:"probability"`
	} `json:"serverDetection"`
	ClientChecks struct {
		HasCanvas           bool `json:"hasCanvas"`
		HasWebGL            bool `json:"hasWebGL"`
		HasAudioContext     bool `json:"hasAudioContext"`
		PluginCount         int  `json:"pluginCount"`
		HardwareConcurrency int  `json:"hardwareConcurrency"`
	} `json:"clientChecks"`
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referrer"`
}

// ClientValidationPublisher is the slice of the learning bus the callback
// endpoint needs.
type ClientValidationPublisher interface {
	PublishClientValidation(sig models.MultiFactorSignature, serverIsBot bool, serverProb, clientScore float64, mismatch bool)
}

// ClientResultHandler serves POST /api/bot-detection/client-result: it
// scores the browser capability report and publishes a ClientSideValidation
// learning event for every accepted report, flagged as a mismatch when the
// client-side picture disagrees with the server verdict.
type ClientResultHandler struct {
	factory *signature.Factory
	bus     ClientValidationPublisher
	log     zerolog.Logger
}

func NewClientResultHandler(factory *signature.Factory, bus ClientValidationPublisher, log zerolog.Logger) *ClientResultHandler {
	return &ClientResultHandler{factory: factory, bus: bus, log: log}
}

func (h *ClientResultHandler) Handle(c *gin.Context) {
	var req clientResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "malformed body: " + err.Error()})
		return
	}
	if req.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, req.Timestamp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "timestamp must be RFC3339"})
			return
		}
	}

	serverIsBot := strings.EqualFold(req.ServerDetection.IsBot, "true")
	serverProb, _ := strconv.ParseFloat(req.ServerDetection.Probability, 64)

	score := ClientBotScore(
		req.ClientChecks.HasCanvas,
		req.ClientChecks.HasWebGL,
		req.ClientChecks.HasAudioContext,
		req.ClientChecks.PluginCount,
		req.ClientChecks.HardwareConcurrency,
	)

	// The signature is rebuilt from this callback request itself, which
	// shares IP/UA with the original page load and therefore the primary
	// factor (carry-forward covers the rest).
	sig := h.factory.Build(requestCtxFromCallback(c))

	mismatch := serverIsBot && score < 0.3
	if mismatch {
		h.log.Warn().
			Str("sig", sig.PrimarySignature).
			Float64("serverProbability", serverProb).
			Float64("clientScore", score).
			Msg("client-side checks contradict server bot verdict")
	}

	if h.bus != nil {
		h.bus.PublishClientValidation(sig, serverIsBot, serverProb, score, mismatch)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "accepted",
		"message": "client result recorded",
	})
}

// ClientBotScore computes the canonical browser-capability score:
//
//	score = 0.30*!hasCanvas + 0.25*!hasWebGL + 0.15*!hasAudioContext
//	      + 0.10*(pluginCount==0) + 0.10*(hw==0) + 0.05*(hw>32)
//
// with a 0.20 credit when every positive check is present and 0 < hw <= 32,
// clamped to [0,1]. All positive checks with sane hardware concurrency must
// yield exactly 0.0.
func ClientBotScore(hasCanvas, hasWebGL, hasAudio bool, pluginCount, hw int) float64 {
	score := 0.0
	if !hasCanvas {
		score += 0.30
	}
	if !hasWebGL {
		score += 0.25
	}
	if !hasAudio {
		score += 0.15
	}
	if pluginCount == 0 {
		score += 0.10
	}
	if hw == 0 {
		score += 0.10
	}
	if hw > 32 {
		score += 0.05
	}
	if hasCanvas && hasWebGL && hasAudio && hw > 0 && hw <= 32 {
		score -= 0.20
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func requestCtxFromCallback(c *gin.Context) *models.HttpRequestCtx {
	headers := make(models.Header, len(c.Request.Header))
	for k, v := range c.Request.Header {
		headers[k] = v
	}
	return &models.HttpRequestCtx{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Headers:    headers,
		RemoteIP:   c.ClientIP(),
		Protocol:   c.Request.Proto,
		ReceivedAt: time.Now(),
	}
}
