// Package api mounts the gateway's own HTTP surface: the client-result
// callback, health and metrics, the live dashboard websocket, and the
// bearer-token admin group (reputation, detections, stats).
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/shadow"
	"github.com/stylobot/gateway/internal/store"
	"github.com/stylobot/gateway/pkg/models"
)

// Deps bundles what the API surface needs from the composition root.
type Deps struct {
	ClientResult *ClientResultHandler
	Hub          *Hub
	Reputation   *reputation.Cache
	Signatures   *store.SignatureStore
	Bus          *learning.Bus
	Engine       *policy.Engine
	Shadow       *shadow.Runner
	AdminToken   string
	Log          zerolog.Logger
}

// Mount registers every gateway-owned route on r. The detection middleware
// itself is mounted by the composition root before the proxy handler, not
// here; these routes are the gateway's own surface and bypass detection.
func Mount(r *gin.Engine, d Deps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if d.ClientResult != nil {
		r.POST("/api/bot-detection/client-result", d.ClientResult.Handle)
	}
	if d.Hub != nil {
		r.GET("/ws/dashboard", d.Hub.Subscribe)
	}

	admin := r.Group("/admin", AuthMiddleware(d.AdminToken, d.Log))
	h := &adminHandlers{deps: d}
	admin.GET("/stats", h.stats)
	admin.GET("/policies", h.policies)
	admin.GET("/reputation/:signature", h.reputationGet)
	admin.POST("/reputation/:signature/block", h.reputationBlock)
	admin.GET("/detections", h.detections)
	admin.GET("/shadow", h.shadowReport)
}

type adminHandlers struct {
	deps Deps
}

func (h *adminHandlers) stats(c *gin.Context) {
	out := gin.H{}
	if h.deps.Reputation != nil {
		out["reputationEntries"] = h.deps.Reputation.Len()
	}
	if h.deps.Bus != nil {
		out["learningQueueDepth"] = h.deps.Bus.QueueDepth()
	}
	c.JSON(http.StatusOK, out)
}

func (h *adminHandlers) policies(c *gin.Context) {
	if h.deps.Engine == nil {
		c.JSON(http.StatusOK, gin.H{"policies": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": h.deps.Engine.DetectionPolicyNames()})
}

func (h *adminHandlers) reputationGet(c *gin.Context) {
	if h.deps.Reputation == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reputation cache not enabled"})
		return
	}
	sig := c.Param("signature")
	rec, ok := h.deps.Reputation.Lookup(sig)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown signature"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// reputationBlock is the admin path to the terminal ManuallyBlocked state.
func (h *adminHandlers) reputationBlock(c *gin.Context) {
	if h.deps.Reputation == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reputation cache not enabled"})
		return
	}
	sig := c.Param("signature")
	h.deps.Reputation.ManualBlock(sig, time.Now().UTC())
	rec, _ := h.deps.Reputation.Lookup(sig)
	c.JSON(http.StatusOK, gin.H{"signature": sig, "status": rec.Status})
}

func (h *adminHandlers) shadowReport(c *gin.Context) {
	if h.deps.Shadow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no shadow policy configured"})
		return
	}
	c.JSON(http.StatusOK, h.deps.Shadow.Evaluate())
}

func (h *adminHandlers) detections(c *gin.Context) {
	if h.deps.Signatures == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signature store not enabled"})
		return
	}

	to := time.Now().UTC()
	from := to.Add(-time.Hour)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = parsed
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = parsed
	}

	records, err := h.deps.Signatures.ScanRange(c.Request.Context(), from, to, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan failed"})
		return
	}
	if records == nil {
		records = []models.DetectionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"detections": records, "count": len(records)})
}
