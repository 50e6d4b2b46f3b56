package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuthMiddleware returns a gin middleware validating bearer tokens on the
// admin route group. An empty token allows all requests (dev mode); in
// production the composition root refuses to mount the admin group without
// one.
func AuthMiddleware(token string, log zerolog.Logger) gin.HandlerFunc {
	if token == "" {
		log.Warn().Msg("admin API token not set; admin endpoints are unauthenticated (dev mode only)")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
				"hint":  "use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
