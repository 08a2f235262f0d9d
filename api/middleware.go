package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// RequestLogger logs every request once it has been served and records its
// latency.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("request served")
	}
}

// Auth accepts either "Authorization: Bearer <key>" or "X-API-Key: <key>".
func Auth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if auth == "" {
				abort(c, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.Split(auth, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			key = parts[1]
		}

		if !cfg.ValidateAPIKey(key) {
			abort(c, http.StatusUnauthorized, "invalid API key")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: msg, Time: time.Now()})
}
