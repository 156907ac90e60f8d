package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	keyRequestID    = "request_id"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func recovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("handler panicked", "path", c.Request.URL.Path, "panic", recovered)
		abort(c, clierr.New(clierr.CodeInternal, "internal server error"))
	})
}

func requestMetrics(m *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.IncHTTPRequest(c.Request.Method, route, c.Writer.Status())
	}
}

func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(keyRequestID),
		)
	}
}

// jsonOnly rejects bodies that declare a non-JSON content type.
func jsonOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			ct := c.GetHeader("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, envelopeFor(c, nil,
					clierr.New(clierr.CodeUsage, "Content-Type must be application/json")))
				return
			}
		}
		c.Next()
	}
}
