package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/queryweaver/queryweaver/pkg/approval"
)

// notblank rejects strings that are only whitespace; "required" alone lets
// them through.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	}
}

const (
	headerRequestID = "X-Request-ID"
	headerSessionID = "X-Session-ID"
	headerRole      = "X-Role"
)

// requestID assigns each request an ID, honoring one supplied by the caller
// so gateways can correlate across hops.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// requestLogger logs one line per request. Streaming endpoints log on
// disconnect, which is their natural completion.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"))
	}
}

// rateLimited enforces the sliding-window limiter for one endpoint, keyed
// by user and tiered by role. Missing user falls back to the client IP so
// unauthenticated probes still share a budget.
func (s *Server) rateLimited(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Limiter == nil {
			c.Next()
			return
		}
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = c.ClientIP()
		}
		res, err := s.deps.Limiter.Check(c.Request.Context(), userID, endpoint, c.GetHeader(headerRole))
		if err != nil {
			// Limiter trouble must not take the API down.
			slog.Warn("Rate limiter check failed, allowing request",
				"endpoint", endpoint, "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if s.deps.RateLimited != nil {
				s.deps.RateLimited(endpoint)
			}
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}

// clientInfo captures the caller identity the approval subsystem binds
// decisions to.
func clientInfo(c *gin.Context, userID string) approval.ClientInfo {
	return approval.ClientInfo{
		SessionID: c.GetHeader(headerSessionID),
		UserID:    userID,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
