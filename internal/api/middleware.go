// Package api implements the HTTP surface of spec §6: health/readiness,
// metrics export, the chat and command endpoints, the approval queue, system
// status, and the inbound messenger webhook. Routing is gin-gonic; every
// authenticated route is gated by the admission layer (internal/admission)
// wired in as gin middleware.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"halcyon/internal/admission"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/logging"
	"halcyon/internal/observability"
)

const principalContextKey = "halcyon.principal"
const developmentContextKey = "halcyon.development"

// environmentMiddleware stamps the development flag onto every request's
// context so writeError can redact Internal errors at the boundary (spec
// §7) regardless of which handler or middleware raised them.
func environmentMiddleware(development bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(developmentContextKey, development)
		c.Next()
	}
}

// correlationMiddleware assigns or propagates X-Request-Id (P11) and stamps
// it onto the request context so every downstream log line shares it.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := admission.CorrelationIDFromRequest(c.Request)
		c.Header("X-Request-Id", id)
		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Set("correlation_id", id)
		c.Next()
	}
}

// authMiddleware enforces the bearer-credential contract of spec §4.9 on
// every route it wraps; webhook routes use signature auth instead and never
// get this middleware.
func authMiddleware(credentials admission.CredentialStore, clock interface{ Now() time.Time }) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := admission.BearerToken(c.Request)
		if !ok {
			writeError(c, halerrors.New(halerrors.Unauthorized, "missing bearer credential", nil))
			c.Abort()
			return
		}
		principal, err := credentials.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		_ = credentials.TouchLastSeen(c.Request.Context(), principal, clock.Now())
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// rateLimitMiddleware enforces the per-remote-address token bucket of
// spec §4.9, returning 429 with Retry-After on rejection.
func rateLimitMiddleware(limiter *admission.RateLimiter, onRejected func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := limiter.Allow(c.ClientIP(), time.Now())
		if !allowed {
			if onRejected != nil {
				onRejected()
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(c, halerrors.New(halerrors.RateLimited, "rate limit exceeded", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

// metricsMiddleware records request counts and latency per route (spec §6
// /metrics/prometheus).
func metricsMiddleware(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, statusClass(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// principalFromContext retrieves the authenticated caller set by authMiddleware.
func principalFromContext(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return domain.ZeroID, false
	}
	id, ok := v.(domain.UserID)
	return id, ok
}

// writeError maps a core error onto spec §7's HTTP status/body contract,
// redacting Internal-kind errors outside development so no internal detail
// leaks to clients in production.
func writeError(c *gin.Context, err error) {
	redacted := halerrors.Redact(err, c.GetBool(developmentContextKey))
	status := statusForKind(redacted.Kind)
	body := gin.H{
		"error":          redacted.Kind.String(),
		"message":        redacted.Error(),
		"correlation_id": c.GetString("correlation_id"),
	}
	c.JSON(status, body)
}

func statusForKind(k halerrors.Kind) int {
	switch k {
	case halerrors.Validation:
		return http.StatusBadRequest
	case halerrors.Unauthorized:
		return http.StatusUnauthorized
	case halerrors.Forbidden:
		return http.StatusForbidden
	case halerrors.NotFound:
		return http.StatusNotFound
	case halerrors.Conflict:
		return http.StatusConflict
	case halerrors.RateLimited:
		return http.StatusTooManyRequests
	case halerrors.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case halerrors.UpstreamError:
		return http.StatusBadGateway
	case halerrors.Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
