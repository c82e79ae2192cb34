package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (a *API) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// recovery turns panics into a 500 without leaking the panic value to the client.
func (a *API) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error().
					Str(requestIDKey, c.GetString(requestIDKey)).
					Interface("panic", r).
					Msg("panic recovered")
				writeError(c, http.StatusInternalServerError, errors.New("panic"))
			}
		}()
		c.Next()
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info().
			Str(requestIDKey, c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Manager-PIN, Idempotency-Key")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Set("Vary", "Origin")

		if c.Request.Method == http.MethodPost {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireAuth resolves the bearer token into the request principal.
func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		principal, err := a.tokens.Parse(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// requireManagerPIN guards reversals behind the X-Manager-PIN header.
// Attempts are limited per client address and action.
func (a *API) requireManagerPIN(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(c.Request)) {
			writeError(c, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if a.managerPIN == nil || !a.managerPIN.Enabled() {
			writeError(c, http.StatusForbidden, errors.New("manager pin is not configured"))
			return
		}
		if !a.managerPIN.Verify(c.GetHeader("X-Manager-PIN")) {
			writeError(c, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		c.Next()
	}
}
