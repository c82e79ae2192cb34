package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ledgerpos/backend/internal/auth"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/sales"
	"ledgerpos/backend/internal/store"
)

const (
	principalKey = "principal"
	requestIDKey = "request_id"
	maxBodyBytes = 1 << 20
)

type API struct {
	sales         *sales.Service
	tokens        *auth.TokenManager
	managerPIN    *auth.PINVerifier
	allowedOrigin string
	pinLimiter    *attemptLimiter
	log           zerolog.Logger
}

func New(svc *sales.Service, tokens *auth.TokenManager, managerPIN *auth.PINVerifier, allowedOrigin string, logger zerolog.Logger) *API {
	return &API{
		sales:         svc,
		tokens:        tokens,
		managerPIN:    managerPIN,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		log:           logger.With().Str("component", "httpapi").Logger(),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(a.requestID(), a.recovery(), a.requestLogger(), a.securityHeaders())
	r.NoRoute(func(c *gin.Context) { writeError(c, http.StatusNotFound, errors.New("route not found")) })
	r.NoMethod(func(c *gin.Context) { writeError(c, http.StatusMethodNotAllowed, errors.New("method not allowed")) })

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1", a.requireAuth())

	v1.POST("/sales", a.handleCreateSale)
	v1.POST("/sales/preview", a.handlePreviewSale)
	v1.GET("/sales/:id", a.handleGetReceipt)
	v1.POST("/sales/:id/void", a.requireManagerPIN("void"), a.handleVoidSale)
	v1.POST("/refunds", a.requireManagerPIN("refund"), a.handleRefund)

	v1.POST("/parked", a.handleParkSale)
	v1.GET("/parked", a.handleListParked)
	v1.POST("/parked/:id/recall", a.handleRecallSale)

	v1.POST("/shifts", a.handleOpenShift)
	v1.GET("/shifts/:id", a.handleGetShift)
	v1.POST("/shifts/:id/close", a.handleCloseShift)
	v1.POST("/shifts/:id/cash", a.handleCashMovement)

	v1.GET("/stock", a.handleStockLevel)
	v1.GET("/stock/availability", a.handleAvailability)
	v1.GET("/stock/ledger", a.handleLedger)
	v1.GET("/stock/verify", a.handleVerifyStock)
	v1.POST("/stock/rebuild", a.handleRebuildStock)
	v1.POST("/stock/receive", a.handleReceiveStock)
	v1.POST("/stock/adjust", a.handleAdjustStock)
	v1.POST("/stock/count", a.handleCountStock)
	v1.POST("/stock/transfer", a.handleTransferStock)

	return r
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func principalFrom(c *gin.Context) domain.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(domain.Principal)
	return principal
}

// decodeJSON rejects unknown fields so a typo in a money field is an error, not a zero.
func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps service and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, sales.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrLedgerMismatch):
		return http.StatusConflict
	case sales.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error().Err(err).Str(requestIDKey, c.GetString(requestIDKey)).Str("path", c.FullPath()).Msg("request failed")
	}
	writeError(c, status, err)
}

func writeError(c *gin.Context, status int, err error) {
	// 5xx bodies never carry internal details.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	body := gin.H{"error": msg}
	var lineErr *sales.LineError
	if status < 500 && errors.As(err, &lineErr) {
		body["line"] = lineErr
	}
	c.AbortWithStatusJSON(status, body)
}
