package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
)

// Quota is a named per-client allowance. Front-desk terminals and
// self-service kiosks share the hospital's network, so limits are per
// client identity, not per IP alone.
type Quota struct {
	Name          string `json:"name"`
	PerMinute     int    `json:"per_minute"`
	PerDay        int    `json:"per_day"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// DefaultQuotas covers the three kinds of callers this API sees:
// interactive staff clients, patient-facing kiosks, and integrated
// hospital systems (lab, pharmacy) that poll in bulk.
func DefaultQuotas() []Quota {
	return []Quota{
		{Name: "standard", PerMinute: 120, PerDay: 20000, MaxConcurrent: 10},
		{Name: "kiosk", PerMinute: 30, PerDay: 2000, MaxConcurrent: 2},
		{Name: "integration", PerMinute: 600, PerDay: 200000, MaxConcurrent: 50},
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Quota      string
	Limit      int
	Remaining  int
	RetryAfter int
}

// ClientUsage is the admin-facing snapshot of one client's counters.
type ClientUsage struct {
	ClientID   string `json:"client_id"`
	Quota      string `json:"quota"`
	MinuteUsed int    `json:"minute_used"`
	DayUsed    int    `json:"day_used"`
	InFlight   int    `json:"in_flight"`
}

// clientWindow holds one client's counters. A single mutex guards the
// whole struct; contention per client is a handful of requests per
// second at most.
type clientWindow struct {
	mu          sync.Mutex
	minuteUsed  int
	dayUsed     int
	inFlight    int
	minuteEnds  time.Time
	dayEnds     time.Time
	lastTouched time.Time
}

func (w *clientWindow) roll(now time.Time) {
	if now.After(w.minuteEnds) {
		w.minuteUsed = 0
		w.minuteEnds = now.Add(time.Minute)
	}
	if now.After(w.dayEnds) {
		w.dayUsed = 0
		w.dayEnds = now.Add(24 * time.Hour)
	}
}

// ClientRateLimiter enforces named quotas per client identity.
type ClientRateLimiter struct {
	mu          sync.RWMutex
	quotas      map[string]Quota
	assignments map[string]string
	windows     map[string]*clientWindow
	now         func() time.Time
}

func NewClientRateLimiter() *ClientRateLimiter {
	l := &ClientRateLimiter{
		quotas:      make(map[string]Quota),
		assignments: make(map[string]string),
		windows:     make(map[string]*clientWindow),
		now:         time.Now,
	}
	for _, q := range DefaultQuotas() {
		l.quotas[q.Name] = q
	}
	return l
}

// Assign puts a client on a named quota. Unassigned clients use
// "standard".
func (l *ClientRateLimiter) Assign(clientID, quotaName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.quotas[quotaName]; !ok {
		return fmt.Errorf("unknown quota %q", quotaName)
	}
	l.assignments[clientID] = quotaName
	return nil
}

// QuotaFor resolves the client's quota, defaulting to "standard".
func (l *ClientRateLimiter) QuotaFor(clientID string) Quota {
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.assignments[clientID]
	if !ok {
		name = "standard"
	}
	return l.quotas[name]
}

// Quotas lists the registered quotas.
func (l *ClientRateLimiter) Quotas() []Quota {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Quota, 0, len(l.quotas))
	for _, q := range l.quotas {
		out = append(out, q)
	}
	return out
}

func (l *ClientRateLimiter) window(clientID string) *clientWindow {
	l.mu.RLock()
	w, ok := l.windows[clientID]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[clientID]; ok {
		return w
	}
	now := l.now()
	w = &clientWindow{minuteEnds: now.Add(time.Minute), dayEnds: now.Add(24 * time.Hour)}
	l.windows[clientID] = w
	return w
}

// Allow admits or rejects one request. On admission the in-flight
// gauge is raised; the caller must pair it with Release.
func (l *ClientRateLimiter) Allow(clientID string) Decision {
	q := l.QuotaFor(clientID)
	w := l.window(clientID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	w.lastTouched = now

	d := Decision{Quota: q.Name, Limit: q.PerMinute}
	switch {
	case q.MaxConcurrent > 0 && w.inFlight >= q.MaxConcurrent:
		d.RetryAfter = 1
	case w.minuteUsed >= q.PerMinute:
		d.RetryAfter = ceilSeconds(w.minuteEnds.Sub(now))
	case w.dayUsed >= q.PerDay:
		d.RetryAfter = ceilSeconds(w.dayEnds.Sub(now))
	default:
		w.minuteUsed++
		w.dayUsed++
		w.inFlight++
		d.Allowed = true
		d.Remaining = q.PerMinute - w.minuteUsed
	}
	return d
}

// Release lowers the in-flight gauge. Safe to call without a matching
// Allow; the gauge never goes negative.
func (l *ClientRateLimiter) Release(clientID string) {
	w := l.window(clientID)
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	w.mu.Unlock()
}

// Usage snapshots the client's counters for the admin endpoint.
func (l *ClientRateLimiter) Usage(clientID string) ClientUsage {
	q := l.QuotaFor(clientID)
	w := l.window(clientID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(l.now())
	return ClientUsage{
		ClientID:   clientID,
		Quota:      q.Name,
		MinuteUsed: w.minuteUsed,
		DayUsed:    w.dayUsed,
		InFlight:   w.inFlight,
	}
}

// Reset zeroes a client's counters, typically after a support call
// about a runaway kiosk.
func (l *ClientRateLimiter) Reset(clientID string) {
	w := l.window(clientID)
	now := l.now()
	w.mu.Lock()
	w.minuteUsed, w.dayUsed, w.inFlight = 0, 0, 0
	w.minuteEnds = now.Add(time.Minute)
	w.dayEnds = now.Add(24 * time.Hour)
	w.mu.Unlock()
}

func ceilSeconds(d time.Duration) int {
	s := int(d.Seconds()) + 1
	if s < 1 {
		return 1
	}
	return s
}

// ClientRateLimitMiddleware keys requests to the authenticated user
// when there is one, then the X-Client-ID header a kiosk or integration
// sends, then the caller's IP.
func ClientRateLimitMiddleware(limiter *ClientRateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID := resolveClientID(c)
			d := limiter.Allow(clientID)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			defer limiter.Release(clientID)
			return next(c)
		}
	}
}

func resolveClientID(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != uuid.Nil {
		return uid.String()
	}
	if h := c.Request().Header.Get("X-Client-ID"); h != "" {
		return h
	}
	return c.RealIP()
}

// RateLimitHandler exposes quota administration under /admin.
type RateLimitHandler struct {
	limiter *ClientRateLimiter
}

func NewRateLimitHandler(limiter *ClientRateLimiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

func (h *RateLimitHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/rate-limits/quotas", h.ListQuotas)
	g.GET("/rate-limits/clients/:id", h.GetClientUsage)
	g.PUT("/rate-limits/clients/:id/quota", h.AssignQuota)
	g.POST("/rate-limits/clients/:id/reset", h.ResetClient)
}

func (h *RateLimitHandler) ListQuotas(c echo.Context) error {
	return c.JSON(http.StatusOK, h.limiter.Quotas())
}

func (h *RateLimitHandler) GetClientUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, h.limiter.Usage(c.Param("id")))
}

func (h *RateLimitHandler) AssignQuota(c echo.Context) error {
	var body struct {
		Quota string `json:"quota"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := h.limiter.Assign(c.Param("id"), body.Quota); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"client_id": c.Param("id"),
		"quota":     body.Quota,
	})
}

func (h *RateLimitHandler) ResetClient(c echo.Context) error {
	h.limiter.Reset(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]string{
		"client_id": c.Param("id"),
		"status":    "reset",
	})
}
