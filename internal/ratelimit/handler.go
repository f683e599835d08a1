package ratelimit

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	URL        string    `json:"url"`
	StatusCode int       `json:"statusCode"` // HTTP status code (403, 429, 509)
	Count      int       `json:"count"`      // Number of rate limit responses seen so far
}

// Handler observes provider responses for rate limit indicators.
// It does not delay requests itself; pacing is left to the retry strategy.
type Handler struct {
	mu          sync.Mutex
	count       int
	last        *RateLimitEvent
	onRateLimit func(event RateLimitEvent)
	log         *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{log: log}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// IsRateLimitStatus reports whether a status code signals throttling
func IsRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusForbidden || // 403
		status == 509 // Bandwidth Limit Exceeded
}

// CheckStatus records a rate limit event when status signals throttling
func (h *Handler) CheckStatus(url string, status int) bool {
	if !IsRateLimitStatus(status) {
		return false
	}

	h.mu.Lock()
	h.count++
	event := RateLimitEvent{
		Timestamp:  time.Now(),
		URL:        url,
		StatusCode: status,
		Count:      h.count,
	}
	h.last = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	h.log.Warn("Provider rate limited request",
		slog.String("url", url),
		slog.Int("status", status),
		slog.Int("count", event.Count))

	if callback != nil {
		callback(event)
	}
	return true
}

// Count returns the number of rate limit responses observed
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// LastEvent returns a copy of the most recent rate limit event, or nil
func (h *Handler) LastEvent() *RateLimitEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last == nil {
		return nil
	}
	eventCopy := *h.last
	return &eventCopy
}
