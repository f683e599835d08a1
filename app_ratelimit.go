package main

import (
	"log/slog"

	"himawari-mosaic/internal/ratelimit"
)

// setupRateLimitHandler reports provider throttling to telemetry.
// The handler only observes; retries keep their flat interval.
func (a *App) setupRateLimitHandler() {
	a.rateLimitHandler = ratelimit.NewHandler(a.log)
	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		// Warn the user once per run
		if event.Count == 1 {
			a.log.Warn("Himawari server is throttling requests, retries may be slow",
				slog.Int("status", event.StatusCode))
		}
		a.TrackEvent("rate_limited", map[string]interface{}{
			"status": event.StatusCode,
			"count":  event.Count,
		})
	})
}

// RateLimitCount returns the throttled responses seen during this run
func (a *App) RateLimitCount() int {
	if a.rateLimitHandler == nil {
		return 0
	}
	return a.rateLimitHandler.Count()
}
