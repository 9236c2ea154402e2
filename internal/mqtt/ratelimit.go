package mqtt

import (
	"log/slog"
	"sync"
	"time"
)

// messageRateLimiter admits at most limit inbound messages per fixed
// window. A misbehaving management tool flooding the config topic must
// not starve the device loop.
type messageRateLimiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	logger   *slog.Logger

	windowStart time.Time
	count       int
	dropped     int
}

func newMessageRateLimiter(limit int, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// allow counts a message arriving at now and reports whether it is
// within the current window's limit. Drops from the previous window are
// logged when a new window starts.
func (r *messageRateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.windowStart) >= r.interval {
		if r.dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", r.count,
				"dropped", r.dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
		r.windowStart = now
		r.count = 0
		r.dropped = 0
	}

	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}
