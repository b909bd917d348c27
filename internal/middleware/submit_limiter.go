package middleware

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// SubmitLimiter applies a per-requester token bucket to the job submit
// endpoint, so one noisy client cannot saturate the worker pool for
// everyone. Requesters are keyed by the X-Requester-ID header, falling back
// to client IP.
type SubmitLimiter struct {
	mu       sync.Mutex
	limiters map[string]*requesterLimiter
	rate     rate.Limit
	burst    int
}

type requesterLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSubmitLimiter creates a limiter allowing perMinute submissions with
// the given burst per requester. Idle entries are reaped in the background.
func NewSubmitLimiter(perMinute, burst int) *SubmitLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}

	l := &SubmitLimiter{
		limiters: make(map[string]*requesterLimiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}

	go l.cleanupLoop()
	return l
}

// Handler returns the fiber middleware.
func (l *SubmitLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-Requester-ID")
		if key == "" {
			key = c.IP()
		}

		if !l.allow(key) {
			log.Printf("⚠️ [LIMITER] Requester %s over submit budget", key)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "submit rate limit exceeded, slow down",
			})
		}
		return c.Next()
	}
}

func (l *SubmitLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &requesterLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanupLoop drops limiters idle for more than 10 minutes.
func (l *SubmitLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}
