package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds sliding-window rate limiting configuration.
type RateLimitConfig struct {
	// Max requests allowed per key within Window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the limit key from the request. An empty key exempts
	// the request from limiting.
	KeyFunc func(c echo.Context) string
	// OnReject, when set, runs for every rejected request inside the same
	// critical section as the limit decision.
	OnReject func(key string, retryAfterSeconds int)
}

// slidingWindow tracks the recent request timestamps for one key.
type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// rateLimiterStore holds per-key sliding windows.
type rateLimiterStore struct {
	mu      sync.RWMutex
	windows map[string]*slidingWindow
	cfg     RateLimitConfig
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		windows: make(map[string]*slidingWindow),
		cfg:     cfg,
	}
}

func (s *rateLimiterStore) getWindow(key string) *slidingWindow {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = &slidingWindow{}
	s.windows[key] = w
	return w
}

// allow decides whether one more request for key fits into the window.
// The trim, the decision, the timestamp append and the reject callback all
// happen under the key's lock so concurrent requests observe a consistent
// window.
func (s *rateLimiterStore) allow(key string, now time.Time) (bool, int) {
	w := s.getWindow(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-s.cfg.Window)
	kept := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= s.cfg.Max {
		oldest := w.stamps[0]
		retryAfter := int(math.Ceil(oldest.Add(s.cfg.Window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		if s.cfg.OnReject != nil {
			s.cfg.OnReject(key, retryAfter)
		}
		return false, retryAfter
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

// RateLimit returns sliding-window rate limiting middleware. Requests whose
// KeyFunc yields an empty key pass through unlimited.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := ""
			if cfg.KeyFunc != nil {
				key = cfg.KeyFunc(c)
			}
			if key == "" {
				return next(c)
			}

			ok, retryAfter := store.allow(key, time.Now())
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":             "rate_limit_exceeded",
					"message":           "too many requests",
					"retryAfterSeconds": retryAfter,
				})
			}
			return next(c)
		}
	}
}
