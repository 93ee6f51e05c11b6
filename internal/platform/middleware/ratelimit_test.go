package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestSlidingWindow_AllowsUpToMax(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Max: 3, Window: 60 * time.Second})
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := store.allow("patient-1", now.Add(time.Duration(i)*time.Second))
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := store.allow("patient-1", now.Add(3*time.Second))
	if ok {
		t.Fatal("4th request within the window should be rejected")
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("retry-after out of bounds: %d", retryAfter)
	}
}

func TestSlidingWindow_RetryAfterMatchesOldest(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Max: 2, Window: 60 * time.Second})
	now := time.Now()

	store.allow("p", now)
	store.allow("p", now.Add(10*time.Second))

	// At now+20s the oldest stamp expires at now+60s, so retry-after is 40s.
	ok, retryAfter := store.allow("p", now.Add(20*time.Second))
	if ok {
		t.Fatal("expected rejection")
	}
	if retryAfter != 40 {
		t.Errorf("expected retry-after 40, got %d", retryAfter)
	}
}

func TestSlidingWindow_EdgeIsOutsideWindow(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Max: 1, Window: 60 * time.Second})
	now := time.Now()

	if ok, _ := store.allow("p", now); !ok {
		t.Fatal("first request should be allowed")
	}
	// A request at exactly oldest+W must treat the oldest stamp as expired.
	if ok, _ := store.allow("p", now.Add(60*time.Second)); !ok {
		t.Fatal("request at exactly oldest+window should be allowed")
	}
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Now()

	if ok, _ := store.allow("a", now); !ok {
		t.Fatal("first request for a should pass")
	}
	if ok, _ := store.allow("b", now); !ok {
		t.Fatal("first request for b should pass")
	}
	if ok, _ := store.allow("a", now.Add(time.Second)); ok {
		t.Fatal("second request for a should be rejected")
	}
}

func TestSlidingWindow_ConcurrentNeverOvergrants(t *testing.T) {
	const max = 10
	store := newRateLimiterStore(RateLimitConfig{Max: max, Window: time.Minute})
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.allow("p", now); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != max {
		t.Errorf("expected exactly %d grants, got %d", max, granted)
	}
}

func TestRateLimit_Middleware(t *testing.T) {
	e := echo.New()
	rejected := 0
	mw := RateLimit(RateLimitConfig{
		Max:    2,
		Window: time.Minute,
		KeyFunc: func(c echo.Context) string {
			return c.Request().Header.Get("X-Subject")
		},
		OnReject: func(key string, retryAfter int) {
			rejected++
		},
	})
	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	do := func(subject string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if subject != "" {
			req.Header.Set("X-Subject", subject)
		}
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		return rec
	}

	if rec := do("1"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := do("1"); rec.Code != http.StatusOK {
		t.Fatalf("second request: expected 200, got %d", rec.Code)
	}

	rec := do("1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", rec.Code)
	}
	if rejected != 1 {
		t.Errorf("expected 1 reject callback, got %d", rejected)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("invalid Retry-After header: %q", rec.Header().Get("Retry-After"))
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded category, got %v", body["error"])
	}
	if _, ok := body["retryAfterSeconds"]; !ok {
		t.Error("expected retryAfterSeconds field in body")
	}

	// Requests without a key are exempt.
	for i := 0; i < 5; i++ {
		if rec := do(""); rec.Code != http.StatusOK {
			t.Fatalf("unkeyed request %d: expected 200, got %d", i, rec.Code)
		}
	}
}
