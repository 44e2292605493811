package auth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(1000, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("test-key") {
			t.Errorf("Allow() should return true for request %d (within burst)", i)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := NewRateLimiter(0.1, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed (burst)")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be blocked (over limit)")
	}
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	limiter := NewRateLimiter(0.1, 2)

	limiter.Allow("key1")
	limiter.Allow("key1")

	if !limiter.Allow("key2") {
		t.Error("key2's first request should be allowed")
	}
	if !limiter.Allow("key2") {
		t.Error("key2's second request should be allowed")
	}
}

func TestRateLimiter_CleanupResetsState(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)

	limiter.Allow("key")
	if limiter.Allow("key") {
		t.Fatal("second request should be blocked before cleanup")
	}

	limiter.Cleanup(time.Hour)
	if !limiter.Allow("key") {
		t.Error("request after Cleanup() should be allowed again")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(10000, 100)
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			limiter.Allow("key-" + string(rune('0'+i%10)))
		}(i)
	}
	wg.Wait()
}

func TestRateLimitMiddleware_KeyedByToken(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(tokenID string) int {
		req := httptest.NewRequest(http.MethodPost, "/execute", nil)
		if tokenID != "" {
			ctx := WithContext(req.Context(), &AuthContext{
				Type:  AuthTypeToken,
				Token: &Token{ID: tokenID, Scope: ScopeExecute},
			})
			req = req.WithContext(ctx)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := serve("wld_aaa"); got != http.StatusOK {
		t.Errorf("first request status = %d, want 200", got)
	}
	if got := serve("wld_aaa"); got != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", got)
	}
	// A different token has its own bucket.
	if got := serve("wld_bbb"); got != http.StatusOK {
		t.Errorf("other token status = %d, want 200", got)
	}
}

func TestRateLimitMiddleware_RetryAfterHeader(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/execute", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response should carry Retry-After")
	}
}
