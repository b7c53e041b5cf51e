package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

func TestAuthRateLimit_AllowsUnderLimit(t *testing.T) {
	store := newFakeRateStore()
	policy := NewAuthRateLimitPolicy("identify", time.Minute, 2, 2)
	handler := AuthRateLimit(policy, store, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !strings.Contains(string(body), `"identifier":"tester@example.com"`) {
			t.Fatalf("unexpected body: %s", string(body))
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pages/p/modal/identifier", strings.NewReader(`{"identifier":"tester@example.com"}`))
	req.RemoteAddr = "1.2.3.4:5678"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRateLimit_IdentifierLimitTriggers(t *testing.T) {
	store := newFakeRateStore()
	policy := NewAuthRateLimitPolicy("login", time.Minute, 0, 2)
	handler := AuthRateLimit(policy, store, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		// case and padding must not open a fresh bucket
		identifier := []string{"blocked@example.com", " Blocked@Example.com", "BLOCKED@example.com"}[i]
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pages/p/modal/password", strings.NewReader(`{"email":"`+identifier+`","password":"secret"}`))
		req.RemoteAddr = "1.2.3.4:5678"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		switch {
		case i < 2 && rec.Code != http.StatusOK:
			t.Fatalf("expected success before limit, got %d", rec.Code)
		case i >= 2:
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rec.Code)
			}
			if rec.Header().Get("Retry-After") != "60" {
				t.Fatalf("unexpected Retry-After: %q", rec.Header().Get("Retry-After"))
			}
			var payload struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if payload.Error.Code != string(pkgerrors.CodeRateLimit) {
				t.Fatalf("unexpected code: %s", payload.Error.Code)
			}
		}
	}
}

func TestAuthRateLimit_IPLimitTriggers(t *testing.T) {
	store := newFakeRateStore()
	policy := NewAuthRateLimitPolicy("register", time.Minute, 1, 0)
	handler := AuthRateLimit(policy, store, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pages/p/modal/signup", strings.NewReader(`{"email":"foo@example.com","password":"secret"}`))
		req.RemoteAddr = "5.6.7.8:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 0 && rec.Code != http.StatusOK {
			t.Fatalf("expected success, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
	}
}

func TestAuthRateLimit_UsesKeyer(t *testing.T) {
	store := newFakeRateStore()
	policy := NewAuthRateLimitPolicy("identify", time.Minute, 5, 0)
	handler := AuthRateLimit(policy, store, prefixKeyer("rs:rate_limit:"), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := store.count("rs:rate_limit:ip:identify:9.9.9.9"); got != 1 {
		t.Fatalf("expected one hit on the forwarded ip, got %d", got)
	}
}

func TestAuthRateLimit_StoreFailureIsUnavailable(t *testing.T) {
	store := newFakeRateStore()
	store.err = errors.New("redis down")
	policy := NewAuthRateLimitPolicy("login", time.Minute, 1, 0)
	called := false
	handler := AuthRateLimit(policy, store, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))

	if called {
		t.Fatal("handler must not run when the limiter cannot count")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthRateLimit_DisabledPolicyPassesThrough(t *testing.T) {
	policy := NewAuthRateLimitPolicy("login", 0, 1, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	handler := AuthRateLimit(policy, newFakeRateStore(), nil, nil)(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

type prefixKeyer string

func (p prefixKeyer) RateLimitKey(scope string) string { return string(p) + scope }

type fakeRateStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{counts: map[string]int64{}}
}

func (f *fakeRateStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRateStore) count(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}
