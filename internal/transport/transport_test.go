package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/breaker"
)

func newTestClient(cfg Config, cb *breaker.Breaker) *Client {
	if cb == nil {
		cb = breaker.New(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Hour})
	}
	return New(cfg, cb, zap.NewNop())
}

// TestRetryThenSuccess verifies that two 500 responses followed by a 200 yield
// the body after exactly three underlying calls.
func TestRetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxTotalTime:   time.Second,
	}, nil)
	defer c.Close()

	body, err := c.Get(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("underlying calls = %d, want 3", got)
	}
}

// TestTerminalStatusNoRetry verifies that authentication, authorization and
// other client errors abort immediately without consuming remaining attempts.
func TestTerminalStatusNoRetry(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthFailed},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrClientError},
		{"bad request", http.StatusBadRequest, ErrClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(Config{
				MaxAttempts:    3,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     time.Millisecond,
				MaxTotalTime:   time.Second,
			}, nil)
			defer c.Close()

			body, err := c.Get(context.Background(), srv.URL, nil, nil)
			if body != nil {
				t.Error("expected nil body")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != 1 {
				t.Errorf("underlying calls = %d, want 1", got)
			}
		})
	}
}

// TestRateLimitRetryable verifies a 429 is retried.
func TestRateLimitRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		MaxTotalTime:   time.Second,
	}, nil)
	defer c.Close()

	if _, err := c.Get(context.Background(), srv.URL, nil, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("underlying calls = %d, want 2", got)
	}
}

// TestTimeBudgetAborts verifies the loop returns without sleeping when the
// next backoff would push elapsed time past the total budget.
func TestTimeBudgetAborts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		MaxTotalTime:   50 * time.Millisecond,
	}, nil)
	defer c.Close()

	start := time.Now()
	body, err := c.Get(context.Background(), srv.URL, nil, nil)
	if body != nil || err == nil {
		t.Fatalf("expected failure, got body=%v err=%v", body, err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("took %v, should abort before sleeping the 500ms backoff", elapsed)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("underlying calls = %d, want 1", got)
	}
}

// TestOversizedResponseTerminal verifies responses over the size cap are
// rejected as terminal without retry.
func TestOversizedResponseTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write(make([]byte, 256))
	}))
	defer srv.Close()

	c := newTestClient(Config{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       time.Millisecond,
		MaxTotalTime:     time.Second,
		MaxResponseBytes: 64,
	}, nil)
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL, nil, nil)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("underlying calls = %d, want 1", got)
	}
}

// TestBreakerGatesCalls verifies that once the shared breaker opens, the next
// Get is rejected without network I/O and carries a distinguishable error.
func TestBreakerGatesCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	c := newTestClient(Config{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		MaxTotalTime:   time.Second,
	}, cb)
	defer c.Close()

	if _, err := c.Get(context.Background(), srv.URL, nil, nil); err == nil {
		t.Fatal("expected first call to fail")
	}
	if cb.State() != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	_, err := c.Get(context.Background(), srv.URL, nil, nil)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want breaker.ErrOpen", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("underlying calls = %d, want 1 (second call must not hit the network)", got)
	}
}

// TestQueryAndHeaders verifies query values and headers reach the server.
func TestQueryAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "secret" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		if r.URL.Query().Get("lat") != "51.51" {
			t.Errorf("lat = %q", r.URL.Query().Get("lat"))
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(Config{MaxAttempts: 1, MaxTotalTime: time.Second}, nil)
	defer c.Close()

	q := url.Values{}
	q.Set("lat", "51.51")
	if _, err := c.Get(context.Background(), srv.URL, map[string]string{"apikey": "secret"}, q); err != nil {
		t.Fatalf("Get: %v", err)
	}
}
