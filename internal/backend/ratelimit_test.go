package backend

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestRateLimit_ExhaustedFailsFast(t *testing.T) {
	rl := NewRateLimit()
	if err := rl.Check(); err != nil {
		t.Fatalf("fresh limiter should allow: %v", err)
	}

	reset := time.Now().Add(time.Hour).Unix()
	h := http.Header{}
	h.Set("X-Ratelimit-Remaining", "0")
	h.Set("X-Ratelimit-Reset", strconv.FormatInt(reset, 10))
	rl.Update(h)

	err := rl.Check()
	if err == nil {
		t.Fatal("exhausted limiter should fail")
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %T, want *RateLimitError", err)
	}
	if rle.ResetAt.Unix() != reset {
		t.Fatalf("ResetAt = %v, want unix %d", rle.ResetAt, reset)
	}
}

func TestRateLimit_PastResetAllows(t *testing.T) {
	rl := NewRateLimit()
	h := http.Header{}
	h.Set("X-Ratelimit-Remaining", "0")
	h.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10))
	rl.Update(h)

	if err := rl.Check(); err != nil {
		t.Fatalf("past reset should allow new requests: %v", err)
	}
}

func TestRateLimit_MissingHeadersReset(t *testing.T) {
	rl := NewRateLimit()
	h := http.Header{}
	h.Set("X-Ratelimit-Remaining", "0")
	h.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	rl.Update(h)
	if err := rl.Check(); err == nil {
		t.Fatal("should be exhausted")
	}

	rl.Update(http.Header{}) // no headers: reset to defaults
	if err := rl.Check(); err != nil {
		t.Fatalf("missing headers should reset the state: %v", err)
	}
	remaining, resetAt := rl.Snapshot()
	if remaining != 5000 || !resetAt.IsZero() {
		t.Fatalf("Snapshot = (%d, %v), want (5000, zero)", remaining, resetAt)
	}
}

type headerTripper struct {
	header http.Header
	calls  int
}

func (h *headerTripper) RoundTrip(*http.Request) (*http.Response, error) {
	h.calls++
	return &http.Response{StatusCode: 200, Header: h.header, Body: http.NoBody}, nil
}

func TestLimitTransport_GatesAndUpdates(t *testing.T) {
	rl := NewRateLimit()
	inner := &headerTripper{header: http.Header{}}
	inner.header.Set("X-Ratelimit-Remaining", "0")
	inner.header.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	rt := NewLimitTransport(inner, rl)
	req, _ := http.NewRequest("GET", "https://api.github.com/graphql", nil)

	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	// The response headers exhausted the quota; the next request fails
	// before reaching the wire.
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("second request should be gated")
	}
	if inner.calls != 1 {
		t.Fatalf("inner transport called %d times, want 1", inner.calls)
	}
}
