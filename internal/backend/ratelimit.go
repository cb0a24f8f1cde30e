package backend

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is returned when the hosted API quota is exhausted. It
// carries the reset time so callers can surface a retry hint.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// RateLimit tracks the hosted API's remaining quota. It is shared by the
// REST and GraphQL clients of one hosted backend and updated after every
// response from the x-ratelimit headers.
type RateLimit struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

// NewRateLimit starts with the API's default quota.
func NewRateLimit() *RateLimit {
	return &RateLimit{remaining: 5000}
}

// Check fails fast when the quota is exhausted and the reset is in the
// future.
func (r *RateLimit) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remaining == 0 && time.Now().Before(r.resetAt) {
		return &RateLimitError{ResetAt: r.resetAt}
	}
	return nil
}

// Update records the quota headers of a response. Missing headers reset the
// state to the default quota.
func (r *RateLimit) Update(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := h.Get("X-Ratelimit-Remaining")
	reset := h.Get("X-Ratelimit-Reset")
	if remaining == "" || reset == "" {
		r.remaining = 5000
		r.resetAt = time.Time{}
		return
	}
	if n, err := strconv.Atoi(remaining); err == nil {
		r.remaining = n
	}
	if sec, err := strconv.ParseInt(reset, 10, 64); err == nil {
		r.resetAt = time.Unix(sec, 0)
	}
}

// Snapshot returns the current state for display.
func (r *RateLimit) Snapshot() (remaining int, resetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.resetAt
}

// limitTransport gates every outbound request on the shared rate-limit state
// and feeds response headers back into it.
type limitTransport struct {
	base  http.RoundTripper
	limit *RateLimit
}

// NewLimitTransport wraps base with rate-limit accounting.
func NewLimitTransport(base http.RoundTripper, limit *RateLimit) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &limitTransport{base: base, limit: limit}
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limit.Check(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		t.limit.Update(resp.Header)
	}
	return resp, err
}
