package core

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"
)

// RetryPolicy determines retry behavior for failed requests.
type RetryPolicy interface {
	// NextDelay returns the delay before the next retry attempt and whether
	// to retry at all. If ok is false, no more retries should be attempted.
	// attempt starts at 0 for the first retry after the initial failure.
	NextDelay(attempt int, method string, err error) (delay time.Duration, ok bool)
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts (default: 3)
	BackoffFactor float64       // Delay for retry n is BackoffFactor * 2^(n-1) seconds (default: 1.0)
	MaxDelay      time.Duration // Maximum delay cap (default: 30s)

	// Statuses lists the HTTP codes that trigger a retry.
	// Default: 429, 500, 502, 503, 504.
	Statuses []int

	// Methods lists the request methods eligible for retry. The default set
	// includes POST for compatibility with the service's write semantics;
	// override it to exclude non-idempotent methods.
	Methods []string

	// RespectRetryAfter makes a server-supplied Retry-After hint override
	// the computed exponential delay outright.
	RespectRetryAfter bool
}

// DefaultRetryPolicy returns a retry policy with sensible defaults:
// exponential backoff, max 3 retries, 30s delay cap, server Retry-After
// hints honored.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries:        3,
		BackoffFactor:     1.0,
		MaxDelay:          30 * time.Second,
		RespectRetryAfter: true,
	})
}

// NewRetryPolicy creates a retry policy with the given configuration.
// Zero fields other than RespectRetryAfter are replaced with defaults.
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{
			http.MethodGet, http.MethodHead, http.MethodPut,
			http.MethodDelete, http.MethodOptions, http.MethodPost,
		}
	}

	p := &serverDirectedBackoff{cfg: cfg}
	p.statuses = make(map[int]struct{}, len(cfg.Statuses))
	for _, s := range cfg.Statuses {
		p.statuses[s] = struct{}{}
	}
	p.methods = make(map[string]struct{}, len(cfg.Methods))
	for _, m := range cfg.Methods {
		p.methods[m] = struct{}{}
	}
	return p
}

// serverDirectedBackoff retries on transport faults and listed statuses,
// letting a Retry-After hint take precedence over the exponential curve.
type serverDirectedBackoff struct {
	cfg      RetryConfig
	statuses map[int]struct{}
	methods  map[string]struct{}
}

func (p *serverDirectedBackoff) NextDelay(attempt int, method string, err error) (time.Duration, bool) {
	if attempt >= p.cfg.MaxRetries {
		return 0, false
	}
	if _, ok := p.methods[method]; !ok {
		return 0, false
	}
	hint, retryable := p.classify(err)
	if !retryable {
		return 0, false
	}

	if p.cfg.RespectRetryAfter && hint > 0 {
		return hint, true
	}

	delay := p.cfg.BackoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second)
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay), true
}

// classify reports whether err warrants another attempt, and any
// server-supplied delay hint attached to it.
func (p *serverDirectedBackoff) classify(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var ae *APIError
	if !errors.As(err, &ae) {
		return 0, false
	}
	switch ae.Kind {
	case KindTimeout, KindConnection:
		return 0, true
	}
	if _, ok := p.statuses[ae.Status]; ok {
		return ae.RetryAfter, true
	}
	return 0, false
}
