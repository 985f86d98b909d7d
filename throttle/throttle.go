// Package throttle provides an [http.RoundTripper] that rate-limits
// outbound HTTP requests using a token-bucket algorithm from
// [golang.org/x/time/rate].
//
// Wrap an existing transport with [NewRoundTripper]. When the rate limit
// is exceeded, outbound requests block until a token becomes available or
// the request context is cancelled.
package throttle

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

// throttle is an http.RoundTripper, using the time/rate token
// bucket limiter to restrict outbound calls.
type throttle struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
	next    http.RoundTripper
}

// NewRoundTripper returns an http.RoundTripper that throttles outbound
// requests to rps with the given burst capacity.
func NewRoundTripper(rps, burst int, logger zerolog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	if next == nil {
		next = http.DefaultTransport
	}

	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		next:    next,
	}, nil
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextEnded, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}

	if waited := time.Since(start); waited > time.Millisecond {
		t.logger.Debug().
			Str("url", r.URL.String()).
			Dur("waited", waited).
			Msg("request throttled")
	}

	return t.next.RoundTrip(r)
}
