package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arclight-labs/arclight/throttle"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.arclight.dev/v1"

// defaultUserAgent identifies this client library.
const defaultUserAgent = "arclight-go"

type config struct {
	apiKey    Secret
	baseURL   string
	timeout   time.Duration
	userAgent string
	headers   http.Header

	httpClient *http.Client
	rateRPS    int
	rateBurst  int
}

// Client is the transport engine for the Arclight API: it builds requests,
// dispatches them with retries, and materializes unary, SSE-streaming,
// raw-streaming, and multipart responses.
//
// Client is safe for concurrent use. It owns one pooled-connection
// resource for its whole lifetime, released by Close.
type Client struct {
	cfg       config
	httpc     *http.Client
	ownPool   bool
	retry     RetryPolicy
	telemetry TelemetryHook
	logger    zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.cfg.baseURL = u }
}

// WithHTTPClient supplies an externally owned connection pool. Close will
// not release it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.cfg.httpClient = hc }
}

// WithTimeout sets the default per-call timeout, covering all retry
// attempts of a call. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.timeout = d }
}

// WithMaxRetries adjusts the retry budget while keeping default backoff.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retry = NewRetryPolicy(RetryConfig{MaxRetries: n, RespectRetryAfter: true})
	}
}

// WithRetryPolicy replaces the retry policy entirely.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p != nil {
			c.retry = p
		}
	}
}

// WithHeaders sets default headers sent on every request. Per-call headers
// win on conflicts.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.cfg.headers = h }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.cfg.userAgent = ua }
}

// WithLogger sets the client logger. Silent by default.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTelemetry sets the telemetry hook.
func WithTelemetry(h TelemetryHook) Option {
	return func(c *Client) {
		if h != nil {
			c.telemetry = h
		}
	}
}

// WithRateLimit throttles outbound requests to rps with the given burst.
func WithRateLimit(rps, burst int) Option {
	return func(c *Client) {
		c.cfg.rateRPS = rps
		c.cfg.rateBurst = burst
	}
}

// New creates a Client. The credential is required and checked here, not
// per call.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		cfg: config{
			apiKey:    NewSecret(apiKey),
			baseURL:   DefaultBaseURL,
			userAgent: defaultUserAgent,
		},
		retry:     DefaultRetryPolicy(),
		telemetry: NoopTelemetryHook{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.apiKey.IsEmpty() {
		return nil, ErrMissingAPIKey
	}

	if c.cfg.httpClient != nil {
		c.httpc = c.cfg.httpClient
	} else {
		c.httpc = &http.Client{}
		c.ownPool = true
	}

	if c.cfg.rateRPS > 0 {
		base := c.httpc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		rt, err := throttle.NewRoundTripper(c.cfg.rateRPS, c.cfg.rateBurst, c.logger, base)
		if err != nil {
			return nil, fmt.Errorf("configuring rate limit: %w", err)
		}
		limited := *c.httpc
		limited.Transport = rt
		c.httpc = &limited
	}

	return c, nil
}

// Close releases the client's connection pool. Idempotent; calls issued
// after Close fail with ErrClientClosed. An externally supplied pool is
// left untouched.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ownPool {
			c.httpc.CloseIdleConnections()
		}
	})
	return nil
}

// Do executes a unary JSON call and unmarshals the response body into v.
// Pass nil to discard the body.
func (c *Client) Do(ctx context.Context, req *Request, v any) error {
	m, ob, err := c.doUnary(ctx, req, modeUnary)
	if err != nil {
		return err
	}
	return decodeInto(m, ob, v)
}

// DoBytes executes a unary call and returns the raw response bytes
// without JSON materialization.
func (c *Client) DoBytes(ctx context.Context, req *Request) ([]byte, error) {
	m, _, err := c.doUnary(ctx, req, modeRaw)
	if err != nil {
		return nil, err
	}
	return m.body, nil
}

func (c *Client) doUnary(ctx context.Context, req *Request, mode callMode) (*materialized, *outbound, error) {
	ob, err := c.precheck(req, mode)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := callContext(ctx, ob)
	defer cancel()
	m, err := retryCall(ctx, c, ob, req.Path, func(ctx context.Context) (*materialized, int, error) {
		m, err := c.send(ctx, ob)
		if err != nil {
			return nil, 0, err
		}
		return m, m.status, nil
	})
	return m, ob, err
}

// decodeInto materializes a JSON response body into v.
func decodeInto(m *materialized, ob *outbound, v any) error {
	if v == nil || len(m.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.body, v); err != nil {
		return &APIError{
			Kind:    KindGeneric,
			Status:  m.status,
			Method:  ob.method,
			URL:     ob.url,
			Message: fmt.Sprintf("decoding response body: %v", err),
			Body:    string(m.body),
			err:     ErrGeneric,
		}
	}
	return nil
}

// Stream executes an SSE streaming call, returning a decoder over the
// event chunks. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	ob, err := c.precheck(req, modeSSE)
	if err != nil {
		return nil, err
	}
	// The timeout context must outlive this call: it is released by the
	// stream when the body is consumed or closed, and an expiry mid-stream
	// surfaces through the stream's own error classification.
	ctx, cancel := callContext(ctx, ob)
	s, err := retryCall(ctx, c, ob, req.Path, func(ctx context.Context) (*Stream, int, error) {
		resp, err := c.openStream(ctx, ob)
		if err != nil {
			return nil, 0, err
		}
		return newStream(resp, ob.method, ob.url, cancel, c.logger), resp.StatusCode, nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// StreamRaw executes a raw binary streaming call, relaying unframed byte
// chunks. The caller must Close the stream.
func (c *Client) StreamRaw(ctx context.Context, req *Request) (*RawStream, error) {
	ob, err := c.precheck(req, modeRaw)
	if err != nil {
		return nil, err
	}
	ctx, cancel := callContext(ctx, ob)
	s, err := retryCall(ctx, c, ob, req.Path, func(ctx context.Context) (*RawStream, int, error) {
		resp, err := c.openStream(ctx, ob)
		if err != nil {
			return nil, 0, err
		}
		return newRawStream(resp, ob.method, ob.url, cancel, c.logger), resp.StatusCode, nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// DoForm executes a multipart upload built from form and unmarshals the
// JSON response into v. Pass nil to discard the body.
func (c *Client) DoForm(ctx context.Context, req *Request, form *Form, v any) error {
	ob, err := c.precheck(req, modeMultipart)
	if err != nil {
		return err
	}
	body, contentType, err := form.encode()
	if err != nil {
		return err
	}
	ob.body = body
	ob.headers.Set("Content-Type", contentType)

	ctx, cancel := callContext(ctx, ob)
	defer cancel()
	m, err := retryCall(ctx, c, ob, req.Path, func(ctx context.Context) (*materialized, int, error) {
		m, err := c.send(ctx, ob)
		if err != nil {
			return nil, 0, err
		}
		return m, m.status, nil
	})
	if err != nil {
		return err
	}
	return decodeInto(m, ob, v)
}

// precheck guards against use after Close and builds the outbound request.
func (c *Client) precheck(req *Request, mode callMode) (*outbound, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.buildOutbound(req, mode)
}

// callContext applies the resolved per-call timeout, covering every
// retry attempt. The returned cancel must run once the response is fully
// consumed or abandoned. For unary shapes that is when the call returns;
// for streaming shapes the open body lives past the return, so the
// stream invokes it on release instead.
func callContext(ctx context.Context, ob *outbound) (context.Context, context.CancelFunc) {
	if ob.timeout > 0 {
		return context.WithTimeout(ctx, ob.timeout)
	}
	return context.WithCancel(ctx)
}

// retryCall wraps one-attempt calls with the retry policy and telemetry.
// Attempts are strictly sequential; the next begins only after the
// previous is classified as failed.
func retryCall[T any](ctx context.Context, c *Client, ob *outbound, path string, fn func(context.Context) (T, int, error)) (T, error) {
	start := time.Now()
	c.telemetry.OnRequestStart(RequestStartEvent{
		Method: ob.method,
		Path:   path,
		Start:  start,
	})

	var result T
	var status int
	var err error
	attempts := 0

retryLoop:
	for attempt := 0; ; attempt++ {
		attempts++
		result, status, err = fn(ctx)
		if err == nil {
			break
		}
		if s := statusOf(err); s > 0 {
			status = s
		}

		delay, shouldRetry := c.retry.NextDelay(attempt, ob.method, err)
		if !shouldRetry {
			break
		}

		c.logger.Debug().
			Str("method", ob.method).
			Str("url", ob.url).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying request")

		select {
		case <-ctx.Done():
			err = classifyFault(ob.method, ob.url, ctx.Err())
			break retryLoop
		case <-time.After(delay):
		}
	}

	c.telemetry.OnRequestEnd(RequestEndEvent{
		Method:   ob.method,
		Path:     path,
		Status:   status,
		Attempts: attempts,
		Start:    start,
		End:      time.Now(),
		Err:      err,
	})
	return result, err
}

func statusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
