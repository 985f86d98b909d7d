package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a failed API call. Every error surfaced by the client
// carries exactly one Kind, assigned once at the failure boundary.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindAuthentication   Kind = "authentication"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUnprocessable    Kind = "unprocessable_entity"
	KindRateLimit        Kind = "rate_limit"
	KindServer           Kind = "server_error"
	KindTimeout          Kind = "timeout"
	KindConnection       Kind = "connection_failure"
	KindGeneric          Kind = "generic"
)

// Sentinel errors for classification with errors.Is.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrAuthentication   = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnprocessable    = errors.New("unprocessable entity")
	ErrRateLimited      = errors.New("rate limited")
	ErrServer           = errors.New("server error")
	ErrTimeout          = errors.New("request timed out")
	ErrConnection       = errors.New("connection failed")
	ErrGeneric          = errors.New("request failed")
)

// Client-side usage errors.
var (
	// ErrMissingAPIKey is returned by New when no credential is supplied.
	ErrMissingAPIKey = errors.New("missing API key: pass a non-empty key to core.New")

	// ErrClientClosed is returned for any call issued after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrStreamConsumed is returned when a stream is iterated after it
	// already terminated at the sentinel, EOF, or a stream error.
	ErrStreamConsumed = errors.New("stream already consumed")

	// ErrStreamClosed is returned when a stream is iterated after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// sentinelForKind maps each Kind to its errors.Is sentinel.
func sentinelForKind(k Kind) error {
	switch k {
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindAuthentication:
		return ErrAuthentication
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindUnprocessable:
		return ErrUnprocessable
	case KindRateLimit:
		return ErrRateLimited
	case KindServer:
		return ErrServer
	case KindTimeout:
		return ErrTimeout
	case KindConnection:
		return ErrConnection
	default:
		return ErrGeneric
	}
}

// APIError is the typed error surfaced for every failed call.
// The attempted method and URL are always populated, even when the
// underlying fault never produced a response.
type APIError struct {
	Kind    Kind
	Status  int    // HTTP status, 0 for transport faults
	Method  string // attempted request method
	URL     string // attempted request URL
	Code    string // machine-readable code from the error envelope, if any
	Message string
	Body    string // raw response body, if one was read

	// RetryAfter is the server-supplied retry hint, 0 when absent.
	RetryAfter time.Duration

	err error // sentinel for errors.Is
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status > 0 {
		if e.Code != "" {
			return fmt.Sprintf("%s %s: %s (status=%d, code=%s)", e.Method, e.URL, e.Message, e.Status, e.Code)
		}
		return fmt.Sprintf("%s %s: %s (status=%d)", e.Method, e.URL, e.Message, e.Status)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Message)
}

// Unwrap returns the sentinel for error chaining.
func (e *APIError) Unwrap() error {
	return e.err
}

// errorEnvelope matches the service error body:
// {"error":{"message":"...","detail":"...","code":"..."}}
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Code    string `json:"code"`
	} `json:"error"`
}

// kindForStatus maps an HTTP status code to a Kind.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return KindInvalidRequest
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindUnprocessable
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindServer
	}
	return KindGeneric
}

// classifyStatus translates a non-2xx response into an APIError.
// Message precedence: structured error envelope, then raw body text,
// then a synthetic "<method> <url>: HTTP <status>" line. Kind, message
// and code are a pure function of the inputs; the RetryAfter hint for
// date-form headers is measured against the wall clock at call time.
func classifyStatus(method, url string, status int, body []byte, header http.Header) *APIError {
	kind := kindForStatus(status)

	var message, code string
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		msg := env.Error.Message
		if msg == "" {
			msg = env.Error.Detail
		}
		if msg != "" {
			code = env.Error.Code
			if code != "" {
				message = fmt.Sprintf("%s: %s (code: %s)", http.StatusText(status), msg, code)
			} else {
				message = fmt.Sprintf("%s: %s", http.StatusText(status), msg)
			}
		}
	}
	if message == "" {
		if text := strings.TrimSpace(string(body)); text != "" && utf8.Valid(body) {
			message = text
		} else {
			message = fmt.Sprintf("%s %s: HTTP %d", method, url, status)
		}
	}

	return &APIError{
		Kind:       kind,
		Status:     status,
		Method:     method,
		URL:        url,
		Code:       code,
		Message:    message,
		Body:       string(body),
		RetryAfter: retryAfterHint(header),
		err:        sentinelForKind(kind),
	}
}

// classifyFault translates a transport-level failure into an APIError.
// Context cancellation passes through unwrapped so callers can match
// context.Canceled directly.
func classifyFault(method, url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	kind := KindGeneric
	switch {
	case isTimeout(err):
		kind = KindTimeout
	case isConnectionFault(err):
		kind = KindConnection
	}

	return &APIError{
		Kind:    kind,
		Method:  method,
		URL:     url,
		Message: err.Error(),
		err:     sentinelForKind(kind),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionFault(err error) bool {
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return true
	}
	// A body cut short mid-read is a dropped connection.
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "connection reset")
}

// retryAfterHint parses the Retry-After header, accepting both
// delay-seconds and HTTP-date forms. Returns 0 when absent, invalid, or
// already in the past. Date-form hints depend on the wall clock.
func retryAfterHint(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
