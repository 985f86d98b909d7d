package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes one API call. Zero values are valid: an empty Query,
// Headers, and Body produce a bare request against Path.
type Request struct {
	// Method is the HTTP method. Defaults to GET when empty.
	Method string

	// Path is the endpoint path relative to the client base URL,
	// e.g. "/chat/streaming".
	Path string

	// Query holds extra query parameters.
	Query url.Values

	// Headers holds per-call headers. They win over client defaults
	// on conflicts.
	Headers http.Header

	// JSON is marshaled as the request body when non-nil.
	JSON any

	// Raw is sent verbatim as the request body when non-empty and JSON
	// is nil. Set a Content-Type header to describe it.
	Raw []byte

	// Timeout bounds this call, overriding the client default when
	// non-zero. It covers all retry attempts of the call.
	Timeout time.Duration
}

// callMode selects the Accept defaults for the call shape.
type callMode int

const (
	modeUnary callMode = iota
	modeSSE
	modeRaw
	modeMultipart
)

// outbound is the built, immutable form of a Request. It is constructed
// fresh per call and reused verbatim across retry attempts.
type outbound struct {
	method  string
	url     string
	headers http.Header
	body    []byte
	timeout time.Duration
}

// buildOutbound assembles an outbound request from the client defaults and
// the per-call Request. Pure data transformation; no I/O.
//
// Header merge order: defaults, then per-call headers, caller winning on
// conflicts. GET requests never carry Content-Type or the default JSON
// Accept. Streaming calls force an SSE Accept unless the caller overrides
// it; multipart and raw-byte calls widen Accept to */*.
func (c *Client) buildOutbound(r *Request, mode callMode) (*outbound, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	u, err := c.joinURL(r.Path, r.Query)
	if err != nil {
		return nil, &APIError{
			Kind:    KindInvalidRequest,
			Method:  method,
			URL:     c.cfg.baseURL + r.Path,
			Message: err.Error(),
			err:     ErrInvalidRequest,
		}
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.cfg.apiKey.Expose())
	headers.Set("User-Agent", c.cfg.userAgent)
	for key, values := range c.cfg.headers {
		for _, v := range values {
			headers.Add(key, v)
		}
	}

	switch mode {
	case modeSSE:
		headers.Set("Accept", "text/event-stream")
	case modeRaw, modeMultipart:
		// Responses may not be JSON.
		headers.Set("Accept", "*/*")
	default:
		headers.Set("Accept", "application/json")
	}

	var body []byte
	switch {
	case r.JSON != nil:
		body, err = json.Marshal(r.JSON)
		if err != nil {
			return nil, &APIError{
				Kind:    KindInvalidRequest,
				Method:  method,
				URL:     u,
				Message: fmt.Sprintf("encoding request body: %v", err),
				err:     ErrInvalidRequest,
			}
		}
		headers.Set("Content-Type", "application/json")
	case len(r.Raw) > 0:
		body = r.Raw
	}

	if method == http.MethodGet {
		// GET carries no body and no JSON content negotiation defaults.
		headers.Del("Content-Type")
		if mode == modeUnary {
			headers.Del("Accept")
		}
	}

	for key, values := range r.Headers {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}

	timeout := c.cfg.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	return &outbound{
		method:  method,
		url:     u,
		headers: headers,
		body:    body,
		timeout: timeout,
	}, nil
}

// joinURL resolves path and query against the client base URL.
func (c *Client) joinURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.cfg.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	joined, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parsing path %q: %w", path, err)
	}
	u = u.JoinPath(joined.Path)

	q := u.Query()
	for key, values := range joined.Query() {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	for key, values := range query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
