package core

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// maxErrorBodySize caps how much of a failed streaming response body is
// read for classification.
const maxErrorBodySize = 1 << 20

// materialized is a fully-read response.
type materialized struct {
	status int
	header http.Header
	body   []byte
}

// send performs exactly one network attempt of a unary request and fully
// reads the response body. Retry looping lives in the facade, never here;
// status interpretation lives in the classifier.
func (c *Client) send(ctx context.Context, ob *outbound) (*materialized, error) {
	resp, err := c.roundTrip(ctx, ob)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyFault(ob.method, ob.url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(ob.method, ob.url, resp.StatusCode, body, resp.Header)
	}

	return &materialized{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
	}, nil
}

// openStream performs exactly one network attempt and hands back the open
// response without reading its body. Error responses are drained, closed,
// and classified before a handle ever reaches the caller.
func (c *Client) openStream(ctx context.Context, ob *outbound) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, ob)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		return nil, classifyStatus(ob.method, ob.url, resp.StatusCode, body, resp.Header)
	}
	return resp, nil
}

// roundTrip materializes the immutable outbound request into an
// *http.Request and executes it once. Each attempt gets a fresh request ID.
func (c *Client) roundTrip(ctx context.Context, ob *outbound) (*http.Response, error) {
	var body io.Reader
	if len(ob.body) > 0 {
		body = bytes.NewReader(ob.body)
	}

	req, err := http.NewRequestWithContext(ctx, ob.method, ob.url, body)
	if err != nil {
		return nil, &APIError{
			Kind:    KindInvalidRequest,
			Method:  ob.method,
			URL:     ob.url,
			Message: err.Error(),
			err:     ErrInvalidRequest,
		}
	}
	req.Header = ob.headers.Clone()
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyFault(ob.method, ob.url, err)
	}
	return resp, nil
}
