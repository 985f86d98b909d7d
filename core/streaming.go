package core

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// doneSentinel terminates a server-sent event stream. It is consumed by
// the decoder and never surfaced to callers.
const doneSentinel = "[DONE]"

// dataPrefix marks SSE payload lines.
const dataPrefix = "data:"

// scanBufferSize is the initial line buffer; maxLineSize bounds a single
// event payload.
const (
	scanBufferSize = 64 * 1024
	maxLineSize    = 1024 * 1024
)

// Stream decodes a server-sent event body into discrete JSON chunks.
//
// A Stream is a lazy, finite, single-pass sequence:
//
//	for stream.Next() {
//	    var chunk myChunk
//	    if err := stream.Decode(&chunk); err != nil { ... }
//	}
//	if err := stream.Err(); err != nil { ... }
//
// It terminates at the [DONE] sentinel or at EOF and is not restartable:
// iterating after termination reports ErrStreamConsumed, and after Close
// reports ErrStreamClosed.
//
// Iteration (Next, Current, Decode, Err) must stay on one goroutine.
// Close is safe to call at any point from any goroutine, releases the
// underlying connection even mid-stream, and is idempotent.
type Stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  zerolog.Logger

	method string
	url    string

	cur     json.RawMessage
	err     error
	done    bool // terminated at sentinel, EOF, or stream error
	dropped int

	closed    atomic.Bool
	closeOnce sync.Once
}

// newStream wraps the open response. cancel, if non-nil, releases the
// per-call context when the stream ends; it stays live until then so a
// configured timeout does not abort the body mid-stream.
func newStream(resp *http.Response, method, url string, cancel context.CancelFunc, logger zerolog.Logger) *Stream {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, scanBufferSize), maxLineSize)
	return &Stream{
		resp:    resp,
		scanner: sc,
		cancel:  cancel,
		logger:  logger,
		method:  method,
		url:     url,
	}
}

// Next advances to the next event chunk. It returns false at the end of
// the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.closed.Load() {
		s.err = ErrStreamClosed
		return false
	}
	if s.done {
		s.err = ErrStreamConsumed
		return false
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneSentinel {
			s.done = true
			s.release()
			return false
		}
		if !json.Valid([]byte(payload)) {
			// One malformed event never aborts the stream.
			s.dropped++
			s.logger.Debug().
				Str("method", s.method).
				Str("url", s.url).
				Str("line", payload).
				Msg("skipping malformed stream event")
			continue
		}
		s.cur = json.RawMessage(payload)
		return true
	}

	s.done = true
	if err := s.scanner.Err(); err != nil && !s.closed.Load() {
		s.err = classifyFault(s.method, s.url, err)
	}
	s.release()
	return false
}

// Current returns the chunk produced by the last successful Next call.
func (s *Stream) Current() json.RawMessage {
	return s.cur
}

// Decode unmarshals the current chunk into v.
func (s *Stream) Decode(v any) error {
	if s.cur == nil {
		return ErrStreamConsumed
	}
	return json.Unmarshal(s.cur, v)
}

// Err returns the error that terminated the stream, or nil after a clean
// end at the sentinel or EOF. A fault is sticky: further Next calls keep
// returning false with the same error.
func (s *Stream) Err() error {
	return s.err
}

// Dropped reports how many malformed event lines were skipped.
func (s *Stream) Dropped() int {
	return s.dropped
}

// Close releases the underlying connection. Idempotent.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.release()
	return nil
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		if err := s.resp.Body.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing stream body")
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Chan adapts the stream for channel-based consumption. Chunks arrive in
// order on the first channel; the second emits at most one error. Both are
// closed when the stream ends. Cancelling ctx stops iteration and releases
// the connection even if no further chunk reaches the caller.
func (s *Stream) Chan(ctx context.Context) (<-chan json.RawMessage, <-chan error) {
	chunks := make(chan json.RawMessage)
	errs := make(chan error, 1)

	// Unblock a pending read when the caller goes away.
	stop := context.AfterFunc(ctx, func() { s.Close() })

	go func() {
		defer close(chunks)
		defer close(errs)
		defer stop()
		defer s.Close()

		for s.Next() {
			select {
			case chunks <- s.Current():
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}
		if err := s.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
