package core

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// rawChunkSize is the read buffer for raw byte streaming.
const rawChunkSize = 32 * 1024

// RawStream relays unframed binary chunks from a streaming endpoint.
// Every non-empty chunk is yielded verbatim; empty reads are dropped.
//
// The iteration contract matches Stream: single-pass, not restartable,
// iteration on one goroutine, Close safe from anywhere and idempotent.
type RawStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	logger zerolog.Logger

	method string
	url    string

	buf  []byte
	cur  []byte
	err  error
	done bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// newRawStream wraps the open response. cancel follows the same lifecycle
// rule as in newStream.
func newRawStream(resp *http.Response, method, url string, cancel context.CancelFunc, logger zerolog.Logger) *RawStream {
	return &RawStream{
		resp:   resp,
		cancel: cancel,
		logger: logger,
		method: method,
		url:    url,
		buf:    make([]byte, rawChunkSize),
	}
}

// Next advances to the next non-empty chunk. It returns false at EOF or
// on error; check Err afterwards.
func (s *RawStream) Next() bool {
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

	for {
		n, err := s.resp.Body.Read(s.buf)
		if n > 0 {
			s.cur = s.buf[:n]
			return true
		}
		if err == io.EOF {
			s.done = true
			s.release()
			return false
		}
		if err != nil {
			s.done = true
			if !s.closed.Load() {
				s.err = classifyFault(s.method, s.url, err)
			}
			s.release()
			return false
		}
		// Zero-byte read without error: skip, never yield empty chunks.
	}
}

// Bytes returns the chunk produced by the last successful Next call.
// The slice is only valid until the next Next call.
func (s *RawStream) Bytes() []byte {
	return s.cur
}

// Err returns the error that terminated the stream, or nil after EOF.
// A fault is sticky: further Next calls keep returning false with the
// same error.
func (s *RawStream) Err() error {
	return s.err
}

// Close releases the underlying connection. Idempotent.
func (s *RawStream) Close() error {
	s.closed.Store(true)
	s.release()
	return nil
}

func (s *RawStream) release() {
	s.closeOnce.Do(func() {
		if err := s.resp.Body.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing raw stream body")
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Chan adapts the stream for channel-based consumption, copying each chunk
// so it survives the next read. Semantics match Stream.Chan.
func (s *RawStream) Chan(ctx context.Context) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	stop := context.AfterFunc(ctx, func() { s.Close() })

	go func() {
		defer close(chunks)
		defer close(errs)
		defer stop()
		defer s.Close()

		for s.Next() {
			chunk := make([]byte, len(s.cur))
			copy(chunk, s.cur)
			select {
			case chunks <- chunk:
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
