package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fastRetry keeps test retries in the millisecond range.
func fastRetry(max int) RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries:    max,
		BackoffFactor: 0.001,
		MaxDelay:      50 * time.Millisecond,
	})
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("New(\"\") error = %v, want ErrMissingAPIKey", err)
	}
	if _, err := New("sk-test"); err != nil {
		t.Errorf("New(key) error = %v, want nil", err)
	}
}

func TestDoUnary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("X-Request-ID missing")
		}

		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if payload["message"] != "hi" {
			t.Errorf("message = %q, want hi", payload["message"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"hello","turn":3}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	var out struct {
		Reply string `json:"reply"`
		Turn  int    `json:"turn"`
	}
	err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/chat",
		JSON:   map[string]string{"message": "hi"},
	}, &out)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out.Reply != "hello" || out.Turn != 3 {
		t.Errorf("response = %+v, want reply=hello turn=3", out)
	}
}

func TestDoBytesSkipsJSONMaterialization(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	got, err := c.DoBytes(context.Background(), &Request{Method: http.MethodGet, Path: "/image/i-1"})
	if err != nil {
		t.Fatalf("DoBytes() error = %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("body = %v, want %v", got, raw)
	}
}

func TestDoSurfacesTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/api-keys"}, nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("errors.Is(err, ErrAuthentication) = false, got %v", err)
	}

	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T, want *APIError", err)
	}
	if ae.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", ae.Status)
	}
	if ae.Code != "invalid_api_key" {
		t.Errorf("Code = %q, want invalid_api_key", ae.Code)
	}
	if ae.Method != http.MethodGet || ae.URL == "" {
		t.Errorf("request context = %s %s, want populated", ae.Method, ae.URL)
	}
}

func TestDoRetriesRetryableStatuses(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithRetryPolicy(fastRetry(3)))
	defer c.Close()

	err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/chat", JSON: map[string]string{}}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v, want success after retries", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithRetryPolicy(fastRetry(3)))
	defer c.Close()

	err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/chat", JSON: map[string]string{}}, nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("errors.Is(err, ErrInvalidRequest) = false, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries)", got)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithRetryPolicy(fastRetry(2)))
	defer c.Close()

	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/chat"}, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("errors.Is(err, ErrRateLimited) = false, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestFaultWithoutResponseCarriesRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // nothing listening: dial fails

	c := testClient(t, WithBaseURL(url), WithRetryPolicy(fastRetry(1)))
	defer c.Close()

	err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/chat", JSON: map[string]string{}}, nil)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T, want *APIError", err)
	}
	if ae.Kind != KindConnection {
		t.Errorf("Kind = %q, want %q", ae.Kind, KindConnection)
	}
	if ae.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", ae.Method)
	}
	if ae.URL != url+"/chat" {
		t.Errorf("URL = %q, want %q", ae.URL, url+"/chat")
	}
}

func TestPerCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithRetryPolicy(fastRetry(1)))
	defer c.Close()

	start := time.Now()
	err := c.Do(context.Background(), &Request{
		Method:  http.MethodGet,
		Path:    "/chat",
		Timeout: 50 * time.Millisecond,
	}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("errors.Is(err, ErrTimeout) = false, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %v, timeout did not bound it", elapsed)
	}

	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T, want *APIError", err)
	}
	if ae.Method != http.MethodGet || ae.URL == "" {
		t.Errorf("request context = %s %s, want populated", ae.Method, ae.URL)
	}
}

func TestStreamSurvivesGenerousTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"seq\":%d}\n\n", i)
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithTimeout(10*time.Second))
	defer c.Close()

	stream, err := c.Stream(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/chat/streaming",
		JSON:   map[string]string{"message": "hi"},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	chunks := 0
	for stream.Next() {
		chunks++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream failed after %d chunks: %v", chunks, err)
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
}

func TestStreamTimeoutExpiresMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"seq\":0}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	stream, err := c.Stream(context.Background(), &Request{
		Method:  http.MethodPost,
		Path:    "/chat/streaming",
		JSON:    map[string]string{"message": "hi"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if !stream.Next() {
		t.Fatalf("first Next() = false, err = %v", stream.Err())
	}
	if stream.Next() {
		t.Fatal("Next() = true after the server stalled past the timeout")
	}
	if err := stream.Err(); !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(Err(), ErrTimeout) = false, got %v", err)
	}
}

func TestStreamRawWithTimeoutRelaysFully(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, chunk := range []string{"alpha", "beta"} {
			fmt.Fprint(w, chunk)
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL), WithTimeout(10*time.Second))
	defer c.Close()

	stream, err := c.StreamRaw(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/audio",
	})
	if err != nil {
		t.Fatalf("StreamRaw() error = %v", err)
	}
	defer stream.Close()

	var got []byte
	for stream.Next() {
		got = append(got, stream.Bytes()...)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("raw stream failed: %v", err)
	}
	if string(got) != "alphabeta" {
		t.Errorf("relayed bytes = %q, want %q", got, "alphabeta")
	}
}

func TestDoForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "*/*" {
			t.Errorf("Accept = %q, want */*", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		if got := r.FormValue("purpose"); got != "avatar" {
			t.Errorf("purpose = %q, want avatar", got)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("reading file part: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" {
			t.Errorf("file body = %q, want png-bytes", data)
		}
		if header.Filename != "portrait.png" {
			t.Errorf("filename = %q, want portrait.png", header.Filename)
		}
		fmt.Fprint(w, `{"id":"img_1"}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	form := NewForm().
		AddField("purpose", "avatar").
		AddFile("image", FileBytes{Name: "portrait.png", Data: []byte("png-bytes"), ContentType: "image/png"})

	var out struct {
		ID string `json:"id"`
	}
	err := c.DoForm(context.Background(), &Request{Method: http.MethodPost, Path: "/images"}, form, &out)
	if err != nil {
		t.Fatalf("DoForm() error = %v", err)
	}
	if out.ID != "img_1" {
		t.Errorf("ID = %q, want img_1", out.ID)
	}
}

func TestCloseIdempotentAndTerminal(t *testing.T) {
	c := testClient(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := c.Do(context.Background(), &Request{Path: "/chat"}, nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Do() after Close error = %v, want ErrClientClosed", err)
	}
	if _, err := c.Stream(context.Background(), &Request{Path: "/chat"}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Stream() after Close error = %v, want ErrClientClosed", err)
	}
	if _, err := c.StreamRaw(context.Background(), &Request{Path: "/chat"}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("StreamRaw() after Close error = %v, want ErrClientClosed", err)
	}
	if err := c.DoForm(context.Background(), &Request{Path: "/images"}, NewForm(), nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("DoForm() after Close error = %v, want ErrClientClosed", err)
	}
}

func TestExternalPoolSurvivesClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	external := &http.Client{}
	c := testClient(t, WithBaseURL(server.URL), WithHTTPClient(external))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The externally supplied pool must remain usable.
	resp, err := external.Get(server.URL)
	if err != nil {
		t.Fatalf("external client request error = %v", err)
	}
	resp.Body.Close()
}

func TestConcurrentCallsShareOnePool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/chat"}, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d error = %v", i, err)
		}
	}
}

// recordingHook captures telemetry events for assertions.
type recordingHook struct {
	mu     sync.Mutex
	starts []RequestStartEvent
	ends   []RequestEndEvent
}

func (h *recordingHook) OnRequestStart(e RequestStartEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, e)
}

func (h *recordingHook) OnRequestEnd(e RequestEndEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, e)
}

func TestTelemetryCoversRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	hook := &recordingHook{}
	c := testClient(t, WithBaseURL(server.URL), WithRetryPolicy(fastRetry(2)), WithTelemetry(hook))
	defer c.Close()

	if err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/chat", JSON: map[string]string{}}, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if len(hook.starts) != 1 || len(hook.ends) != 1 {
		t.Fatalf("events = %d starts, %d ends; want 1 and 1", len(hook.starts), len(hook.ends))
	}
	end := hook.ends[0]
	if end.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", end.Attempts)
	}
	if end.Method != http.MethodPost || end.Path != "/chat" {
		t.Errorf("event = %s %s, want POST /chat", end.Method, end.Path)
	}
	if end.Err != nil {
		t.Errorf("Err = %v, want nil", end.Err)
	}
	if end.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", end.Status)
	}
}

func TestStreamErrorStatusClassifiedBeforeHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"not yours"}}`)
	}))
	defer server.Close()

	c := testClient(t, WithBaseURL(server.URL))
	defer c.Close()

	_, err := c.Stream(context.Background(), &Request{Method: http.MethodPost, Path: "/chat/streaming", JSON: map[string]string{}})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("errors.Is(err, ErrPermissionDenied) = false, got %v", err)
	}
}
