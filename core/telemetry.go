package core

import "time"

// TelemetryHook receives notifications about request lifecycle events.
// Implementations can use this for logging, metrics, or tracing.
//
// Event types never include sensitive data: no API keys, no request or
// response bodies, no headers. Only operational metadata is exposed.
type TelemetryHook interface {
	// OnRequestStart is called when a call begins, before the first attempt.
	OnRequestStart(e RequestStartEvent)

	// OnRequestEnd is called when a call completes, after all retries.
	OnRequestEnd(e RequestEndEvent)
}

// RequestStartEvent contains metadata about a starting call.
type RequestStartEvent struct {
	Method string
	Path   string
	Start  time.Time
}

// RequestEndEvent contains metadata about a completed call.
type RequestEndEvent struct {
	Method   string
	Path     string
	Status   int // last HTTP status seen, 0 if none
	Attempts int // total attempts, including the first
	Start    time.Time
	End      time.Time
	Err      error // nil on success
}

// Duration returns the elapsed time for the call across all attempts.
func (e RequestEndEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// NoopTelemetryHook is a no-op implementation of TelemetryHook.
type NoopTelemetryHook struct{}

// OnRequestStart does nothing.
func (NoopTelemetryHook) OnRequestStart(RequestStartEvent) {}

// OnRequestEnd does nothing.
func (NoopTelemetryHook) OnRequestEnd(RequestEndEvent) {}
