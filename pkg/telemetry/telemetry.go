// Package telemetry records fire-and-forget orchestration events.
//
// Sinks must never affect orchestration: SafeRecord swallows panics and a nil
// sink is valid everywhere.
package telemetry

import (
	"time"

	"github.com/entrhq/conductor/pkg/logging"
)

// EventName identifies a telemetry event.
type EventName string

const (
	EventAPIRequest       EventName = "api_request"
	EventAPIError         EventName = "api_error"
	EventChatCompression  EventName = "chat_compression"
	EventLoopDetected     EventName = "loop_detected"
	EventNextSpeakerCheck EventName = "next_speaker_check"
	EventModelFallback    EventName = "model_fallback"
	EventToolCall         EventName = "tool_call"
	EventMalformedOutput  EventName = "malformed_output"
)

// Event is a single telemetry record.
type Event struct {
	Attrs    map[string]any
	Time     time.Time
	Name     EventName
	Model    string
	Status   string
	Duration time.Duration
}

// Sink receives telemetry events.
type Sink interface {
	Record(Event)
}

// SafeRecord records e on s. Panics raised by the sink are recovered.
func SafeRecord(s Sink, e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	defer func() {
		_ = recover()
	}()
	s.Record(e)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(e Event) {
	for _, s := range m {
		SafeRecord(s, e)
	}
}

// LogSink writes events to a component logger at debug level.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(e Event) {
	keyvals := []any{"event", string(e.Name)}
	if e.Model != "" {
		keyvals = append(keyvals, "model", e.Model)
	}
	if e.Status != "" {
		keyvals = append(keyvals, "status", e.Status)
	}
	if e.Duration > 0 {
		keyvals = append(keyvals, "duration_ms", e.Duration.Milliseconds())
	}
	for k, v := range e.Attrs {
		keyvals = append(keyvals, k, v)
	}
	s.logger.Debug("telemetry", keyvals...)
}
