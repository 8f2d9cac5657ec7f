package agent

import (
	"context"
	"sync/atomic"

	"github.com/sablerun/agentrt/pkg/models"
)

// EventSink receives Events during a run. Implementations must be safe to
// call from multiple goroutines and must not block indefinitely — EventLoop
// back-pressure is the caller's job (see EventStream), not the sink's.
type EventSink interface {
	Emit(ctx context.Context, e models.Event)
}

// PluginSink dispatches events to a plugin registry, bridging EventSink and
// Plugin.
type PluginSink struct {
	registry *PluginRegistry
}

// NewPluginSink creates a sink backed by a plugin registry.
func NewPluginSink(registry *PluginRegistry) *PluginSink {
	return &PluginSink{registry: registry}
}

// Emit dispatches the event to every plugin in the registry.
func (s *PluginSink) Emit(ctx context.Context, e models.Event) {
	if s.registry != nil {
		s.registry.Emit(ctx, e)
	}
}

// MultiSink fans an event out to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink dispatching to all non-nil sinks given.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to every sink.
func (s *MultiSink) Emit(ctx context.Context, e models.Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.Event)
}

// NewCallbackSink wraps fn as a sink.
func NewCallbackSink(fn func(ctx context.Context, e models.Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.Event) {}

// EventStream is the bounded, back-pressured channel a run's consumer reads
// from (§4.10). Exactly one reader is expected per run. The producer's Emit
// blocks when the channel is full — unbounded buffering is forbidden by the
// spec, so callers must size Capacity to their consumer's expected lag.
// Done is guaranteed to be the last event sent, and Close() is called
// immediately after by the emitting goroutine (AgentLoop.Run).
type EventStream struct {
	ch     chan models.Event
	closed uint32
}

// NewEventStream creates a stream with the given buffer capacity (>=1).
func NewEventStream(capacity int) *EventStream {
	if capacity < 1 {
		capacity = 1
	}
	return &EventStream{ch: make(chan models.Event, capacity)}
}

// Emit sends e, blocking if the buffer is full, unless ctx is cancelled
// first. A Done event is still attempted even past cancellation so runs
// always terminate with one, per §4.10.
func (s *EventStream) Emit(ctx context.Context, e models.Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if e.Kind == models.EventDone {
		s.ch <- e
		return
	}
	select {
	case s.ch <- e:
	case <-ctx.Done():
	}
}

// C returns the receive-only channel the consumer reads from.
func (s *EventStream) C() <-chan models.Event {
	return s.ch
}

// Close closes the channel. Safe to call once; a second call panics like a
// bare close would, by design — callers own exactly one Close after Done.
func (s *EventStream) Close() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.ch)
	}
}
