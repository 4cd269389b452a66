package agent

import (
	"context"

	"github.com/haasonsaas/claw/pkg/models"
)

// EventSink receives the typed event stream of a run. Implementations must
// be safe for concurrent use and must not block for long; slow consumers
// drop rather than stall the producer.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ChanSink forwards events to a buffered channel, dropping non-terminal
// events when the channel is full.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink wraps ch as a sink. The channel should be buffered.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	select {
	case s.ch <- e:
		return
	default:
	}
	// Errors and final replies must not be dropped.
	if e.Type == models.EventError || (e.Type == models.EventBlockReply && e.IsFinal) {
		select {
		case s.ch <- e:
		case <-ctx.Done():
		}
		return
	}
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// CallbackSink calls fn for each event.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink wraps fn as a sink.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink combines sinks, dropping nils.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.AgentEvent) {}
