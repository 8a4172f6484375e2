package events

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriberGone is returned by Emit once the subscriber has
// disconnected. In-flight work may continue, but the next attempted emit
// detects closure and the producer should end the sequence.
var ErrSubscriberGone = errors.New("events: subscriber disconnected")

// Stream is the ordered, finite event sequence of one run. The producer
// (the runtime) emits; the consumer (the transport) ranges over Events
// until the channel closes. Emission is a cooperative suspension point:
// Emit blocks when the consumer is slow, which is how backpressure is
// honored.
type Stream struct {
	ctx       context.Context
	ch        chan Event
	closeOnce sync.Once
}

// NewStream creates a stream bound to the subscriber's context. When the
// context is cancelled (client disconnect), subsequent emits fail with
// ErrSubscriberGone.
func NewStream(ctx context.Context) *Stream {
	return &Stream{
		ctx: ctx,
		// Small buffer so a tick's burst doesn't lockstep with the
		// transport write; ordering is unaffected.
		ch: make(chan Event, 16),
	}
}

// Emit delivers one event to the subscriber, preserving emission order.
func (s *Stream) Emit(ev Event) error {
	select {
	case <-s.ctx.Done():
		return ErrSubscriberGone
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.ctx.Done():
		return ErrSubscriberGone
	}
}

// Events returns the consumer side of the sequence. The channel closes
// when the producer calls Close.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close ends the sequence. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
