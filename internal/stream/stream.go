// Package stream bridges push-style production to pull-style, cancellable
// consumption for a single producer and a single consumer.
package stream

import (
	"context"
	"sync"
)

// State is the lifecycle state of a Stream.
type State int

const (
	StateOpen State = iota
	StateEnded
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type result[T any] struct {
	val T
	ok  bool
	err error
}

// Stream is an ordered, unbounded channel of T. Append never blocks. At most
// one of {buffered values, waiting consumers} is non-empty at any time.
//
// Next must not be called concurrently; single-consumer use is assumed.
type Stream[T any] struct {
	mu       sync.Mutex
	buffer   []T
	waiters  []chan result[T]
	state    State
	err      error
	onCancel func()
	done     chan struct{}
}

// New creates a stream. onCancel runs at most once, when the consumer cancels
// or the producer fails the stream; it does not run on End.
func New[T any](onCancel func()) *Stream[T] {
	return &Stream[T]{onCancel: onCancel, done: make(chan struct{})}
}

// Append queues v, or hands it straight to the oldest waiting consumer. It is
// a no-op once the stream is ended, errored or cancelled.
func (s *Stream[T]) Append(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return
	}
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- result[T]{val: v, ok: true}
		return
	}
	s.buffer = append(s.buffer, v)
}

// End closes the stream from the producer side. Buffered values remain
// readable; waiting consumers observe completion.
func (s *Stream[T]) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return
	}
	s.state = StateEnded
	s.flushLocked(result[T]{})
	s.closeDoneLocked()
}

// Fail records err as terminal. Reads observe err once the buffer drains.
func (s *Stream[T]) Fail(err error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = err
	s.flushLocked(result[T]{err: err})
	s.closeDoneLocked()
	cb := s.takeOnCancelLocked()
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Cancel is the consumer telling the producer to stop. Buffered values are
// dropped and waiting consumers observe completion. The cancel callback runs
// at most once across Cancel and Fail.
func (s *Stream[T]) Cancel() {
	s.mu.Lock()
	s.state = StateCancelled
	s.buffer = nil
	s.flushLocked(result[T]{})
	s.closeDoneLocked()
	cb := s.takeOnCancelLocked()
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Next returns the next value. ok is false on completion (ended or
// cancelled). A failed stream returns its error after the buffer drains. If
// ctx is done while waiting, ctx.Err() is returned and the stream is left as is.
func (s *Stream[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	s.mu.Lock()
	if len(s.buffer) > 0 {
		v = s.buffer[0]
		var zero T
		s.buffer[0] = zero
		s.buffer = s.buffer[1:]
		s.mu.Unlock()
		return v, true, nil
	}
	switch s.state {
	case StateErrored:
		err = s.err
		s.mu.Unlock()
		return v, false, err
	case StateEnded, StateCancelled:
		s.mu.Unlock()
		return v, false, nil
	}

	w := make(chan result[T], 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case r := <-w:
		return r.val, r.ok, r.err
	case <-ctx.Done():
		s.mu.Lock()
		for i, other := range s.waiters {
			if other == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		// A value may have been handed over between ctx firing and removal.
		select {
		case r := <-w:
			if r.ok {
				return r.val, true, nil
			}
		default:
		}
		return v, false, ctx.Err()
	}
}

// TryNext returns a buffered value without waiting.
func (s *Stream[T]) TryNext() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return v, false
	}
	v = s.buffer[0]
	var zero T
	s.buffer[0] = zero
	s.buffer = s.buffer[1:]
	return v, true
}

// Poll is TryNext that also reports, when nothing is buffered, whether the
// stream can still produce values. A failed stream returns its error.
func (s *Stream[T]) Poll() (v T, ok bool, open bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) > 0 {
		v = s.buffer[0]
		var zero T
		s.buffer[0] = zero
		s.buffer = s.buffer[1:]
		return v, true, true, nil
	}
	return v, false, s.state == StateOpen, s.err
}

// Err returns the error the stream failed with, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of buffered values.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// State returns the current lifecycle state.
func (s *Stream[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the stream leaves the open state.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Stream[T]) flushLocked(r result[T]) {
	for _, w := range s.waiters {
		w <- r
	}
	s.waiters = nil
}

func (s *Stream[T]) closeDoneLocked() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Stream[T]) takeOnCancelLocked() func() {
	cb := s.onCancel
	s.onCancel = nil
	return cb
}
