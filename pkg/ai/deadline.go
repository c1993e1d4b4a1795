package ai

import (
	"context"
	"fmt"
	"io"
	"time"
)

// openWithin calls open under a child of ctx that is canceled when open has
// not returned within d. On success the child stays live for reading the
// stream body, and the caller owns the returned cancel.
func openWithin[T any](ctx context.Context, d time.Duration, open func(context.Context) (T, error)) (T, context.CancelFunc, error) {
	var zero T
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d, cancel)
	v, err := open(ctx)
	if !timer.Stop() {
		if c, ok := any(v).(io.Closer); ok && err == nil {
			_ = c.Close()
		}
		cancel()
		return zero, nil, fmt.Errorf("%w: no response within %s", context.DeadlineExceeded, d)
	}
	if err != nil {
		cancel()
		return zero, nil, err
	}
	return v, cancel, nil
}

// idleStream fails a Recv that waits longer than idle for the next delta
// by canceling the context the provider stream reads under.
type idleStream struct {
	inner  ChatStream
	idle   time.Duration
	cancel context.CancelFunc
}

func withIdleDeadline(inner ChatStream, idle time.Duration, cancel context.CancelFunc) *idleStream {
	return &idleStream{inner: inner, idle: idle, cancel: cancel}
}

func (s *idleStream) Recv() (string, error) {
	timer := time.AfterFunc(s.idle, s.cancel)
	delta, err := s.inner.Recv()
	if !timer.Stop() && err != nil {
		return "", fmt.Errorf("chat stream idle for %s: %w", s.idle, context.DeadlineExceeded)
	}
	return delta, err
}

func (s *idleStream) Close() error {
	s.cancel()
	return s.inner.Close()
}
