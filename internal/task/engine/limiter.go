package engine

import "context"

// Limiter gates how many jobs run at once. Jobs waiting for a slot stay
// pending.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

type unbounded struct{}

func (unbounded) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// Unbounded never blocks.
func Unbounded() Limiter { return unbounded{} }

// semaphore is a channel pre-filled with n tokens.
type semaphore struct {
	ch chan struct{}
}

// NewSemaphore allows n concurrent jobs; n <= 0 yields Unbounded.
func NewSemaphore(n int) Limiter {
	if n <= 0 {
		return Unbounded()
	}
	s := &semaphore{ch: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *semaphore) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ch:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			s.ch <- struct{}{}
		}, nil
	}
}
