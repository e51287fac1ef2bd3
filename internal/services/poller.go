package services

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout the condition did not hold within the allotted window.
var ErrPollTimeout = errors.New("poll timed out")

// Clock abstracts time for polling loops so tests run without real waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the production Clock.
var SystemClock Clock = realClock{}

// PollFunc checks the condition once. done stops the loop successfully;
// a non-nil error stops it immediately.
type PollFunc func(ctx context.Context) (done bool, err error)

// Poll invokes fn immediately and then every interval until it reports done,
// fails, the timeout elapses, or the context is cancelled.
func Poll(ctx context.Context, clock Clock, interval, timeout time.Duration, fn PollFunc) error {
	start := clock.Now()
	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clock.Now().Sub(start)+interval > timeout {
			return ErrPollTimeout
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
