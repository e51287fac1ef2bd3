package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

func TestPollSucceedsAfterRetries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	err := Poll(context.Background(), clock, 6*time.Second, time.Minute, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestPollTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	err := Poll(context.Background(), clock, 6*time.Second, 30*time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
	// attempts at t=0,6,12,18,24; the next sleep would cross 30s
	if calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", calls)
	}
}

func TestPollPropagatesError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	boom := errors.New("boom")
	err := Poll(context.Background(), clock, time.Second, time.Minute, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPollStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Poll(ctx, clock, time.Second, time.Minute, func(ctx context.Context) (bool, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
