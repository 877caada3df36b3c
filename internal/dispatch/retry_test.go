package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	r := newRetrier(3, time.Second, 30*time.Second, 0, nil, logx.Nop())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	attempts, err := r.do(context.Background(), "chat1", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	// base*2^(k-1): 1s after the first failure, 2s after the second.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	r := newRetrier(3, time.Millisecond, 0, 0, nil, logx.Nop())
	r.sleep = func(context.Context, time.Duration) error { return nil }

	boom := errors.New("boom")
	calls := 0
	attempts, err := r.do(context.Background(), "chat1", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestRetryBackoffNonDecreasing(t *testing.T) {
	t.Parallel()
	// Jitter only ever adds to the deterministic delay, so successive delays
	// never shrink below the doubling floor.
	r := newRetrier(6, time.Second, 30*time.Second, 0.3, rand.New(rand.NewSource(11)), logx.Nop())

	prev := time.Duration(0)
	for k := 1; k <= 5; k++ {
		d := r.backoff(k)
		floor := time.Second << (k - 1)
		if floor > 30*time.Second {
			floor = 30 * time.Second
		}
		if d < floor {
			t.Fatalf("backoff(%d) = %v, below floor %v", k, d, floor)
		}
		if d < prev {
			t.Fatalf("backoff(%d) = %v, decreased from %v", k, d, prev)
		}
		prev = floor
	}
}

func TestRetryBackoffCap(t *testing.T) {
	t.Parallel()
	r := newRetrier(10, time.Second, 4*time.Second, 0, nil, logx.Nop())
	if d := r.backoff(8); d != 4*time.Second {
		t.Fatalf("capped backoff = %v, want 4s", d)
	}
}

func TestRetryAbortsOnCancel(t *testing.T) {
	t.Parallel()
	r := newRetrier(3, time.Second, 0, 0, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(c context.Context, _ time.Duration) error {
		cancel()
		return c.Err()
	}

	attempts, err := r.do(ctx, "chat1", func(context.Context) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
