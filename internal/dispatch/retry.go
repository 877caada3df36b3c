package dispatch

import (
	"context"
	"math/rand"
	"time"

	logx "castbot/pkg/logx"
)

// retrier wraps one delivery in bounded exponential backoff.
//
// The delay before attempt k (after a failure) is base*2^(k-1) capped at
// maxDelay, plus a non-negative random jitter of up to jitter*delay so
// retries never synchronize. Exhaustion is terminal for the action.
type retrier struct {
	maxAttempts int
	base        time.Duration
	maxDelay    time.Duration
	jitter      float64
	rng         *rand.Rand
	sleep       func(ctx context.Context, d time.Duration) error
	log         logx.Logger
}

func newRetrier(maxAttempts int, base, maxDelay time.Duration, jitter float64, rng *rand.Rand, log logx.Logger) *retrier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	return &retrier{
		maxAttempts: maxAttempts,
		base:        base,
		maxDelay:    maxDelay,
		jitter:      jitter,
		rng:         rng,
		sleep:       sleepCtx,
		log:         log,
	}
}

// do runs fn until it succeeds or attempts are exhausted. It returns the
// number of attempts made and the last error (nil on success). A cancelled
// context aborts the backoff wait and surfaces ctx.Err().
func (r *retrier) do(ctx context.Context, target string, fn func(ctx context.Context) error) (int, error) {
	var last error
	for k := 1; k <= r.maxAttempts; k++ {
		if err := fn(ctx); err == nil {
			return k, nil
		} else {
			last = err
		}
		if k == r.maxAttempts {
			break
		}
		delay := r.backoff(k)
		r.log.Debug("delivery retry scheduled",
			logx.String("target", target),
			logx.Int("attempt", k+1),
			logx.Duration("delay", delay),
			logx.Err(last))
		if err := r.sleep(ctx, delay); err != nil {
			return k, err
		}
	}
	return r.maxAttempts, last
}

// backoff computes the delay after a failure of attempt k (k >= 1).
func (r *retrier) backoff(k int) time.Duration {
	d := r.base
	for i := 1; i < k; i++ {
		d *= 2
		if r.maxDelay > 0 && d >= r.maxDelay {
			d = r.maxDelay
			break
		}
	}
	if r.maxDelay > 0 && d > r.maxDelay {
		d = r.maxDelay
	}
	if r.jitter > 0 && r.rng != nil {
		d += time.Duration(r.rng.Float64() * r.jitter * float64(d))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
