package dispatch

import "time"

// rateWindow caps aggregate throughput over a rolling window.
//
// It is a multiset of dispatch timestamps; entries older than the window are
// evicted lazily on each call. State is owned exclusively by the dispatch
// loop, so no locking is needed.
type rateWindow struct {
	size   time.Duration
	stamps []time.Time
}

func newRateWindow() *rateWindow {
	return &rateWindow{size: time.Minute}
}

func (w *rateWindow) evict(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Acquire admits one dispatch at now if the window holds fewer than max
// entries, recording now and returning 0. Otherwise it returns the duration
// until the oldest entry expires; the caller must delay and re-check.
// max <= 0 disables the limit.
func (w *rateWindow) Acquire(now time.Time, max int) time.Duration {
	w.evict(now)
	if max <= 0 || len(w.stamps) < max {
		w.stamps = append(w.stamps, now)
		return 0
	}
	return w.stamps[0].Add(w.size).Sub(now)
}

// Count reports the number of entries currently inside the window.
func (w *rateWindow) Count(now time.Time) int {
	w.evict(now)
	return len(w.stamps)
}
