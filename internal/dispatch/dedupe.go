package dispatch

import (
	"context"
	"time"

	logx "castbot/pkg/logx"
)

// lastSentStore is the slice of storage.Store the deduper needs. Kept as a
// local interface so tests can fake it without a storage backend.
type lastSentStore interface {
	GetLastSent(ctx context.Context, target string) (time.Time, bool, error)
	PutLastSent(ctx context.Context, target string, at time.Time) error
}

// deduper suppresses repeat sends to the same target within a minimum
// interval. State is read and written only by the dispatch loop; the record
// for a target is updated only after a terminal sent or failed outcome, never
// for an action that is skipped or still retrying.
type deduper struct {
	store lastSentStore
	log   logx.Logger
}

// shouldSend reports whether target may be sent to at now given the minimum
// interval. Lookup errors fail open: a broken store must not silence the
// broadcast.
func (d *deduper) shouldSend(ctx context.Context, target string, now time.Time, minInterval time.Duration) bool {
	if d.store == nil || minInterval <= 0 {
		return true
	}
	last, ok, err := d.store.GetLastSent(ctx, target)
	if err != nil {
		d.log.Warn("dedupe lookup failed; allowing send", logx.String("target", target), logx.Err(err))
		return true
	}
	if !ok {
		return true
	}
	if elapsed := now.Sub(last); elapsed < minInterval {
		d.log.Info("dedupe suppressed send",
			logx.String("target", target),
			logx.Duration("elapsed", elapsed),
			logx.Duration("min_interval", minInterval))
		return false
	}
	return true
}

// markAttempted records the terminal send attempt time for target.
func (d *deduper) markAttempted(ctx context.Context, target string, at time.Time) {
	if d.store == nil {
		return
	}
	if err := d.store.PutLastSent(ctx, target, at); err != nil {
		d.log.Warn("dedupe record write failed", logx.String("target", target), logx.Err(err))
	}
}
