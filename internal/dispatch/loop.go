package dispatch

import (
	"context"
	"errors"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/messenger"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// worker is the single consumer of the send queue. It blocks until the next
// action's scheduled time, dispatches it through the gate chain, and moves
// on. The adapter represents one shared session, so no two deliveries are
// ever in flight concurrently.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	changes := s.queue.Changes()
	for {
		// fast-exit so stop wins over pending work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		a, next, ok := s.queue.Pop(s.now())
		if ok {
			s.dispatchOne(ctx, a)
			continue
		}

		if next.IsZero() {
			// Empty queue: sleep until a producer wakes us.
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-changes:
			}
			continue
		}

		// Pending work exists but nothing is due yet. Inserts may pull the
		// earliest time forward, so also wake on queue changes.
		t := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-changes:
			t.Stop()
		case <-t.C:
		}
	}
}

// dispatchOne drives a popped action to a terminal state. Per-action failures
// never terminate the loop.
func (s *Service) dispatchOne(ctx context.Context, a *Action) {
	start := s.now()
	cfg := s.snapshotCfg()
	log := s.log.With(
		logx.String("action", a.ID),
		logx.String("target", a.Target),
	)

	if a.Mode == ModePreview {
		// Simulated delivery: no adapter call, and no dedupe or rate-window
		// mutation, so repeated dry runs leave persistent state untouched.
		log.Info("preview send", logx.Int("text_len", len(a.Content.Text)), logx.Bool("has_image", a.Content.ImagePath != ""))
		s.settle(ctx, a, StatusSent, 0, nil, start)
		return
	}

	if s.adapter == nil {
		log.Error("no messenger adapter configured")
		s.settle(ctx, a, StatusFailed, 0, errors.New("no messenger adapter configured"), start)
		return
	}

	// Ready check: an absent target session is operational, not fatal.
	if err := s.adapter.Ready(ctx, a.Target); err != nil {
		if errors.Is(err, messenger.ErrTargetNotFound) {
			log.Warn("target session not found; skipping")
		} else {
			log.Warn("target not ready; skipping", logx.Err(err))
		}
		s.settle(ctx, a, StatusSkipped, 0, err, start)
		return
	}

	if !s.dedupe.shouldSend(ctx, a.Target, s.now(), cfg.MinSendInterval) {
		s.settle(ctx, a, StatusSkipped, 0, nil, start)
		return
	}

	// Rate limit: delay, never drop.
	for {
		wait := s.window.Acquire(s.now(), cfg.MaxPerMinute)
		if wait <= 0 {
			break
		}
		log.Info("rate limited; delaying dispatch", logx.Duration("wait", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			s.settle(ctx, a, StatusFailed, 0, err, start)
			return
		}
	}

	retry := newRetrier(cfg.MaxRetries, cfg.RetryBase, cfg.RetryMaxDelay, cfg.RetryJitter, s.newRNG(a.ID), log)
	attempts, err := retry.do(ctx, a.Target, func(ctx context.Context) error {
		return s.adapter.Deliver(ctx, a.Target, a.Content)
	})

	if err == nil {
		log.Info("sent", logx.Int("attempts", attempts), logx.Duration("took", s.now().Sub(start)))
		s.dedupe.markAttempted(ctx, a.Target, s.now())
		s.settle(ctx, a, StatusSent, attempts, nil, start)
		return
	}

	log.Warn("delivery failed; retries exhausted", logx.Int("attempts", attempts), logx.Err(err))
	s.dedupe.markAttempted(ctx, a.Target, s.now())
	s.settle(ctx, a, StatusFailed, attempts, err, start)
}

// settle records the terminal outcome everywhere it is visible: the queue,
// the request summary, the persistent action log, and the event bus (which
// feeds the failure-evidence hook).
func (s *Service) settle(ctx context.Context, a *Action, st Status, attempts int, err error, start time.Time) {
	now := s.now()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	s.queue.Settle(a.ID, st, attempts, errMsg, now)
	s.noteOutcome(a.Request, st, now)

	a.Status = st
	a.Attempts = attempts
	a.Error = errMsg
	a.SettledAt = now

	if s.store != nil {
		rec := storage.ActionRecord{
			At:          now,
			Request:     a.Request,
			Target:      a.Target,
			Status:      string(st),
			Attempts:    attempts,
			ScheduledAt: a.ScheduledAt,
			Error:       errMsg,
			TookMS:      now.Sub(start).Milliseconds(),
		}
		if aerr := s.store.AppendAction(ctx, rec); aerr != nil {
			s.log.Warn("action log append failed", logx.String("action", a.ID), logx.Err(aerr))
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventTypeFor(st), Time: now, Data: *a})
	}
}

func eventTypeFor(st Status) string {
	switch st {
	case StatusSent:
		return eventbus.TypeActionSent
	case StatusSkipped:
		return eventbus.TypeActionSkipped
	default:
		return eventbus.TypeActionFailed
	}
}
