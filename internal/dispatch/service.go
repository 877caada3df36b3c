package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/messenger"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type Config struct {
	Armed          bool
	DryRun         bool
	AllowedTargets []string

	MaxPerMinute    int
	MinSendInterval time.Duration
	MinGap          time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	MaxRetries    int
}

const (
	// Keep request summary memory bounded; summaries are created per trigger
	// firing and would otherwise accumulate forever.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	allowed map[string]struct{}

	queue   *Queue
	window  *rateWindow
	dedupe  *deduper
	adapter messenger.Adapter
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	now    func() time.Time
	newRNG func(tag string) *rand.Rand

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// the worker fully exits.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]*Summary
}

func New(cfg Config, adapter messenger.Adapter, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		allowed: allowedSet(cfg.AllowedTargets),
		queue:   NewQueue(),
		window:  newRateWindow(),
		dedupe:  &deduper{store: store, log: log},
		adapter: adapter,
		store:   store,
		bus:     bus,
		log:     log,
		now:     time.Now,
		newRNG:  newSpreadRNG,
		status:  map[string]*Summary{},
	}
	return s
}

// Apply swaps dispatch knobs at runtime. The rate window and queue keep their
// state; only capacities and intervals change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.allowed = allowedSet(cfg.AllowedTargets)
	s.mu.Unlock()
}

func (s *Service) snapshotCfg() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Submit admits one broadcast request.
//
// The whitelist and safety gate are evaluated before any action exists: a
// rejected request performs zero side effects and leaves the queue untouched.
// On admission every target gets one pending action with a conflict-free
// scheduled time, inserted as a single atomic batch. Submit is safe to call
// from concurrent trigger firings.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	_ = ctx

	s.mu.Lock()
	cfg := s.cfg
	allowed := s.allowed
	s.mu.Unlock()

	if len(req.Targets) == 0 {
		return "", fmt.Errorf("request %q has no targets", req.Name)
	}
	if err := validateTargets(req.Targets, allowed); err != nil {
		return "", err
	}
	mode, err := checkSafety(cfg.Armed, cfg.DryRun)
	if err != nil {
		return "", err
	}

	now := s.now()
	trig := req.TriggeredAt
	if trig.IsZero() {
		trig = now
	}
	gap := req.MinGap
	if gap <= 0 {
		gap = cfg.MinGap
	}

	rng := s.newRNG(req.Name)
	offs := spreadOffsets(len(req.Targets), req.Window, gap, rng)

	id := fmt.Sprintf("req:%d", now.UnixNano())
	batch := make([]*Action, 0, len(req.Targets))
	for i, t := range req.Targets {
		batch = append(batch, &Action{
			ID:          fmt.Sprintf("%s:%d", id, i),
			Request:     id,
			Target:      t,
			Content:     req.Content,
			ScheduledAt: trig.Add(offs[i]),
			Status:      StatusPending,
			Mode:        mode,
			MinGap:      gap,
		})
	}

	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &Summary{
		ID:        id,
		Name:      req.Name,
		Mode:      mode,
		Scheduled: len(batch),
		CreatedAt: now,
	}
	s.statusMu.Unlock()

	s.queue.Insert(batch)
	s.log.Info("request scheduled",
		logx.String("request", id),
		logx.String("name", req.Name),
		logx.String("mode", mode.String()),
		logx.Int("targets", len(batch)),
		logx.Duration("window", req.Window),
		logx.Duration("min_gap", gap))
	return id, nil
}

// Status returns a copy of the request summary.
func (s *Service) Status(requestID string) (Summary, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[requestID]
	if !ok || st == nil {
		return Summary{}, false
	}
	return *st, true
}

// Cancel withdraws a request's still-pending actions and reports how many
// were removed. In-flight actions run to a terminal state.
func (s *Service) Cancel(requestID string) int {
	removed := s.queue.CancelRequest(requestID)
	if removed > 0 {
		s.statusMu.Lock()
		if st := s.status[requestID]; st != nil {
			st.Scheduled -= removed
			if st.Done() || st.Scheduled <= 0 {
				st.DoneAt = s.now()
			}
		}
		s.statusMu.Unlock()
		s.log.Info("request cancelled", logx.String("request", requestID), logx.Int("removed", removed))
	}
	return removed
}

// Pending reports the number of not-yet-settled actions in the queue.
func (s *Service) Pending() int { return s.queue.PendingCount() }

// Queue returns a snapshot of all known actions for introspection.
func (s *Service) QueueSnapshot() []Action { return s.queue.Snapshot() }

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double workers).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(runCtx, stopCh)
	}()

	s.log.Info("dispatch loop started")
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatch loop stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (s *Service) noteOutcome(requestID string, st Status, at time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	sum := s.status[requestID]
	if sum == nil {
		return
	}
	switch st {
	case StatusSent:
		sum.Sent++
	case StatusSkipped:
		sum.Skipped++
	case StatusFailed:
		sum.Failed++
	}
	if sum.Done() && sum.DoneAt.IsZero() {
		sum.DoneAt = at
	}
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if len(s.status) == 0 {
		return
	}

	// 1) Drop completed summaries older than TTL.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		reference := st.DoneAt
		if reference.IsZero() {
			reference = st.CreatedAt
		}
		if !reference.IsZero() && now.Sub(reference) > defaultStatusTTL {
			delete(s.status, id)
		}
	}

	if len(s.status) <= defaultStatusMax {
		return
	}

	// 2) Still too big: drop oldest completed first.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if st == nil || !st.Done() {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - defaultStatusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
