package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/messenger"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	ready    map[string]error
	failures map[string]int // deliveries to fail before succeeding
	delivers []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{ready: map[string]error{}, failures: map[string]int{}}
}

func (f *fakeAdapter) Ready(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[target]
}

func (f *fakeAdapter) Deliver(_ context.Context, target string, _ messenger.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[target]; n > 0 {
		f.failures[target] = n - 1
		return errors.New("transient send failure")
	}
	f.delivers = append(f.delivers, target)
	return nil
}

func (f *fakeAdapter) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivers...)
}

type fakeStore struct {
	mu      sync.Mutex
	last    map[string]time.Time
	actions []storage.ActionRecord
}

func newFakeStore() *fakeStore { return &fakeStore{last: map[string]time.Time{}} }

func (f *fakeStore) PutLastSent(_ context.Context, target string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[target] = at
	return nil
}

func (f *fakeStore) GetLastSent(_ context.Context, target string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.last[target]
	return at, ok, nil
}

func (f *fakeStore) AppendAction(_ context.Context, rec storage.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, rec)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) records() []storage.ActionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.ActionRecord(nil), f.actions...)
}

func testConfig() Config {
	return Config{
		Armed:          true,
		DryRun:         false,
		AllowedTargets: []string{"chat1", "chat2"},
		MaxPerMinute:   100,
		RetryBase:      time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		MaxRetries:     3,
	}
}

func waitDone(t *testing.T, s *Service, id string) Summary {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(id); ok && st.Done() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("request %s did not settle in time: %+v", id, st)
	return Summary{}
}

func TestSubmitRejectsWhitelistedTarget(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), newFakeAdapter(), nil, nil, logx.Nop())

	_, err := s.Submit(context.Background(), Request{
		Name:    "probe",
		Targets: []string{"chat1", "intruder"},
	})
	var wl *WhitelistError
	if !errors.As(err, &wl) {
		t.Fatalf("err = %v, want *WhitelistError", err)
	}
	if s.Pending() != 0 {
		t.Fatal("rejected request must leave the queue untouched")
	}
}

func TestSubmitRejectsWhenNotArmed(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Armed = false
	s := New(cfg, newFakeAdapter(), nil, nil, logx.Nop())

	_, err := s.Submit(context.Background(), Request{Name: "probe", Targets: []string{"chat1"}})
	if !errors.Is(err, ErrNotArmed) {
		t.Fatalf("err = %v, want ErrNotArmed", err)
	}
	if s.Pending() != 0 {
		t.Fatal("rejected request must leave the queue untouched")
	}
}

func TestDispatchLiveSend(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	st := newFakeStore()
	s := New(testConfig(), ad, st, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(context.Background(), Request{
		Name:        "evening",
		Targets:     []string{"chat1", "chat2"},
		Content:     messenger.Content{Text: "hello"},
		TriggeredAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sum := waitDone(t, s, id)
	if sum.Sent != 2 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v, want 2 sent", sum)
	}
	if sum.Mode != ModeLive {
		t.Fatalf("mode = %v, want live", sum.Mode)
	}
	if got := ad.delivered(); len(got) != 2 {
		t.Fatalf("delivered = %v, want both targets", got)
	}
	if recs := st.records(); len(recs) != 2 {
		t.Fatalf("action log has %d records, want 2", len(recs))
	}
	st.mu.Lock()
	_, ok1 := st.last["chat1"]
	_, ok2 := st.last["chat2"]
	st.mu.Unlock()
	if !ok1 || !ok2 {
		t.Fatal("sent actions must record last-sent timestamps")
	}
}

func TestDispatchDryRunTouchesNothing(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	st := newFakeStore()
	cfg := testConfig()
	cfg.DryRun = true
	cfg.MinSendInterval = time.Hour
	s := New(cfg, ad, st, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	submit := func() Summary {
		id, err := s.Submit(context.Background(), Request{
			Name:        "rehearsal",
			Targets:     []string{"chat1"},
			TriggeredAt: time.Now().Add(-time.Second),
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return waitDone(t, s, id)
	}

	// Repeated dry runs settle as sent every time: no adapter calls, no
	// dedupe records, no rate-window usage.
	for i := 0; i < 3; i++ {
		sum := submit()
		if sum.Mode != ModePreview || sum.Sent != 1 {
			t.Fatalf("run %d: summary = %+v, want 1 preview sent", i, sum)
		}
	}
	if got := ad.delivered(); len(got) != 0 {
		t.Fatalf("dry run called the adapter: %v", got)
	}
	st.mu.Lock()
	nLast := len(st.last)
	st.mu.Unlock()
	if nLast != 0 {
		t.Fatal("dry run must not write dedupe records")
	}
	if n := s.window.Count(time.Now()); n != 0 {
		t.Fatalf("dry run consumed %d rate-window slots", n)
	}
}

func TestDispatchSkipsMissingSession(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	ad.ready["chat1"] = messenger.ErrTargetNotFound
	st := newFakeStore()
	s := New(testConfig(), ad, st, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(context.Background(), Request{
		Name:        "evening",
		Targets:     []string{"chat1", "chat2"},
		TriggeredAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sum := waitDone(t, s, id)
	if sum.Sent != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 sent 1 skipped", sum)
	}
	// Skips never update the dedupe record.
	st.mu.Lock()
	_, skippedMarked := st.last["chat1"]
	st.mu.Unlock()
	if skippedMarked {
		t.Fatal("skipped action must not record a last-sent timestamp")
	}
}

func TestDispatchRetriesThenSends(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	ad.failures["chat1"] = 2
	s := New(testConfig(), ad, nil, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(context.Background(), Request{
		Name:        "flaky",
		Targets:     []string{"chat1"},
		TriggeredAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sum := waitDone(t, s, id)
	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 sent", sum)
	}
	for _, a := range s.QueueSnapshot() {
		if a.Request == id && a.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", a.Attempts)
		}
	}
}

func TestDispatchFailsAfterExhaustion(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	ad.failures["chat1"] = 10
	st := newFakeStore()
	s := New(testConfig(), ad, st, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(context.Background(), Request{
		Name:        "down",
		Targets:     []string{"chat1"},
		TriggeredAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sum := waitDone(t, s, id)
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}
	// Failure is a terminal attempt: the dedupe record is written.
	st.mu.Lock()
	_, marked := st.last["chat1"]
	st.mu.Unlock()
	if !marked {
		t.Fatal("failed action must record a last-sent timestamp")
	}
	recs := st.records()
	if len(recs) != 1 || recs[0].Status != string(StatusFailed) || recs[0].Attempts != 3 {
		t.Fatalf("action log = %+v, want one failed record with 3 attempts", recs)
	}
}

func TestDispatchDedupeAcrossRequests(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	st := newFakeStore()
	cfg := testConfig()
	cfg.MinSendInterval = time.Hour
	s := New(cfg, ad, st, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	submit := func(name string) Summary {
		id, err := s.Submit(context.Background(), Request{
			Name:        name,
			Targets:     []string{"chat1"},
			TriggeredAt: time.Now().Add(-time.Second),
		})
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		return waitDone(t, s, id)
	}

	if sum := submit("first"); sum.Sent != 1 {
		t.Fatalf("first summary = %+v, want sent", sum)
	}
	if sum := submit("second"); sum.Skipped != 1 {
		t.Fatalf("second summary = %+v, want skipped", sum)
	}
	if got := ad.delivered(); len(got) != 1 {
		t.Fatalf("delivered = %v, want exactly one send", got)
	}
}

func TestCancelPendingActions(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), newFakeAdapter(), nil, nil, logx.Nop())
	// Not started: nothing is consumed, so the whole batch stays pending.

	id, err := s.Submit(context.Background(), Request{
		Name:        "later",
		Targets:     []string{"chat1", "chat2"},
		TriggeredAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if removed := s.Cancel(id); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if s.Pending() != 0 {
		t.Fatal("queue must be empty after cancel")
	}
}
