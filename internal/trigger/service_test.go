package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"castbot/internal/dispatch"
	logx "castbot/pkg/logx"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatch.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "req:1", nil
}

func (f *fakeSubmitter) requests() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.reqs...)
}

func TestRenderText(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	got := renderText("report {ts} end", now)
	want := "report 2026-01-02 09:30:00 end"
	if got != want {
		t.Fatalf("renderText = %q, want %q", got, want)
	}
	if got := renderText("static", now); got != "static" {
		t.Fatalf("renderText without placeholder = %q", got)
	}
}

func TestFireSubmitsRequest(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := New(Config{DefaultWindow: 30 * time.Minute}, sub, logx.Nop())
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.fire(Task{
		Name:    "morning",
		Targets: []string{"chat1", "chat2"},
		Text:    "hello {ts}",
		Image:   "./promo.jpg",
	})

	reqs := sub.requests()
	if len(reqs) != 1 {
		t.Fatalf("submitted %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Name != "morning" || len(req.Targets) != 2 {
		t.Fatalf("request = %+v", req)
	}
	if req.Content.Text != "hello 2026-01-02 09:00:00" {
		t.Fatalf("text = %q", req.Content.Text)
	}
	if req.Content.ImagePath != "./promo.jpg" {
		t.Fatalf("image = %q", req.Content.ImagePath)
	}
	if !req.TriggeredAt.Equal(now) {
		t.Fatalf("triggered at %v, want %v", req.TriggeredAt, now)
	}
	if req.Window != 30*time.Minute {
		t.Fatalf("window = %v, want default", req.Window)
	}
}

func TestFireTaskWindowOverride(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := New(Config{DefaultWindow: 30 * time.Minute}, sub, logx.Nop())

	w := 5 * time.Minute
	s.fire(Task{Name: "quick", Targets: []string{"chat1"}, Window: &w})

	reqs := sub.requests()
	if len(reqs) != 1 || reqs[0].Window != w {
		t.Fatalf("requests = %+v, want window %v", reqs, w)
	}
}

func TestFireRejectionDoesNotPanic(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{err: dispatch.ErrNotArmed}
	s := New(Config{}, sub, logx.Nop())
	s.fire(Task{Name: "blocked", Targets: []string{"chat1"}})
	if len(sub.requests()) != 0 {
		t.Fatal("rejected request must not be recorded")
	}
}

func TestSetTasksValidatesSchedules(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSubmitter{}, logx.Nop())

	if err := s.SetTasks([]Task{
		{Name: "a", Schedule: "daily 10:00", Targets: []string{"chat1"}},
		{Name: "b", Schedule: "@every 6h", Targets: []string{"chat1"}},
	}); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}

	infos := s.Tasks()
	if len(infos) != 2 || infos[0].Spec != "0 10 * * *" {
		t.Fatalf("Tasks() = %+v", infos)
	}

	if err := s.SetTasks([]Task{{Name: "bad", Schedule: "daily 99:00"}}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	// A failed SetTasks keeps the previous definitions.
	if len(s.Tasks()) != 2 {
		t.Fatal("failed SetTasks must not replace registered tasks")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, &fakeSubmitter{}, logx.Nop())
	if err := s.SetTasks([]Task{{Name: "t", Schedule: "daily 10:00", Targets: []string{"chat1"}}}); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}

	ctx := context.Background()
	s.Start(ctx)

	infos := s.Tasks()
	if len(infos) != 1 || infos[0].Next.IsZero() {
		t.Fatalf("expected a next fire time after Start, got %+v", infos)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
}
