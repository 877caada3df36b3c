package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

func TestCaptureWritesRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := New(Config{Enabled: true, Dir: dir}, nil, logx.Nop())

	w.Capture(context.Background(), dispatch.Action{
		ID:       "req:1:0",
		Request:  "req:1",
		Target:   "@some channel!",
		Attempts: 3,
		Error:    "flood wait",
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("wrote %d files, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "failed__some_channel__") {
		t.Fatalf("unexpected file name %q", name)
	}

	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if rec["target"] != "@some channel!" || rec["error"] != "flood wait" {
		t.Fatalf("record = %v", rec)
	}
}

func TestWriterCapturesFailureEvents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bus := eventbus.New()
	w := New(Config{Enabled: true, Dir: dir}, bus, logx.Nop())
	w.Start(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeActionFailed,
		Data: dispatch.Action{ID: "req:1:0", Request: "req:1", Target: "chat1", Error: "down"},
	})
	// Non-failure events are ignored.
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeActionSent,
		Data: dispatch.Action{ID: "req:1:1", Request: "req:1", Target: "chat2"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(dir)
		if len(entries) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 evidence file, have %d", len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("sent event produced evidence: %d files", len(entries))
	}
}

func TestWriterDisabled(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	w := New(Config{Enabled: false}, bus, logx.Nop())
	w.Start(context.Background())
	// No subscription was made; Stop is a no-op.
	w.Stop()
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	if got := sanitize("chat-1_ok"); got != "chat-1_ok" {
		t.Fatalf("sanitize = %q", got)
	}
	if got := sanitize("@ch/..x"); got != "_ch___x" {
		t.Fatalf("sanitize = %q", got)
	}
}
