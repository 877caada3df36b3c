// Package evidence captures best-effort failure evidence for actions that
// exhaust their retries: a JSON snapshot of the action and its error chain,
// written to an output directory for later inspection.
package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Dir     string
}

type Writer struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	mu     sync.Mutex
	unsub  func()
	doneCh chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "./output"
	}
	return &Writer{cfg: cfg, bus: bus, log: log}
}

// Start subscribes to action failure events. Capture is best-effort: write
// errors are logged, never propagated.
func (w *Writer) Start(ctx context.Context) {
	if !w.cfg.Enabled || w.bus == nil {
		return
	}
	w.mu.Lock()
	if w.unsub != nil {
		w.mu.Unlock()
		return
	}
	ch, unsub := w.bus.Subscribe(32)
	w.unsub = unsub
	done := make(chan struct{})
	w.doneCh = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeActionFailed {
					continue
				}
				a, ok := ev.Data.(dispatch.Action)
				if !ok {
					continue
				}
				w.Capture(ctx, a)
			}
		}
	}()
}

func (w *Writer) Stop() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	done := w.doneCh
	w.doneCh = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if done != nil {
		<-done
	}
}

// Capture writes one evidence record for a terminally failed action.
func (w *Writer) Capture(ctx context.Context, a dispatch.Action) {
	_ = ctx
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		w.log.Warn("evidence dir create failed", logx.String("dir", w.cfg.Dir), logx.Err(err))
		return
	}

	ts := time.Now().Format("20060102_150405.000")
	name := "failed_" + sanitize(a.Target) + "_" + strings.ReplaceAll(ts, ".", "_") + ".json"
	path := filepath.Join(w.cfg.Dir, name)

	rec := struct {
		Action      string    `json:"action"`
		Request     string    `json:"request"`
		Target      string    `json:"target"`
		ScheduledAt time.Time `json:"scheduled_at"`
		SettledAt   time.Time `json:"settled_at"`
		Attempts    int       `json:"attempts"`
		Error       string    `json:"error"`
		TextLen     int       `json:"text_len"`
		ImagePath   string    `json:"image_path,omitempty"`
	}{
		Action:      a.ID,
		Request:     a.Request,
		Target:      a.Target,
		ScheduledAt: a.ScheduledAt,
		SettledAt:   a.SettledAt,
		Attempts:    a.Attempts,
		Error:       a.Error,
		TextLen:     len(a.Content.Text),
		ImagePath:   a.Content.ImagePath,
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		w.log.Warn("evidence marshal failed", logx.Err(err))
		return
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		w.log.Warn("evidence write failed", logx.String("path", path), logx.Err(err))
		return
	}
	w.log.Info("failure evidence captured", logx.String("path", path), logx.String("target", a.Target))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
