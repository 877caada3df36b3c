package dispatch

import (
	"time"

	"castbot/internal/messenger"
)

// Status is the lifecycle state of an Action.
//
// pending is the only initial state; sent, skipped and failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Mode is the admission outcome of the safety gate.
type Mode int

const (
	// ModeLive delivers through the messenger adapter.
	ModeLive Mode = iota
	// ModePreview simulates delivery without contacting the adapter.
	ModePreview
)

func (m Mode) String() string {
	if m == ModePreview {
		return "preview"
	}
	return "live"
}

// Request is one logical broadcast: the same content fanned out to a set of
// targets. Immutable after submission.
//
// Window is the randomization window for scheduled times; zero means "send
// immediately" (scheduling degenerates to pure MinGap spacing). MinGap is the
// minimum spacing enforced between this request's actions and every other
// pending action in the queue.
type Request struct {
	Name        string
	Targets     []string
	Content     messenger.Content
	TriggeredAt time.Time
	Window      time.Duration
	MinGap      time.Duration
}

// Action is one scheduled send to one target.
//
// The send queue owns every action until it settles; the dispatch loop is the
// sole writer of Status/Attempts after an action is popped.
type Action struct {
	ID          string
	Request     string
	Target      string
	Content     messenger.Content
	ScheduledAt time.Time
	Status      Status
	Attempts    int
	Error       string
	Mode        Mode
	MinGap      time.Duration
	SettledAt   time.Time

	seq    uint64
	popped bool
}

func (a *Action) terminal() bool {
	return a.Status == StatusSent || a.Status == StatusSkipped || a.Status == StatusFailed
}

// Summary is the per-request outcome report. Counters fill in as the
// dispatch loop settles the request's actions.
type Summary struct {
	ID        string
	Name      string
	Mode      Mode
	Scheduled int
	Sent      int
	Skipped   int
	Failed    int
	CreatedAt time.Time
	DoneAt    time.Time
}

// Done reports whether every scheduled action has reached a terminal state.
func (s Summary) Done() bool {
	return s.Scheduled > 0 && s.Sent+s.Skipped+s.Failed >= s.Scheduled
}
