package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/dispatch"
	logx "castbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// DefaultWindow is the randomization window applied to tasks that do not
	// override it.
	DefaultWindow time.Duration
}

// Task is one configured broadcast: a schedule plus the request template it
// fires. Text may contain the placeholder "{ts}", replaced with the fire time.
type Task struct {
	Name     string
	Schedule string
	Targets  []string
	Text     string
	Image    string
	Window   *time.Duration // nil: use Config.DefaultWindow
}

// Submitter is the slice of the dispatcher the trigger needs.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (string, error)
}

type taskDef struct {
	task    Task
	spec    string // normalized cron spec
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	sub Submitter
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []taskDef

	now func() time.Time
}

// TaskInfo describes one registered schedule for introspection.
type TaskInfo struct {
	Name     string
	Schedule string
	Spec     string
	Next     time.Time
	Prev     time.Time
}
