package trigger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/dispatch"
	"castbot/internal/messenger"
	logx "castbot/pkg/logx"
)

const tsPlaceholder = "{ts}"
const tsFormat = "2006-01-02 15:04:05"

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		sub:    sub,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// SetTasks replaces the registered task set. If the cron runner is live, the
// schedules are re-registered immediately.
func (s *Service) SetTasks(tasks []Task) error {
	defs := make([]taskDef, 0, len(tasks))
	for _, t := range tasks {
		spec, err := ParseSchedule(t.Schedule)
		if err != nil {
			return err
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return err
		}
		defs = append(defs, taskDef{task: t, spec: spec})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		// restart cron with the new location and re-register definitions
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", loc.String()), logx.Int("tasks", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// Tasks returns the registered schedules with their next/prev fire times.
func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := TaskInfo{Name: d.task.Name, Schedule: d.task.Schedule, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
}

func (s *Service) addCronLocked(d *taskDef) {
	task := d.task
	id, err := s.c.AddFunc(d.spec, func() { s.fire(task) })
	if err != nil {
		// Specs are validated in SetTasks; reaching this means the parser
		// and runner disagree, which is worth a loud log.
		s.log.Error("cron registration failed", logx.String("task", task.Name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
}

// fire builds and submits one broadcast request at its trigger time.
// Admission errors reject the whole request and are logged by rule.
func (s *Service) fire(t Task) {
	now := s.now()

	s.mu.Lock()
	window := s.cfg.DefaultWindow
	s.mu.Unlock()
	if t.Window != nil {
		window = *t.Window
	}

	req := dispatch.Request{
		Name:        t.Name,
		Targets:     t.Targets,
		Content:     messenger.Content{Text: renderText(t.Text, now), ImagePath: t.Image},
		TriggeredAt: now,
		Window:      window,
	}

	id, err := s.sub.Submit(context.Background(), req)
	if err != nil {
		var wl *dispatch.WhitelistError
		switch {
		case errors.As(err, &wl):
			s.log.Error("task rejected by whitelist", logx.String("task", t.Name), logx.String("targets", strings.Join(wl.Targets, ",")))
		case errors.Is(err, dispatch.ErrNotArmed):
			s.log.Error("task rejected by safety fuse", logx.String("task", t.Name))
		default:
			s.log.Error("task submit failed", logx.String("task", t.Name), logx.Err(err))
		}
		return
	}
	s.log.Info("task fired", logx.String("task", t.Name), logx.String("request", id), logx.Int("targets", len(t.Targets)))
}

func renderText(text string, now time.Time) string {
	return strings.ReplaceAll(text, tsPlaceholder, now.Format(tsFormat))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
