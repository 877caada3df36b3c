package config

import (
	"fmt"
	"strings"
	"time"

	"castbot/internal/adapters/telegram"
	"castbot/internal/dispatch"
	"castbot/internal/evidence"
	"castbot/internal/storage"
	"castbot/internal/trigger"
	logx "castbot/pkg/logx"
)

type Config struct {
	Safety   SafetyConfig   `json:"safety"`
	Targets  TargetsConfig  `json:"targets"`
	Dispatch DispatchConfig `json:"dispatch"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     []TaskConfig    `json:"tasks,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Evidence *EvidenceConfig `json:"evidence,omitempty"`
}

// SafetyConfig is the fuse. Both knobs default to the safe side: a config
// that omits this block cannot reach real chats.
type SafetyConfig struct {
	Armed  bool  `json:"armed"`
	DryRun *bool `json:"dry_run,omitempty"` // omitted means true
}

func (s SafetyConfig) DryRunOn() bool {
	if s.DryRun == nil {
		return true
	}
	return *s.DryRun
}

type TargetsConfig struct {
	Allowed []string `json:"allowed"`
}

// DispatchConfig controls admission and pacing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	MaxPerMinute      int    `json:"max_per_minute,omitempty"`      // default 10
	MinSendInterval   string `json:"min_send_interval,omitempty"`   // default "60s"
	RandomDelayWindow string `json:"random_delay_window,omitempty"` // default "30m"
	MinGap            string `json:"min_gap,omitempty"`             // default "120s"

	RetryBase     string  `json:"retry_base,omitempty"`      // default "1s"
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"` // default "30s"
	RetryJitter   float64 `json:"retry_jitter,omitempty"`    // default 0.3
	MaxRetries    int     `json:"max_retries,omitempty"`     // default 3
}

type TelegramConfig struct {
	Token string `json:"token"`
	// SendTimeout is a Go duration string (e.g. "10s").
	SendTimeout     string `json:"send_timeout,omitempty"`
	FloodRatePerSec int    `json:"flood_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// TaskConfig is one scheduled broadcast.
//
// Schedule accepts "daily HH:MM", "weekly <dow> HH:MM", "monthly <dom> HH:MM",
// a bare Go duration ("6h"), or a raw 5-field cron spec.
type TaskConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Targets  []string `json:"targets"`
	Text     string   `json:"text"`
	Image    string   `json:"image,omitempty"`
	// Window overrides dispatch.random_delay_window for this task.
	Window string `json:"window,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./castbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type EvidenceConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

const (
	defaultMaxPerMinute    = 10
	defaultMinSendInterval = 60 * time.Second
	defaultDelayWindow     = 30 * time.Minute
	defaultMinGap          = 120 * time.Second
	defaultRetryBase       = time.Second
	defaultRetryMaxDelay   = 30 * time.Second
	defaultRetryJitter     = 0.3
	defaultMaxRetries      = 3
	defaultSendTimeout     = 10 * time.Second
)

// Validate checks the whole record. It parses every duration field and every
// task schedule so a bad reload is rejected before anything is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.DispatchConfig(); err != nil {
		return err
	}
	if _, err := cfg.TelegramConfig(); err != nil {
		return err
	}
	if _, err := cfg.StorageConfig(); err != nil {
		return err
	}
	if _, err := cfg.TriggerConfig(); err != nil {
		return err
	}
	if _, err := cfg.TriggerTasks(); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if cfg.Dispatch.RetryJitter < 0 || cfg.Dispatch.RetryJitter > 1 {
		return fmt.Errorf("dispatch.retry_jitter: must be in [0,1]")
	}
	if cfg.Dispatch.MaxPerMinute < 0 {
		return fmt.Errorf("dispatch.max_per_minute: must be >= 0")
	}
	for i, t := range cfg.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if len(t.Targets) == 0 {
			return fmt.Errorf("tasks[%d] (%s): at least one target is required", i, t.Name)
		}
	}
	return nil
}

func (c *Config) DispatchConfig() (dispatch.Config, error) {
	d := c.Dispatch

	minInterval, err := ParseDurationOrDefault("dispatch.min_send_interval", d.MinSendInterval, defaultMinSendInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	minGap, err := ParseDurationOrDefault("dispatch.min_gap", d.MinGap, defaultMinGap)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, defaultRetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, defaultRetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}

	maxPerMinute := d.MaxPerMinute
	if maxPerMinute == 0 {
		maxPerMinute = defaultMaxPerMinute
	}
	jitter := d.RetryJitter
	if jitter == 0 {
		jitter = defaultRetryJitter
	}
	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return dispatch.Config{
		Armed:           c.Safety.Armed,
		DryRun:          c.Safety.DryRunOn(),
		AllowedTargets:  append([]string(nil), c.Targets.Allowed...),
		MaxPerMinute:    maxPerMinute,
		MinSendInterval: minInterval,
		MinGap:          minGap,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		RetryJitter:     jitter,
		MaxRetries:      maxRetries,
	}, nil
}

func (c *Config) TelegramConfig() (telegram.Config, error) {
	timeout, err := ParseDurationOrDefault("telegram.send_timeout", c.Telegram.SendTimeout, defaultSendTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:           strings.TrimSpace(c.Telegram.Token),
		SendTimeout:     timeout,
		FloodRatePerSec: c.Telegram.FloodRatePerSec,
	}, nil
}

func (c *Config) LoggingConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func (c *Config) EvidenceConfig() evidence.Config {
	if c.Evidence == nil {
		return evidence.Config{}
	}
	return evidence.Config{Enabled: c.Evidence.Enabled, Dir: c.Evidence.Dir}
}

func (c *Config) TriggerConfig() (trigger.Config, error) {
	window, err := ParseDurationOrDefault("dispatch.random_delay_window", c.Dispatch.RandomDelayWindow, defaultDelayWindow)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Enabled:       c.Scheduler.Enabled,
		Timezone:      c.Scheduler.Timezone,
		DefaultWindow: window,
	}, nil
}

// TriggerTasks converts the task list, validating every schedule and window.
func (c *Config) TriggerTasks() ([]trigger.Task, error) {
	out := make([]trigger.Task, 0, len(c.Tasks))
	for i, t := range c.Tasks {
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			return nil, fmt.Errorf("tasks[%d] (%s): %w", i, t.Name, err)
		}
		task := trigger.Task{
			Name:     t.Name,
			Schedule: t.Schedule,
			Targets:  append([]string(nil), t.Targets...),
			Text:     t.Text,
			Image:    strings.TrimSpace(t.Image),
		}
		if strings.TrimSpace(t.Window) != "" {
			w, err := ParseDurationField(fmt.Sprintf("tasks[%d].window", i), t.Window)
			if err != nil {
				return nil, err
			}
			task.Window = &w
		}
		out = append(out, task)
	}
	return out, nil
}
