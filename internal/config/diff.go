package config

import (
	"reflect"
	"strings"

	logx "castbot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes the bot token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Safety first: arming or disarming the fuse is the change operators care
	// about most, so it always leads the summary.
	if oldCfg.Safety.Armed != newCfg.Safety.Armed ||
		oldCfg.Safety.DryRunOn() != newCfg.Safety.DryRunOn() {
		changed = append(changed, "safety")
		attrs = append(attrs,
			logx.Bool("safety.armed", newCfg.Safety.Armed),
			logx.Bool("safety.dry_run", newCfg.Safety.DryRunOn()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Targets.Allowed, newCfg.Targets.Allowed) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.allowed_count", len(newCfg.Targets.Allowed)))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_per_minute", newCfg.Dispatch.MaxPerMinute),
			logx.String("dispatch.min_send_interval", strings.TrimSpace(newCfg.Dispatch.MinSendInterval)),
			logx.String("dispatch.random_delay_window", strings.TrimSpace(newCfg.Dispatch.RandomDelayWindow)),
			logx.String("dispatch.min_gap", strings.TrimSpace(newCfg.Dispatch.MinGap)),
			logx.Int("dispatch.max_retries", newCfg.Dispatch.MaxRetries),
		)
	}

	// Telegram (never log token; only whether it changed)
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.SendTimeout) != strings.TrimSpace(newCfg.Telegram.SendTimeout) ||
		oldCfg.Telegram.FloodRatePerSec != newCfg.Telegram.FloodRatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.send_timeout", strings.TrimSpace(newCfg.Telegram.SendTimeout)),
			logx.Int("telegram.flood_rate_per_sec", newCfg.Telegram.FloodRatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler ||
		!reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.task_count", len(newCfg.Tasks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			)
		} else {
			attrs = append(attrs, logx.String("storage.driver", "none"))
		}
	}

	if !reflect.DeepEqual(oldCfg.Evidence, newCfg.Evidence) {
		changed = append(changed, "evidence")
		if newCfg.Evidence != nil {
			attrs = append(attrs, logx.Bool("evidence.enabled", newCfg.Evidence.Enabled))
		}
	}

	return changed, attrs
}
