package config

import (
	"strconv"
	"strings"

	logx "timerbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe attrs for
// logging. Tokens and DSNs are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", trim(newCfg.Scheduler.Spec)),
			logx.String("scheduler.overlap", trim(newCfg.Scheduler.Overlap)),
			logx.Int("scheduler.page_size", newCfg.Scheduler.PageSize),
			logx.Int("scheduler.max_attempts", newCfg.Scheduler.MaxAttempts),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.delivery_timeout", trim(newCfg.Dispatch.DeliveryTimeout)),
		)
	}

	if !notifierEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.retry_max", optInt(newCfg.Notifier.RetryMax)),
			logx.String("notifier.send_timeout", trim(newCfg.Notifier.SendTimeout)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.String("storage.path", trim(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", trim(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Int("commands.workers", newCfg.Commands.Workers),
			logx.Int("commands.page_size", newCfg.Commands.PageSize),
			logx.String("commands.default_timezone", trim(newCfg.Commands.DefaultTimezone)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", trim(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. Logging and notifier settings apply live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "notifier":
		default:
			out = append(out, s)
		}
	}
	return out
}

// notifierEqual compares retry_max by value rather than by pointer.
func notifierEqual(a, b NotifierConfig) bool {
	if optInt(a.RetryMax) != optInt(b.RetryMax) {
		return false
	}
	a.RetryMax, b.RetryMax = nil, nil
	return a == b
}

func optInt(p *int) string {
	if p == nil {
		return "default"
	}
	return strconv.Itoa(*p)
}
