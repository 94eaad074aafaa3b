package app

import (
	"fmt"
	"strings"
	"time"

	"timerbot/internal/commands"
	"timerbot/internal/config"
	"timerbot/internal/dispatch"
	"timerbot/internal/httpapi"
	"timerbot/internal/notifier"
	"timerbot/internal/scheduler"
	"timerbot/internal/storage"
	kit "timerbot/internal/transport"
	telegram "timerbot/internal/transport/telegram/adapter"
	logx "timerbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	tok := strings.TrimSpace(cfg.Telegram.Token)
	if tok == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set %sTELEGRAM_TOKEN)", config.EnvPrefix)
	}
	return telegram.Config{Token: tok, PollTimeout: poll}, nil
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if lc.Telegram.Enabled {
		target, err := kit.ParseTarget(lc.Telegram.Chat)
		if err != nil {
			return logx.Config{}, fmt.Errorf("logging.telegram.chat: %w", err)
		}
		out.Chat.Target = target
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file":
		if path == "" {
			path = "timers.json"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite":
		if path == "" {
			path = "timerbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	timeout, err := config.ParseDurationField("dispatch.delivery_timeout", dc.DeliveryTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	workers := dc.Workers
	if workers <= 0 {
		workers = 8
	}
	return dispatch.Config{
		Workers:     workers,
		QueueSize:   dc.QueueSize,
		TaskTimeout: timeout,
		HistorySize: dc.HistorySize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	send, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retries := notifier.DefaultRetryMax
	if nc.RetryMax != nil {
		retries = *nc.RetryMax
	}
	if retries < 0 || nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max and notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		RatePerSec:    nc.RatePerSec,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   send,
		HistorySize:   nc.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	overlap, err := scheduler.ParseOverlap(sc.Overlap)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.overlap: %w", err)
	}
	if _, err := scheduler.NormalizeSpec(sc.Spec); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.spec: %w", err)
	}
	timeout, err := config.ParseDurationField("scheduler.cycle_timeout", sc.CycleTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Spec:         sc.Spec,
		Overlap:      overlap,
		PageSize:     sc.PageSize,
		CycleTimeout: timeout,
	}, nil
}

func mapCommandsConfig(cfg *config.Config) (commands.Config, error) {
	cc := cfg.Commands
	timeout, err := config.ParseDurationField("commands.timeout", cc.Timeout)
	if err != nil {
		return commands.Config{}, err
	}
	return commands.Config{
		Workers:         cc.Workers,
		Timeout:         timeout,
		PageSize:        cc.PageSize,
		DefaultTimezone: strings.TrimSpace(cc.DefaultTimezone),
	}, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
}

// validate runs every mapper so a reload is rejected before anything is applied.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCommandsConfig(cfg); err != nil {
		return err
	}
	return nil
}
