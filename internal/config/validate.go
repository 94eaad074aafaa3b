package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	kit "timerbot/internal/transport"
)

// Validate checks the static shape of cfg. It does not open the store or
// contact Telegram.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout":     c.Telegram.PollTimeout,
		"scheduler.cycle_timeout":   c.Scheduler.CycleTimeout,
		"dispatch.delivery_timeout": c.Dispatch.DeliveryTimeout,
		"notifier.retry_base":       c.Notifier.RetryBase,
		"notifier.retry_max_delay":  c.Notifier.RetryMaxDelay,
		"notifier.send_timeout":     c.Notifier.SendTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"commands.timeout":          c.Commands.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Telegram.Enabled {
		if _, err := kit.ParseTarget(c.Logging.Telegram.Chat); err != nil {
			add(fmt.Errorf("logging.telegram.chat: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Scheduler.Overlap)) {
	case "", "allow", "skip":
	default:
		add(fmt.Errorf("scheduler.overlap: must be allow or skip, got %q", c.Scheduler.Overlap))
	}
	if c.Scheduler.PageSize < 0 || c.Scheduler.MaxAttempts < 0 {
		add(errors.New("scheduler: page_size and max_attempts must be >= 0"))
	}

	if n := c.Notifier.RetryMax; n != nil && *n < 0 {
		add(fmt.Errorf("notifier.retry_max: must be >= 0, got %d", *n))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "file", "sqlite":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if tz := strings.TrimSpace(c.Commands.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("commands.default_timezone: %w", err))
		}
	}

	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 || c.Commands.Workers < 0 {
		add(errors.New("workers and queue sizes must be >= 0"))
	}

	return errors.Join(errs...)
}
