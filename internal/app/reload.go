package app

import (
	"context"
	"strings"

	"timerbot/internal/config"
	logx "timerbot/pkg/logx"
)

// reloadLoop applies published configs. Logging and notifier settings apply
// live; other sections are logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}

		if lc, err := mapLoggingConfig(newCfg); err != nil {
			a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
		} else {
			a.logs.Apply(lc)
		}
		if nc, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(nc)
		}

		if pending := config.RestartRequired(sections); len(pending) > 0 {
			a.log.Warn("config sections changed; restart required for them to take effect",
				logx.String("sections", strings.Join(pending, ",")))
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}
