package app

import (
	"context"
	"fmt"

	"timerbot/internal/config"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// Migrate opens the configured store, which applies pending schema
// migrations, and closes it again. It does not need a Telegram token.
func Migrate(ctx context.Context, cfgPath string, log logx.Logger) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	log.Info("storage schema up to date", logx.String("driver", scfg.Driver))
	return st.Close()
}
