package storage

import (
	"context"
	"fmt"
	"strings"

	logx "timerbot/pkg/logx"
)

type migrator interface {
	Migrate(ctx context.Context) ([]string, error)
}

// Open opens the configured driver. SQL drivers are migrated before returning.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "sqlite":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(ctx, cfg, log)
	case "file", "json":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if _, err := Migrate(ctx, st, log); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Migrate applies pending schema migrations. Stores without a schema report none.
func Migrate(ctx context.Context, st Store, log logx.Logger) ([]string, error) {
	m, ok := st.(migrator)
	if !ok {
		return nil, nil
	}
	applied, err := m.Migrate(ctx)
	if err != nil {
		return applied, fmt.Errorf("migrate: %w", err)
	}
	for _, v := range applied {
		log.Info("migration applied", logx.String("version", v))
	}
	return applied, nil
}
