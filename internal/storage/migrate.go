package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrationDB is the minimal surface a driver exposes to the migration runner.
type migrationDB interface {
	ensureMigrationsTable(ctx context.Context) error
	migrationApplied(ctx context.Context, version string) (bool, error)
	// applyMigration runs the script and records version atomically.
	applyMigration(ctx context.Context, version, script string) error
}

// runMigrations applies every not-yet-applied *.sql file under dir, in name order.
// It returns the versions applied by this call.
func runMigrations(ctx context.Context, db migrationDB, dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := db.ensureMigrationsTable(ctx); err != nil {
		return nil, unavailable("migrate", err)
	}

	var applied []string
	for _, f := range files {
		done, err := db.migrationApplied(ctx, f)
		if err != nil {
			return applied, unavailable("migrate", err)
		}
		if done {
			continue
		}
		b, err := migrationsFS.ReadFile(path.Join(dir, f))
		if err != nil {
			return applied, err
		}
		if err := db.applyMigration(ctx, f, string(b)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}
