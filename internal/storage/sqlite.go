package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

// Instants are stored as unix seconds (UTC).
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const sqliteTimerCols = `id, group_id, name, description, location, location_kind, channel, mentions,
	timezone, start_at, end_at, recurrence, status, attempts, last_error, created_at, updated_at`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) ([]string, error) {
	return runMigrations(ctx, s, "migrations/sqlite")
}

func (s *sqliteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`)
	return err
}

func (s *sqliteStore) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) applyMigration(ctx context.Context, version, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTimer(r rowScanner) (timer.Timer, error) {
	var t timer.Timer
	var kind, rec, status string
	var start, end, created, updated int64
	err := r.Scan(&t.ID, &t.GroupID, &t.Name, &t.Description, &t.Location, &kind, &t.Channel, &t.Mentions,
		&t.Timezone, &start, &end, &rec, &status, &t.Attempts, &t.LastError, &created, &updated)
	if err != nil {
		return timer.Timer{}, err
	}
	t.LocationKind = timer.LocationKind(kind)
	t.Recurrence = timer.Recurrence(rec)
	t.Status = timer.Status(status)
	t.StartAt = time.Unix(start, 0).UTC()
	t.EndAt = time.Unix(end, 0).UTC()
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

// queryPage runs a query selecting sqliteTimerCols with LIMIT/OFFSET appended.
func (s *sqliteStore) queryPage(ctx context.Context, op, query string, page, pageSize int, args ...any) (Page, error) {
	page, pageSize = normPage(page, pageSize)
	args = append(args, pageSize+1, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, query+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return Page{}, unavailable(op, err)
	}
	defer rows.Close()

	out := Page{Page: page}
	for rows.Next() {
		t, err := scanSQLiteTimer(rows)
		if err != nil {
			return Page{}, unavailable(op, err)
		}
		out.Items = append(out.Items, t)
	}
	if err := rows.Err(); err != nil {
		return Page{}, unavailable(op, err)
	}
	if len(out.Items) > pageSize {
		out.Items = out.Items[:pageSize]
		out.HasNext = true
	}
	return out, nil
}

func (s *sqliteStore) FindDue(ctx context.Context, before time.Time, afterID string, pageSize int) (Page, error) {
	_, pageSize = normPage(1, pageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTimerCols+` FROM timers WHERE start_at <= ? AND status <> ? AND id > ? ORDER BY id LIMIT ?`,
		before.Unix(), string(timer.StatusFailed), afterID, pageSize+1)
	if err != nil {
		return Page{}, unavailable("find due", err)
	}
	defer rows.Close()

	var items []timer.Timer
	for rows.Next() {
		t, err := scanSQLiteTimer(rows)
		if err != nil {
			return Page{}, unavailable("find due", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return Page{}, unavailable("find due", err)
	}
	return keysetPage(items, pageSize), nil
}

func (s *sqliteStore) ListByGroup(ctx context.Context, groupID string, page, pageSize int) (Page, error) {
	return s.queryPage(ctx, "list by group",
		`SELECT `+sqliteTimerCols+` FROM timers WHERE group_id = ? ORDER BY id`,
		page, pageSize, groupID)
}

func (s *sqliteStore) FindByTitle(ctx context.Context, groupID, title string, page, pageSize int) (Page, error) {
	return s.queryPage(ctx, "find by title",
		`SELECT `+sqliteTimerCols+` FROM timers WHERE group_id = ? AND instr(lower(name), lower(?)) > 0 ORDER BY id`,
		page, pageSize, groupID, strings.TrimSpace(title))
}

func (s *sqliteStore) Advance(ctx context.Context, id string, prevStart, nextStart, nextEnd time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET start_at = ?, end_at = ?, attempts = 0, last_error = '', updated_at = ?
		 WHERE id = ? AND start_at = ?`,
		nextStart.Unix(), nextEnd.Unix(), time.Now().Unix(), id, prevStart.Unix())
	if err != nil {
		return unavailable("advance", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("advance %s: %w", id, ErrConflict)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE timers SET attempts = attempts + 1, last_error = ?, updated_at = ?,
		   status = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN ? ELSE status END
		 WHERE id = ? RETURNING attempts`,
		reason, time.Now().Unix(), maxAttempts, maxAttempts, string(timer.StatusFailed), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("record failure", err)
	}
	return attempts, nil
}

func (s *sqliteStore) Create(ctx context.Context, t timer.Timer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = timer.StatusScheduled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers(`+sqliteTimerCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GroupID, t.Name, t.Description, t.Location, string(t.LocationKind), t.Channel, t.Mentions,
		t.Timezone, t.StartAt.Unix(), t.EndAt.Unix(), string(t.Recurrence), string(t.Status), t.Attempts, t.LastError,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("create %s: %w", t.ID, ErrConflict)
	}
	return unavailable("create", err)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (timer.Timer, error) {
	t, err := scanSQLiteTimer(s.db.QueryRowContext(ctx, `SELECT `+sqliteTimerCols+` FROM timers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return timer.Timer{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return timer.Timer{}, unavailable("get", err)
	}
	return t, nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, p timer.Patch, now time.Time) (timer.Timer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return timer.Timer{}, unavailable("update", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteTimer(tx.QueryRowContext(ctx, `SELECT `+sqliteTimerCols+` FROM timers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return timer.Timer{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return timer.Timer{}, unavailable("update", err)
	}
	next, err := p.Apply(cur, now)
	if err != nil {
		return timer.Timer{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE timers SET name = ?, description = ?, location = ?, channel = ?, mentions = ?,
		   start_at = ?, end_at = ?, status = ?, attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		next.Name, next.Description, next.Location, next.Channel, next.Mentions,
		next.StartAt.Unix(), next.EndAt.Unix(), string(next.Status), next.Attempts, next.LastError, next.UpdatedAt.Unix(), id)
	if err != nil {
		return timer.Timer{}, unavailable("update", err)
	}
	if err := tx.Commit(); err != nil {
		return timer.Timer{}, unavailable("update", err)
	}
	return next, nil
}

func (s *sqliteStore) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE group_id = ?`, groupID)
	if err != nil {
		return 0, unavailable("delete by group", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, g Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups(id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		g.ID, g.Name, g.CreatedAt.Unix())
	return unavailable("upsert group", err)
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("delete group", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE group_id = ?`, groupID)
	if err != nil {
		return 0, unavailable("delete group", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_groups WHERE id = ?`, groupID); err != nil {
		return 0, unavailable("delete group", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("delete group", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
