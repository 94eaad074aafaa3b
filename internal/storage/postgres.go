package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgTimerCols = `id, group_id, name, description, location, location_kind, channel, mentions,
	timezone, start_at, end_at, recurrence, status, attempts, last_error, created_at, updated_at`

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*pgStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConnLifetime = 5 * time.Minute
	pcfg.MaxConnIdleTime = 1 * time.Minute
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Migrate(ctx context.Context) ([]string, error) {
	return runMigrations(ctx, s, "migrations/postgres")
}

func (s *pgStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

func (s *pgStore) migrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (s *pgStore) applyMigration(ctx context.Context, version, script string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, script); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, version)
		return err
	})
}

func scanPGTimer(r pgx.Row) (timer.Timer, error) {
	var t timer.Timer
	var kind, rec, status string
	err := r.Scan(&t.ID, &t.GroupID, &t.Name, &t.Description, &t.Location, &kind, &t.Channel, &t.Mentions,
		&t.Timezone, &t.StartAt, &t.EndAt, &rec, &status, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return timer.Timer{}, err
	}
	t.LocationKind = timer.LocationKind(kind)
	t.Recurrence = timer.Recurrence(rec)
	t.Status = timer.Status(status)
	t.StartAt = t.StartAt.UTC()
	t.EndAt = t.EndAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// queryPage appends LIMIT/OFFSET placeholders after the caller's args.
func (s *pgStore) queryPage(ctx context.Context, op, query string, page, pageSize int, args ...any) (Page, error) {
	page, pageSize = normPage(page, pageSize)
	n := len(args)
	args = append(args, pageSize+1, (page-1)*pageSize)
	rows, err := s.pool.Query(ctx, fmt.Sprintf("%s LIMIT $%d OFFSET $%d", query, n+1, n+2), args...)
	if err != nil {
		return Page{}, unavailable(op, err)
	}
	defer rows.Close()

	out := Page{Page: page}
	for rows.Next() {
		t, err := scanPGTimer(rows)
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

func (s *pgStore) FindDue(ctx context.Context, before time.Time, afterID string, pageSize int) (Page, error) {
	_, pageSize = normPage(1, pageSize)
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTimerCols+` FROM timers WHERE start_at <= $1 AND status <> $2 AND id > $3 ORDER BY id LIMIT $4`,
		before.UTC(), string(timer.StatusFailed), afterID, pageSize+1)
	if err != nil {
		return Page{}, unavailable("find due", err)
	}
	defer rows.Close()

	var items []timer.Timer
	for rows.Next() {
		t, err := scanPGTimer(rows)
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

func (s *pgStore) ListByGroup(ctx context.Context, groupID string, page, pageSize int) (Page, error) {
	return s.queryPage(ctx, "list by group",
		`SELECT `+pgTimerCols+` FROM timers WHERE group_id=$1 ORDER BY id`,
		page, pageSize, groupID)
}

func (s *pgStore) FindByTitle(ctx context.Context, groupID, title string, page, pageSize int) (Page, error) {
	return s.queryPage(ctx, "find by title",
		`SELECT `+pgTimerCols+` FROM timers WHERE group_id=$1 AND strpos(lower(name), lower($2)) > 0 ORDER BY id`,
		page, pageSize, groupID, strings.TrimSpace(title))
}

func (s *pgStore) Advance(ctx context.Context, id string, prevStart, nextStart, nextEnd time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timers SET start_at=$2, end_at=$3, attempts=0, last_error='', updated_at=now()
		WHERE id=$1 AND start_at=$4
	`, id, nextStart.UTC(), nextEnd.UTC(), prevStart.UTC())
	if err != nil {
		return unavailable("advance", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("advance %s: %w", id, ErrConflict)
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM timers WHERE id=$1`, id)
	if err != nil {
		return unavailable("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgStore) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE timers SET attempts = attempts + 1, last_error=$2, updated_at=now(),
		  status = CASE WHEN $3::int > 0 AND attempts + 1 >= $3::int THEN $4 ELSE status END
		WHERE id=$1 RETURNING attempts
	`, id, reason, maxAttempts, string(timer.StatusFailed)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("record failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("record failure", err)
	}
	return attempts, nil
}

func (s *pgStore) Create(ctx context.Context, t timer.Timer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = timer.StatusScheduled
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO timers (`+pgTimerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.GroupID, t.Name, t.Description, t.Location, string(t.LocationKind), t.Channel, t.Mentions,
		t.Timezone, t.StartAt.UTC(), t.EndAt.UTC(), string(t.Recurrence), string(t.Status), t.Attempts, t.LastError,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("create %s: %w", t.ID, ErrConflict)
	}
	return unavailable("create", err)
}

func (s *pgStore) Get(ctx context.Context, id string) (timer.Timer, error) {
	t, err := scanPGTimer(s.pool.QueryRow(ctx, `SELECT `+pgTimerCols+` FROM timers WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return timer.Timer{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return timer.Timer{}, unavailable("get", err)
	}
	return t, nil
}

func (s *pgStore) Update(ctx context.Context, id string, p timer.Patch, now time.Time) (timer.Timer, error) {
	var next timer.Timer
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanPGTimer(tx.QueryRow(ctx, `SELECT `+pgTimerCols+` FROM timers WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return unavailable("update", err)
		}
		next, err = p.Apply(cur, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE timers SET name=$2, description=$3, location=$4, channel=$5, mentions=$6,
			  start_at=$7, end_at=$8, status=$9, attempts=$10, last_error=$11, updated_at=$12
			WHERE id=$1
		`, id, next.Name, next.Description, next.Location, next.Channel, next.Mentions,
			next.StartAt.UTC(), next.EndAt.UTC(), string(next.Status), next.Attempts, next.LastError, next.UpdatedAt.UTC())
		return unavailable("update", err)
	})
	if err != nil {
		return timer.Timer{}, err
	}
	return next, nil
}

func (s *pgStore) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM timers WHERE group_id=$1`, groupID)
	if err != nil {
		return 0, unavailable("delete by group", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) UpsertGroup(ctx context.Context, g Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_groups (id, name, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name
	`, g.ID, g.Name, g.CreatedAt.UTC())
	return unavailable("upsert group", err)
}

func (s *pgStore) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM timers WHERE group_id=$1`, groupID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		_, err = tx.Exec(ctx, `DELETE FROM chat_groups WHERE id=$1`, groupID)
		return err
	})
	if err != nil {
		return 0, unavailable("delete group", err)
	}
	return int(n), nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return unavailable("ping", s.pool.Ping(ctx))
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
