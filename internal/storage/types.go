// Package storage persists timers and groups.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via a pgx connection pool
//   - "file": JSON snapshot file, for single-node setups without a database
//   - "memory": process memory, for tests and dry runs
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"timerbot/internal/timer"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Advance when the stored start no longer
	// matches the expected previous start (another worker advanced it).
	ErrConflict = errors.New("conflict: timer changed concurrently")
	// ErrUnavailable wraps transient infrastructure failures.
	ErrUnavailable = errors.New("store unavailable")
)

const DefaultPageSize = 200

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite, file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

// Page is one page of a paginated query. Offset pages (ListByGroup,
// FindByTitle) are 1-based; keyset pages (FindDue) leave Page zero and
// resume from Next.
type Page struct {
	Items   []timer.Timer
	Page    int
	HasNext bool
	// Next is the id of the last item, the cursor for the following keyset page.
	Next string
}

// Group is the owner of timers (a chat the bot was added to).
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TimerStore is the contract consumed by the dispatch core.
type TimerStore interface {
	// FindDue returns up to pageSize timers with StartAt <= before (excluding
	// dead-lettered ones) and id > afterID, ordered by id. Pass "" for the
	// first page and Page.Next afterwards. Rows deleted or advanced between
	// calls never shift the rows that follow them.
	FindDue(ctx context.Context, before time.Time, afterID string, pageSize int) (Page, error)
	// Advance moves a timer to its next window if its StartAt still equals prevStart.
	Advance(ctx context.Context, id string, prevStart, nextStart, nextEnd time.Time) error
	Delete(ctx context.Context, id string) error
	// RecordFailure increments the failure counter and returns the new count.
	// When maxAttempts > 0 and the count reaches it, the timer is marked failed.
	RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (int, error)
}

// Store is the full persistence API used by the command layer and the app.
type Store interface {
	TimerStore

	Create(ctx context.Context, t timer.Timer) error
	Get(ctx context.Context, id string) (timer.Timer, error)
	ListByGroup(ctx context.Context, groupID string, page, pageSize int) (Page, error)
	// FindByTitle matches a case-insensitive substring of the name within a group.
	FindByTitle(ctx context.Context, groupID, title string, page, pageSize int) (Page, error)
	Update(ctx context.Context, id string, p timer.Patch, now time.Time) (timer.Timer, error)
	DeleteByGroup(ctx context.Context, groupID string) (int, error)

	UpsertGroup(ctx context.Context, g Group) error
	// DeleteGroup removes the group and all of its timers.
	DeleteGroup(ctx context.Context, groupID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func normPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return page, pageSize
}

// keyset returns the first pageSize ordered items with id > afterID.
func keyset(items []timer.Timer, afterID string, pageSize int) Page {
	_, pageSize = normPage(1, pageSize)
	from := sort.Search(len(items), func(i int) bool { return items[i].ID > afterID })
	items = items[from:]
	out := Page{HasNext: len(items) > pageSize}
	if out.HasNext {
		items = items[:pageSize]
	}
	out.Items = make([]timer.Timer, len(items))
	copy(out.Items, items)
	if n := len(out.Items); n > 0 {
		out.Next = out.Items[n-1].ID
	}
	return out
}

// keysetPage trims a LIMIT pageSize+1 result and sets the cursor.
func keysetPage(items []timer.Timer, pageSize int) Page {
	out := Page{Items: items}
	if len(out.Items) > pageSize {
		out.Items = out.Items[:pageSize]
		out.HasNext = true
	}
	if n := len(out.Items); n > 0 {
		out.Next = out.Items[n-1].ID
	}
	return out
}

// paginate slices the already ordered items for page/pageSize.
func paginate(items []timer.Timer, page, pageSize int) Page {
	page, pageSize = normPage(page, pageSize)
	from := (page - 1) * pageSize
	if from >= len(items) {
		return Page{Page: page}
	}
	to := from + pageSize
	hasNext := to < len(items)
	if !hasNext {
		to = len(items)
	}
	out := make([]timer.Timer, to-from)
	copy(out, items[from:to])
	return Page{Items: out, Page: page, HasNext: hasNext}
}
