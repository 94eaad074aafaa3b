package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"timerbot/internal/timer"
)

// memStore keeps everything in process memory. It also backs the file driver.
type memStore struct {
	mu     sync.RWMutex
	timers map[string]timer.Timer
	groups map[string]Group

	// onChange runs with mu held after every successful mutation.
	onChange func() error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{timers: map[string]timer.Timer{}, groups: map[string]Group{}}
}

func (s *memStore) changed() error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange()
}

// sorted returns the timers matching keep, ordered by id.
func (s *memStore) sorted(keep func(timer.Timer) bool) []timer.Timer {
	out := make([]timer.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) FindDue(ctx context.Context, before time.Time, afterID string, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyset(s.sorted(func(t timer.Timer) bool { return t.DueAt(before) }), afterID, pageSize), nil
}

func (s *memStore) Advance(ctx context.Context, id string, prevStart, nextStart, nextEnd time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return fmt.Errorf("advance %s: %w", id, ErrNotFound)
	}
	if !t.StartAt.Equal(prevStart) {
		return fmt.Errorf("advance %s: %w", id, ErrConflict)
	}
	t.StartAt = nextStart.UTC()
	t.EndAt = nextEnd.UTC()
	t.Attempts = 0
	t.LastError = ""
	t.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	s.timers[id] = t
	return s.changed()
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.timers, id)
	return s.changed()
}

func (s *memStore) RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return 0, fmt.Errorf("record failure %s: %w", id, ErrNotFound)
	}
	t.Attempts++
	t.LastError = reason
	if maxAttempts > 0 && t.Attempts >= maxAttempts {
		t.Status = timer.StatusFailed
	}
	t.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	s.timers[id] = t
	return t.Attempts, s.changed()
}

func (s *memStore) Create(ctx context.Context, t timer.Timer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.timers[t.ID]; dup {
		return fmt.Errorf("create %s: %w", t.ID, ErrConflict)
	}
	if t.Status == "" {
		t.Status = timer.StatusScheduled
	}
	s.timers[t.ID] = t
	return s.changed()
}

func (s *memStore) Get(ctx context.Context, id string) (timer.Timer, error) {
	if err := ctx.Err(); err != nil {
		return timer.Timer{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[id]
	if !ok {
		return timer.Timer{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *memStore) ListByGroup(ctx context.Context, groupID string, page, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.sorted(func(t timer.Timer) bool { return t.GroupID == groupID }), page, pageSize), nil
}

func (s *memStore) FindByTitle(ctx context.Context, groupID, title string, page, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	needle := strings.ToLower(strings.TrimSpace(title))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.sorted(func(t timer.Timer) bool {
		return t.GroupID == groupID && strings.Contains(strings.ToLower(t.Name), needle)
	}), page, pageSize), nil
}

func (s *memStore) Update(ctx context.Context, id string, p timer.Patch, now time.Time) (timer.Timer, error) {
	if err := ctx.Err(); err != nil {
		return timer.Timer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return timer.Timer{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	next, err := p.Apply(t, now)
	if err != nil {
		return timer.Timer{}, err
	}
	s.timers[id] = next
	return next, s.changed()
}

func (s *memStore) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.deleteGroupTimersLocked(groupID)
	return n, s.changed()
}

func (s *memStore) deleteGroupTimersLocked(groupID string) int {
	n := 0
	for id, t := range s.timers {
		if t.GroupID == groupID {
			delete(s.timers, id)
			n++
		}
	}
	return n
}

func (s *memStore) UpsertGroup(ctx context.Context, g Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.groups[g.ID]; ok && g.CreatedAt.IsZero() {
		g.CreatedAt = prev.CreatedAt
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	s.groups[g.ID] = g
	return s.changed()
}

func (s *memStore) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	n := s.deleteGroupTimersLocked(groupID)
	return n, s.changed()
}

func (s *memStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *memStore) Close() error { return nil }
