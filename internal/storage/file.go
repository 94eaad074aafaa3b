package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

// fileStore is a memStore persisted as one JSON snapshot, rewritten
// atomically (temp file + rename) after every mutation.
type fileStore struct {
	*memStore
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	Version int           `json:"version"`
	Groups  []Group       `json:"groups"`
	Timers  []timer.Timer `json:"timers"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: newMemStore(), path: path, log: log}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.onChange = fs.flushLocked
	log.Info("file store opened", logx.String("path", path), logx.Int("timers", len(fs.timers)))
	return fs, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, g := range snap.Groups {
		s.groups[g.ID] = g
	}
	for _, t := range snap.Timers {
		s.timers[t.ID] = t
	}
	return nil
}

// flushLocked runs with memStore.mu held.
func (s *fileStore) flushLocked() error {
	snap := fileSnapshot{Version: 1, Groups: make([]Group, 0, len(s.groups)), Timers: make([]timer.Timer, 0, len(s.timers))}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g)
	}
	for _, t := range s.timers {
		snap.Timers = append(snap.Timers, t)
	}
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].ID < snap.Groups[j].ID })
	sort.Slice(snap.Timers, func(i, j int) bool { return snap.Timers[i].ID < snap.Timers[j].ID })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return unavailable("file flush", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return unavailable("file flush", err)
	}
	return nil
}
