// Package commands implements the chat command layer: it routes incoming
// chat updates to handlers that create, find, list, modify and cancel timers
// for the chat (group) they were sent from, and keeps the group table in sync
// with the chats the bot belongs to.
package commands

import (
	"context"
	"time"

	"timerbot/internal/storage"
	"timerbot/internal/timer"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	GroupID string
	FromID  int64
	Command string

	// Args are positional tokens; Fields are key=value tokens.
	Args   []string
	Fields map[string]string
	ReqID  string

	Logger logx.Logger
}

type Config struct {
	// Workers bounds concurrently running handlers. Default 4.
	Workers int
	// QueueSize bounds updates waiting for a worker. Default 256.
	QueueSize int
	// Timeout applies to every handler without its own. Default 15s.
	Timeout time.Duration
	// PageSize for /list and /find. Default 10.
	PageSize int
	// DefaultTimezone is used by /register when timezone= is omitted.
	DefaultTimezone string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	return c
}

// Store is the subset of storage.Store the command layer uses.
type Store interface {
	Create(ctx context.Context, t timer.Timer) error
	Get(ctx context.Context, id string) (timer.Timer, error)
	ListByGroup(ctx context.Context, groupID string, page, pageSize int) (storage.Page, error)
	FindByTitle(ctx context.Context, groupID, title string, page, pageSize int) (storage.Page, error)
	Update(ctx context.Context, id string, p timer.Patch, now time.Time) (timer.Timer, error)
	Delete(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, g storage.Group) error
	DeleteGroup(ctx context.Context, groupID string) (int, error)
}
