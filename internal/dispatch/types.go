// Package dispatch runs delivery tasks on a bounded worker pool.
//
// Submit applies backpressure when the queue is full; Enqueue drops instead.
// A task key that is already queued or running is skipped, so overlapping
// scan cycles cannot process the same timer twice.
package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("dispatch queue stopped")
	ErrStopping    = errors.New("dispatch queue stopping")
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrOverlapSkip = errors.New("task skipped: key already queued or running")
)

const (
	DefaultWorkers     = 100
	DefaultHistorySize = 200
)

type Config struct {
	Workers int
	// QueueSize defaults to Workers.
	QueueSize int
	// TaskTimeout bounds a single Run call. 0 disables it.
	TaskTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Task is a unit of work. Key gates overlap; empty keys never overlap-skip.
type Task struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	Key        string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the payload of dispatch.* bus events.
type TaskEvent struct {
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running   bool          `json:"running"`
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int           `json:"in_flight"`
	Pending   int           `json:"pending"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	Skipped   uint64        `json:"skipped"`
	Dropped   uint64        `json:"dropped"`
	History   []HistoryItem `json:"history,omitempty"`
}
