// Package scheduler drives the dispatch pipeline: a cron trigger starts scan
// cycles, each cycle pages through due timers and submits them to the
// dispatch queue, and a Processor delivers each timer and then advances or
// deletes it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timerbot/internal/dispatch"
	"timerbot/internal/timer"
)

var (
	ErrNotIdle    = errors.New("scheduler: not idle")
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrCycleBusy is returned by RunCycle under OverlapSkip while another cycle runs.
	ErrCycleBusy = errors.New("scheduler: scan cycle already running")
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type OverlapPolicy int

const (
	// OverlapAllow lets a new cycle start while the previous one still runs.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkip drops a trigger that fires while a cycle is running.
	OverlapSkip
)

func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return OverlapAllow, nil
	case "skip", "skip_if_running", "skip-if-busy":
		return OverlapSkip, nil
	}
	return OverlapAllow, fmt.Errorf("unknown overlap policy %q (use allow or skip)", s)
}

func (p OverlapPolicy) String() string {
	if p == OverlapSkip {
		return "skip"
	}
	return "allow"
}

type Config struct {
	// Spec is the trigger; see NormalizeSpec. Empty means every minute.
	Spec     string
	Overlap  OverlapPolicy
	PageSize int
	// CycleTimeout bounds one scan cycle including backpressure waits. 0 disables it.
	CycleTimeout time.Duration
}

// Queue is the part of the dispatch queue the scheduler needs.
type Queue interface {
	Submit(ctx context.Context, t dispatch.Task) error
	Drain(ctx context.Context) error
}

// Deliverer announces a timer. notifier.Service implements it.
type Deliverer interface {
	Deliver(ctx context.Context, t timer.Timer) error
}

// CycleReport summarizes one scan cycle.
type CycleReport struct {
	At       time.Time     `json:"at"`
	Pages    int           `json:"pages"`
	Found    int           `json:"found"`
	Enqueued int           `json:"enqueued"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	State       string       `json:"state"`
	Spec        string       `json:"spec"`
	Overlap     string       `json:"overlap"`
	Next        time.Time    `json:"next,omitempty"`
	Cycles      uint64       `json:"cycles"`
	CycleErrors uint64       `json:"cycle_errors"`
	Running     int32        `json:"running_cycles"`
	Last        *CycleReport `json:"last,omitempty"`
}
