package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"timerbot/internal/eventbus"
	logx "timerbot/pkg/logx"

	rtsup "timerbot/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q   chan queuedTask
	sup *rtsup.Supervisor

	// stopCh closes when intake stops; stopDone is non-nil while Stop runs.
	stopCh   chan struct{}
	stopDone chan struct{}

	// pending counts queued plus in-flight tasks; idleCh closes when it reaches zero.
	pending int
	idleCh  chan struct{}

	keys map[string]struct{}

	inFlight  int32
	completed uint64
	failed    uint64
	skipped   uint64
	dropped   uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	idle := make(chan struct{})
	close(idle)
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		idleCh: idle,
		keys:   map[string]struct{}{},
	}
}

// Start launches the workers. It is a no-op while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	// Workers outlive the caller's ctx; only Stop ends them.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, queue)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("dispatch queue started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops intake, waits for queued and in-flight tasks, then stops the
// workers. If ctx ends first, in-flight tasks see their context canceled.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	drainErr := s.Drain(ctx)
	if drainErr != nil {
		s.log.Warn("dispatch drain incomplete; canceling in-flight tasks", logx.Int("pending", s.Pending()), logx.Err(drainErr))
	}
	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		// Tasks abandoned in the queue by a timed-out drain never run.
		if s.pending > 0 {
			s.pending = 0
			close(s.idleCh)
		}
		s.keys = map[string]struct{}{}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch queue stopped",
			logx.Uint64("completed", atomic.LoadUint64(&s.completed)),
			logx.Uint64("failed", atomic.LoadUint64(&s.failed)))
		return drainErr
	case <-ctx.Done():
		s.log.Warn("dispatch stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Drain blocks until nothing is queued or running.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idleCh
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Enqueue adds t without blocking; a full queue returns ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit adds t, blocking while the queue is full until a slot frees, ctx
// ends, or the queue stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Key = strings.TrimSpace(t.Key)
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		t.Name = "task"
	}
	now := time.Now()

	s.mu.Lock()
	q, stopCh := s.q, s.stopCh
	if q == nil || stopCh == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.stopDone != nil {
		s.mu.Unlock()
		return ErrStopping
	}
	if t.Key != "" {
		if _, busy := s.keys[t.Key]; busy {
			s.mu.Unlock()
			s.onSkipped(now, t)
			return ErrOverlapSkip
		}
		s.keys[t.Key] = struct{}{}
	}
	s.addPendingLocked()
	s.mu.Unlock()

	qt := queuedTask{task: t, enqueuedAt: now}
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.release(t.Key)
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		s.release(t.Key)
		return ctx.Err()
	case <-stopCh:
		s.release(t.Key)
		return ErrStopping
	}
}

func (s *Service) addPendingLocked() {
	if s.pending == 0 {
		s.idleCh = make(chan struct{})
	}
	s.pending++
}

// release undoes the bookkeeping of one enqueue.
func (s *Service) release(key string) {
	s.mu.Lock()
	if key != "" {
		delete(s.keys, key)
	}
	if s.pending > 0 {
		s.pending--
		if s.pending == 0 {
			close(s.idleCh)
		}
	}
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	pending := s.pending
	workers := s.cfg.Workers
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Workers:   workers,
		QueueLen:  ql,
		QueueCap:  qc,
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Pending:   pending,
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Skipped:   atomic.LoadUint64(&s.skipped),
		Dropped:   atomic.LoadUint64(&s.dropped),
		History:   h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onSkipped(now time.Time, t Task) {
	atomic.AddUint64(&s.skipped, 1)
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Time: now, Data: TaskEvent{Key: t.Key, Name: t.Name, Started: now, Error: "overlap_skip"}})
	s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.Key))
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Time: now, Data: TaskEvent{Key: t.Key, Name: t.Name, Started: now, Error: "queue_full"}})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", t.Key),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}
