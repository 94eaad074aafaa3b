package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"timerbot/internal/dispatch"
	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/timeutil"
	logx "timerbot/pkg/logx"
)

type Option func(*Service)

// WithClock overrides the cycle clock (default timeutil.Now).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	mu    sync.Mutex
	state State
	cfg   Config
	spec  string

	store storage.TimerStore
	queue Queue
	proc  *Processor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	c       *cron.Cron
	entryID cron.EntryID

	baseCtx context.Context
	cancel  context.CancelFunc

	cycles   sync.WaitGroup
	busy     atomic.Bool
	inCycle  atomic.Int32
	stopDone chan struct{}

	cycleCount  atomic.Uint64
	cycleErrors atomic.Uint64
	last        atomic.Pointer[CycleReport]
}

func New(cfg Config, store storage.TimerStore, queue Queue, proc *Processor, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	spec, err := NormalizeSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = storage.DefaultPageSize
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		cfg:   cfg,
		spec:  spec,
		store: store,
		queue: queue,
		proc:  proc,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		now:   timeutil.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves Idle to Running and registers the trigger. The trigger runs in UTC.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	id, err := s.c.AddFunc(s.spec, s.trigger)
	if err != nil {
		s.cancel()
		return err
	}
	s.entryID = id
	s.state = StateRunning
	s.c.Start()

	var next time.Time
	if runs, err := NextRuns(s.spec, time.Now(), 1); err == nil && len(runs) > 0 {
		next = runs[0]
	}
	s.log.Info("scheduler started", logx.String("spec", s.spec), logx.String("overlap", s.cfg.Overlap.String()), logx.Time("next", next))
	return nil
}

func (s *Service) trigger() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		if errors.Is(err, ErrCycleBusy) {
			s.log.Debug("trigger skipped: cycle still running")
			return
		}
		s.log.Warn("scan cycle aborted", logx.Err(err))
	}
}

// RunCycle performs one scan: it fixes now, pages through due timers and
// submits each to the queue. Any store or submit error aborts the cycle; the
// timers stay due and the next trigger retries them.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return CycleReport{}, ErrNotRunning
	}
	if s.cfg.Overlap == OverlapSkip && !s.busy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return CycleReport{}, ErrCycleBusy
	}
	s.cycles.Add(1)
	cfg := s.cfg
	s.mu.Unlock()

	s.inCycle.Add(1)
	defer func() {
		s.inCycle.Add(-1)
		if cfg.Overlap == OverlapSkip {
			s.busy.Store(false)
		}
		s.cycles.Done()
	}()

	if cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CycleTimeout)
		defer cancel()
	}

	start := time.Now()
	rep := CycleReport{At: s.now()}
	s.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Time: start, Data: rep})

	err := s.scan(ctx, cfg, &rep)
	rep.Duration = time.Since(start)
	s.cycleCount.Add(1)
	if err != nil {
		rep.Error = err.Error()
		s.cycleErrors.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFailed, Time: time.Now(), Data: rep})
	} else {
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Time: time.Now(), Data: rep})
		if rep.Found > 0 {
			s.log.Info("scan cycle finished", logx.Int("found", rep.Found), logx.Int("enqueued", rep.Enqueued), logx.Int("skipped", rep.Skipped), logx.Int("pages", rep.Pages), logx.Duration("took", rep.Duration))
		} else {
			s.log.Debug("scan cycle finished", logx.Int("pages", rep.Pages), logx.Duration("took", rep.Duration))
		}
	}
	r := rep
	s.last.Store(&r)
	return rep, err
}

func (s *Service) scan(ctx context.Context, cfg Config, rep *CycleReport) error {
	cursor := ""
	for {
		res, err := s.store.FindDue(ctx, rep.At, cursor, cfg.PageSize)
		if err != nil {
			return err
		}
		rep.Pages++
		rep.Found += len(res.Items)
		for _, t := range res.Items {
			err := s.queue.Submit(ctx, s.task(t))
			switch {
			case err == nil:
				rep.Enqueued++
			case errors.Is(err, dispatch.ErrOverlapSkip):
				rep.Skipped++
			default:
				return err
			}
		}
		if !res.HasNext {
			return nil
		}
		cursor = res.Next
	}
}

func (s *Service) task(t timer.Timer) dispatch.Task {
	return dispatch.Task{
		Key:  t.ID,
		Name: "deliver",
		Run:  func(ctx context.Context) error { return s.proc.Process(ctx, t) },
	}
}

// Stop unregisters the trigger, waits for running cycles and drains the
// queue. Deliveries already in flight are never canceled by Stop. Safe to
// call more than once; later calls wait for the first to finish.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = StateStopping
	done := make(chan struct{})
	s.stopDone = done
	c := s.c
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested")
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("cron stop timed out", logx.Err(ctx.Err()))
		}
	}

	cyclesDone := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(cyclesDone)
	}()
	select {
	case <-cyclesDone:
	case <-ctx.Done():
		// Abort cycles still blocked on store or queue backpressure.
		s.cancel()
		return ctx.Err()
	}
	s.cancel()

	if s.queue != nil {
		if err := s.queue.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	st := s.state
	c := s.c
	id := s.entryID
	s.mu.Unlock()

	snap := Snapshot{
		State:       st.String(),
		Spec:        s.spec,
		Overlap:     s.cfg.Overlap.String(),
		Cycles:      s.cycleCount.Load(),
		CycleErrors: s.cycleErrors.Load(),
		Running:     s.inCycle.Load(),
		Last:        s.last.Load(),
	}
	if c != nil && st == StateRunning {
		snap.Next = c.Entry(id).Next
	}
	return snap
}
