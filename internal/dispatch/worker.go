package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"timerbot/internal/eventbus"
	logx "timerbot/pkg/logx"
)

// worker keeps consuming after intake stops so Stop can drain the queue.
func (s *Service) worker(ctx context.Context, queue chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qt)
			atomic.AddInt32(&s.inFlight, -1)
			s.release(qt.task.Key)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	t := qt.task

	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchStarted, Time: start, Data: TaskEvent{Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay}})

	runCtx := ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", t.Name), logx.String("key", t.Key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Time: time.Now(), Data: TaskEvent{Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error}})
	} else {
		atomic.AddUint64(&s.completed, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchDone, Time: time.Now(), Data: TaskEvent{Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}})
	}
	s.record(item)
}
