package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/recurrence"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/timeutil"
	logx "timerbot/pkg/logx"
)

// TimerEvent is the payload of timer.* bus events.
type TimerEvent struct {
	TimerID   string    `json:"timer_id"`
	GroupID   string    `json:"group_id"`
	NextStart time.Time `json:"next_start,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Processor runs the delivery/advance step for one due timer.
// maxAttempts > 0 dead-letters a timer after that many failed deliveries.
type Processor struct {
	store       storage.TimerStore
	notifier    Deliverer
	log         logx.Logger
	bus         eventbus.Bus
	maxAttempts int
}

func NewProcessor(store storage.TimerStore, notifier Deliverer, maxAttempts int, log logx.Logger, bus eventbus.Bus) *Processor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Processor{
		store:       store,
		notifier:    notifier,
		log:         log.With(logx.String("comp", "processor")),
		bus:         bus,
		maxAttempts: maxAttempts,
	}
}

// Process delivers t, then deletes it (one-shot) or advances it to its next
// window (recurring). A failed delivery is recorded and leaves t due, so the
// next scan retries it. NotFound and Conflict after delivery mean another
// worker or a user already handled the timer.
func (p *Processor) Process(ctx context.Context, t timer.Timer) error {
	log := p.log.With(logx.String("timer", t.ID), logx.String("group", t.GroupID))

	if err := p.notifier.Deliver(ctx, t); err != nil {
		p.recordFailure(ctx, log, t, err)
		return err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TimerDelivered, Data: TimerEvent{TimerID: t.ID, GroupID: t.GroupID}})

	if !t.Recurrence.Recurring() {
		err := p.store.Delete(ctx, t.ID)
		if alreadyHandled(err) {
			log.Debug("timer already removed", logx.Err(err))
			return nil
		}
		if err != nil {
			p.recordFailure(ctx, log, t, fmt.Errorf("delete: %w", err))
			return err
		}
		p.bus.Publish(eventbus.Event{Type: eventbus.TimerRetired, Data: TimerEvent{TimerID: t.ID, GroupID: t.GroupID}})
		log.Info("one-shot timer delivered and removed")
		return nil
	}

	// Compute in the timer's own zone so wall-clock time survives DST changes.
	loc, err := timeutil.LoadZone(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	nextStart, nextEnd, err := recurrence.NextIn(t.StartAt, t.EndAt, t.Recurrence, loc)
	if err != nil {
		p.recordFailure(ctx, log, t, err)
		return err
	}
	err = p.store.Advance(ctx, t.ID, t.StartAt, nextStart, nextEnd)
	if alreadyHandled(err) {
		log.Debug("timer already advanced or removed", logx.Err(err))
		return nil
	}
	if err != nil {
		p.recordFailure(ctx, log, t, fmt.Errorf("advance: %w", err))
		return err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TimerAdvanced, Data: TimerEvent{TimerID: t.ID, GroupID: t.GroupID, NextStart: nextStart}})
	log.Info("recurring timer advanced", logx.Time("next_start", nextStart), logx.String("recurrence", string(t.Recurrence)))
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, log logx.Logger, t timer.Timer, cause error) {
	attempts, err := p.store.RecordFailure(ctx, t.ID, cause.Error(), p.maxAttempts)
	if err != nil {
		if !alreadyHandled(err) {
			log.Warn("record failure failed", logx.Err(err))
		}
		log.Warn("timer processing failed", logx.Err(cause))
		return
	}
	ev := TimerEvent{TimerID: t.ID, GroupID: t.GroupID, Attempts: attempts, Error: cause.Error()}
	p.bus.Publish(eventbus.Event{Type: eventbus.TimerFailed, Data: ev})
	if p.maxAttempts > 0 && attempts >= p.maxAttempts {
		log.Error("timer dead-lettered", logx.Int("attempts", attempts), logx.Err(cause))
		return
	}
	log.Warn("timer processing failed; will retry next cycle", logx.Int("attempts", attempts), logx.Err(cause))
}

func alreadyHandled(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict)
}
