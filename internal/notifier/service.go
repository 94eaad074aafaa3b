package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timerbot/internal/eventbus"
	"timerbot/internal/timer"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

var ErrDeliveryFailed = errors.New("delivery failed")

const (
	DefaultRetryMax    = 2
	DefaultSendTimeout = 10 * time.Second
	defaultHistory     = 300
)

// Service is safe for concurrent use; all callers share one rate limiter.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistory
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Deliver announces t in its channel. Returned errors wrap ErrDeliveryFailed
// (or the ctx error when the caller gave up).
func (s *Service) Deliver(ctx context.Context, t timer.Timer) error {
	target, err := kit.ParseTarget(t.Channel)
	if err != nil {
		return fmt.Errorf("%w: timer %s: %w", ErrDeliveryFailed, t.ID, err)
	}
	text, err := Render(t)
	if err != nil {
		return fmt.Errorf("%w: timer %s: render: %w", ErrDeliveryFailed, t.ID, err)
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return fmt.Errorf("%w: no sender configured", ErrDeliveryFailed)
	}

	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, target, text, opt)
		cancel()
		if err == nil {
			s.appendHistory(cfg, HistoryItem{At: time.Now(), TimerID: t.ID, Target: target.String()})
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Time: now, Data: DeliveryEvent{TimerID: t.ID, ChatID: target.ChatID, ThreadID: target.ThreadID, Attempts: attempt, At: now}})
			s.log.Debug("timer delivered", logx.String("timer", t.ID), logx.String("target", target.String()), logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("timer", t.ID), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		tm := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-tm.C:
		case <-ctx.Done():
			tm.Stop()
			lastErr = ctx.Err()
			break attemptLoop
		}
	}

	now := time.Now()
	s.appendHistory(cfg, HistoryItem{At: now, TimerID: t.ID, Target: target.String(), Error: lastErr.Error()})
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Time: now, Data: DeliveryEvent{TimerID: t.ID, ChatID: target.ChatID, ThreadID: target.ThreadID, Attempts: attempts, At: now, Error: lastErr.Error()}})
	if ctx.Err() != nil && errors.Is(lastErr, ctx.Err()) {
		return lastErr
	}
	return fmt.Errorf("%w: timer %s after %d attempt(s): %w", ErrDeliveryFailed, t.ID, attempts, lastErr)
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(cfg Config, it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// retryDelay is the wait before attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
