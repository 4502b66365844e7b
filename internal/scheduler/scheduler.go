// Package scheduler maintains the daemon's single wake timer, always
// aimed at the earliest future envelope delivery time (§4.2).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

// SafetyTick is the periodic re-evaluation interval covering clock
// jumps and missed signals (§4.2, §5).
const SafetyTick = 60 * time.Second

// Fire is called when the timer reaches an armed deadline, or on
// every safety tick. The callback re-queries the Store; the Scheduler
// never mutates envelopes itself.
type Fire func(ctx context.Context)

// Scheduler owns exactly one cancellable sleep. Nudge is the only
// entry point other components use to signal "the earliest deliverAt
// may have changed".
type Scheduler struct {
	store *store.Store
	fire  Fire

	mu      sync.Mutex
	nudgeCh chan struct{}
}

// New constructs a Scheduler. fire is invoked whenever the wake timer
// elapses or the safety tick fires.
func New(s *store.Store, fire Fire) *Scheduler {
	return &Scheduler{
		store:   s,
		fire:    fire,
		nudgeCh: make(chan struct{}, 1),
	}
}

// Nudge signals that the earliest deliverAt may have changed (new
// envelope write, cancellation, cron re-arm). Safe to call from any
// goroutine; coalesces with any pending nudge.
func (s *Scheduler) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, recomputing and re-arming the
// wake timer on every nudge, fire, and safety tick.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextDelay(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.nudgeCh:
			s.rearm(ctx, timer)
		case <-timer.C:
			s.fire(ctx)
			s.rearm(ctx, timer)
		}
	}
}

// rearm cancels the outstanding timer (idempotent) and arms a new one
// for the next recomputed delay.
func (s *Scheduler) rearm(ctx context.Context, timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(s.nextDelay(ctx))
}

// nextDelay computes the wait until the earliest future envelope, or
// the safety tick if none is pending.
func (s *Scheduler) nextDelay(ctx context.Context) time.Duration {
	now := timefmt.ToMillis(time.Now())
	env, err := s.store.NextScheduledEnvelope(ctx, now)
	if err != nil {
		slog.Error("scheduler: query next envelope", "error", err)
		return SafetyTick
	}
	if env == nil {
		return SafetyTick
	}
	delay := time.Until(timefmt.FromMillis(env.DeliverAt))
	if delay <= 0 {
		return time.Millisecond
	}
	if delay > SafetyTick {
		return SafetyTick
	}
	return delay
}
