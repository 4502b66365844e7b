// Package cronmat materializes enabled cron schedules into pending
// envelopes, maintaining the "at most one pending envelope per
// schedule" invariant (§4.4, P4).
package cronmat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/metrics"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

// standardParser accepts 5-field expressions and the @daily/@hourly/
// @weekly/@monthly/@yearly descriptors (§4.4).
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// secondsParser accepts 6-field expressions with a leading seconds
// field.
var secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a cron expression, trying the 5-field/alias
// form first and falling back to the 6-field seconds form (§4.4).
func ParseSchedule(expr string) (cron.Schedule, error) {
	if sched, err := standardParser.Parse(expr); err == nil {
		return sched, nil
	}
	sched, err := secondsParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronmat: invalid cron expression %q", expr)
	}
	return sched, nil
}

// Nudger signals the Scheduler that the earliest deliverAt may have
// changed. Implemented by internal/scheduler's Scheduler.Nudge.
type Nudger interface {
	Nudge()
}

// Materializer re-evaluates every enabled cron schedule and ensures
// each has exactly one pending envelope referencing it, at the next
// occurrence in its effective timezone (§4.4). It never runs its own
// goroutine scheduler — the Hi-Boss Scheduler (C4) owns the one wake
// timer in the daemon.
type Materializer struct {
	store *store.Store
	nudge Nudger
}

// New constructs a Materializer.
func New(s *store.Store, nudge Nudger) *Materializer {
	return &Materializer{store: s, nudge: nudge}
}

// Tick re-evaluates every enabled schedule. Called on schedule create/
// enable, on completion of a materialized envelope, and periodically
// by the Scheduler's safety tick.
func (m *Materializer) Tick(ctx context.Context, bossTimezone string) {
	schedules, err := m.store.ListCronSchedules(ctx)
	if err != nil {
		slog.Error("cronmat: list schedules", "error", err)
		return
	}

	rearmed := false
	for i := range schedules {
		did, err := m.reconcile(ctx, &schedules[i], bossTimezone)
		if err != nil {
			slog.Error("cronmat: reconcile schedule", "schedule_id", schedules[i].ID, "error", err)
			continue
		}
		rearmed = rearmed || did
	}
	if rearmed && m.nudge != nil {
		m.nudge.Nudge()
	}
}

// reconcile materializes the next occurrence for one schedule if
// needed. Returns true if a new envelope was created.
func (m *Materializer) reconcile(ctx context.Context, c *store.CronSchedule, bossTimezone string) (bool, error) {
	if !c.Enabled {
		return false, nil
	}

	needsNew, err := m.needsMaterialization(ctx, c)
	if err != nil {
		return false, err
	}
	if !needsNew {
		return false, nil
	}

	loc, err := effectiveLocation(c.Timezone, bossTimezone)
	if err != nil {
		return false, fmt.Errorf("cronmat: %w", err)
	}
	schedule, err := ParseSchedule(c.Cron)
	if err != nil {
		return false, err
	}

	now := time.Now().In(loc)
	next := schedule.Next(now)

	envelopeID := ids.New()
	deliverAt := timefmt.ToMillis(next)
	nowMillis := timefmt.ToMillis(time.Now())

	if err := m.store.MaterializeOccurrence(ctx, c, envelopeID, deliverAt, nowMillis); err != nil {
		return false, fmt.Errorf("cronmat: materialize: %w", err)
	}
	metrics.CronOccurrencesTotal.Inc()
	return true, nil
}

// needsMaterialization reports whether a schedule lacks a live pending
// envelope (§4.4: no pendingEnvelopeId, or the referenced envelope has
// reached done).
func (m *Materializer) needsMaterialization(ctx context.Context, c *store.CronSchedule) (bool, error) {
	if c.PendingEnvelopeID == "" {
		return true, nil
	}
	env, err := m.store.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		if err == store.ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return env.Status == "done", nil
}

// RunNow materializes and immediately marks due the schedule's
// pending envelope without waiting for its natural occurrence
// (SUPPLEMENTED FEATURES "cron.run-now"). Unlike reconcile, it does
// not check needsMaterialization first — run-now is meant to fire
// even when an occurrence is already pending — so it relies on
// MaterializeOccurrence itself to close out any still-live pending
// envelope before repointing the schedule, preserving P4.
func (m *Materializer) RunNow(ctx context.Context, scheduleID string) error {
	c, err := m.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("cronmat: run-now: %w", err)
	}

	envelopeID := ids.New()
	now := timefmt.ToMillis(time.Now())
	if err := m.store.MaterializeOccurrence(ctx, c, envelopeID, now, now); err != nil {
		return fmt.Errorf("cronmat: run-now materialize: %w", err)
	}
	metrics.CronOccurrencesTotal.Inc()
	if m.nudge != nil {
		m.nudge.Nudge()
	}
	return nil
}

// effectiveLocation resolves a schedule's timezone: its own if set,
// else the configured boss timezone, else UTC (§4.4).
func effectiveLocation(scheduleTimezone, bossTimezone string) (*time.Location, error) {
	tz := scheduleTimezone
	if tz == "" {
		tz = bossTimezone
	}
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
