package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/scheduler"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/testutil"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScheduler_FiresWhenDeliverAtArrives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deliverAt := timefmt.ToMillis(time.Now().Add(50 * time.Millisecond))
	require.NoError(t, s.CreateEnvelope(ctx, store.Envelope{
		ID:        ids.New(),
		From:      "agent:boss",
		To:        "agent:nex",
		DeliverAt: deliverAt,
		CreatedAt: timefmt.ToMillis(time.Now()),
	}))

	fired := make(chan struct{}, 1)
	sched := scheduler.New(s, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	testutil.RequireEventually(t, func() bool {
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, "expected scheduler to fire once deliverAt arrived")
}

func TestScheduler_NudgeRearmsSooner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fired := make(chan struct{}, 4)
	sched := scheduler.New(s, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	deliverAt := timefmt.ToMillis(time.Now().Add(30 * time.Millisecond))
	require.NoError(t, s.CreateEnvelope(ctx, store.Envelope{
		ID:        ids.New(),
		From:      "agent:boss",
		To:        "agent:nex",
		DeliverAt: deliverAt,
		CreatedAt: timefmt.ToMillis(time.Now()),
	}))
	sched.Nudge()

	testutil.RequireEventually(t, func() bool {
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, "expected nudge to cause the scheduler to re-arm and fire")
}
