package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/config"
	"github.com/evilpsycho42/hi-boss/internal/rpc"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew_WiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.store.Close() })

	require.NotNil(t, d.store)
	require.NotNil(t, d.scheduler)
	require.NotNil(t, d.router)
	require.NotNil(t, d.cron)
	require.NotNil(t, d.executor)
	require.NotNil(t, d.adapter)
	require.NotNil(t, d.rpc)
	require.NotNil(t, d.Bridge())
}

// TestRun_ListensAndShutsDownOnCancel exercises the whole lifecycle:
// the PID lock is acquired, the socket accepts a daemon.ping call, and
// cancelling the context drains the RPC server and releases the lock.
func TestRun_ListensAndShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	var sock string
	require.Eventually(t, func() bool {
		sock = cfg.SocketPath()
		c, dialErr := rpc.Dial(sock, 100*time.Millisecond)
		if dialErr != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	c, err := rpc.Dial(sock, time.Second)
	require.NoError(t, err)
	var result struct {
		SetupCompleted bool `json:"setupCompleted"`
	}
	require.NoError(t, c.Call("setup.check", map[string]any{}, &result))
	_ = c.Close()

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon.Run did not return after context cancellation")
	}
}

// TestRun_SecondInstanceFailsPIDLock exercises §5: a second daemon
// pointed at the same data directory observes the held lock and
// returns an error instead of starting up alongside the first.
func TestRun_SecondInstanceFailsPIDLock(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, dialErr := rpc.Dial(cfg.SocketPath(), 100*time.Millisecond)
		if dialErr != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	second, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	runErr := second.Run(context.Background())
	require.Error(t, runErr)
	_ = second.store.Close()

	cancel()
	<-firstDone
}

func TestDaemonRequestShutdown_NoopBeforeRun(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.store.Close() })

	require.NotPanics(t, func() { d.requestShutdown() })
}
