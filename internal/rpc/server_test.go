package rpc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpsycho42/hi-boss/internal/adapter"
	"github.com/evilpsycho42/hi-boss/internal/policy"
	"github.com/evilpsycho42/hi-boss/internal/rpc"
	"github.com/evilpsycho42/hi-boss/internal/store"
)

// testDaemon is a running Server reachable over a real Unix socket,
// exercised only through the public rpc.Client — mirroring how
// cmd/hiboss and cmd/hibossctl actually talk to each other.
type testDaemon struct {
	client *rpc.Client
	store  *store.Store
}

func startTestDaemon(t *testing.T, deps rpc.Deps) *testDaemon {
	t.Helper()
	srv := rpc.New(deps)

	sock := filepath.Join(t.TempDir(), "hiboss.sock")
	require.NoError(t, srv.Listen(sock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := rpc.Dial(sock, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &testDaemon{client: c, store: deps.Store}
}

func newTestDeps(t *testing.T) (rpc.Deps, string) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hash, err := policy.HashBossToken("boss-secret")
	require.NoError(t, err)
	require.NoError(t, s.CompleteSetup(context.Background(), hash, "Avery", "UTC"))

	return rpc.Deps{
		Store:   s,
		Policy:  policy.New(s),
		Adapter: adapter.New(s, nil),
		Version: "test",
		DataDir: "/tmp/hiboss-test",
	}, "boss-secret"
}

func TestDispatch_BootstrapMethodNeedsNoToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := startTestDaemon(t, deps)

	var result struct {
		SetupCompleted bool `json:"setupCompleted"`
	}
	require.NoError(t, d.client.Call("setup.check", map[string]any{}, &result))
	assert.True(t, result.SetupCompleted)
}

func TestDispatch_MissingToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := startTestDaemon(t, deps)

	err := d.client.Call("daemon.ping", map[string]any{}, nil)
	require.Error(t, err)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.KindAuth, rpcErr.Kind)
}

func TestDispatch_InvalidToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := startTestDaemon(t, deps)

	err := d.client.Call("daemon.ping", map[string]any{"token": "not-a-real-token"}, nil)
	require.Error(t, err)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.KindAuth, rpcErr.Kind)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	deps, token := newTestDeps(t)
	d := startTestDaemon(t, deps)

	err := d.client.Call("no.such.method", map[string]any{"token": token}, nil)
	require.Error(t, err)
}

func TestDispatch_PermissionDenied(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := startTestDaemon(t, deps)

	require.NoError(t, d.store.CreateAgent(context.Background(), store.Agent{
		Name: "scout", Token: "tok-scout", Provider: "claude", PermissionLevel: "restricted", CreatedAt: 1,
	}))

	callErr := d.client.Call("agent.register", map[string]any{"token": "tok-scout"}, nil)
	require.Error(t, callErr)
	var rpcErr *rpc.Error
	require.ErrorAs(t, callErr, &rpcErr)
	assert.Equal(t, rpc.KindPermission, rpcErr.Kind)
}

// TestDaemonStatus_BossOnly exercises spec.md S6: an agent token gets
// permission-denied, the boss token gets a structured status with
// running/dataDir/adapters.
func TestDaemonStatus_BossOnly(t *testing.T) {
	deps, bossToken := newTestDeps(t)
	d := startTestDaemon(t, deps)

	require.NoError(t, d.store.CreateAgent(context.Background(), store.Agent{
		Name: "nex", Token: "tok-nex", Provider: "claude", PermissionLevel: "restricted", CreatedAt: 1,
	}))

	err := d.client.Call("daemon.status", map[string]any{"token": "tok-nex"}, nil)
	require.Error(t, err)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.KindPermission, rpcErr.Kind)

	var result struct {
		Running  bool   `json:"running"`
		DataDir  string `json:"dataDir"`
		Adapters string `json:"adapters"`
	}
	require.NoError(t, d.client.Call("daemon.status", map[string]any{"token": bossToken}, &result))
	assert.True(t, result.Running)
	assert.Equal(t, "/tmp/hiboss-test", result.DataDir)
}

func TestDaemonPing(t *testing.T) {
	deps, bossToken := newTestDeps(t)
	d := startTestDaemon(t, deps)

	var result struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, d.client.Call("daemon.ping", map[string]any{"token": bossToken}, &result))
	assert.True(t, result.Pong)
}

func TestDaemonStop_InvokesShutdownHook(t *testing.T) {
	deps, bossToken := newTestDeps(t)
	called := make(chan struct{}, 1)
	deps.Shutdown = func() { called <- struct{}{} }
	d := startTestDaemon(t, deps)

	require.NoError(t, d.client.Call("daemon.stop", map[string]any{"token": bossToken}, nil))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
}
