// Package daemon wires the Store, Scheduler, Router, Materializer,
// Executor Manager, Adapter Bridge, and RPC Server into one running
// process, and enforces the single-instance invariant via an advisory
// PID-file lock (§5).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/adapter"
	"github.com/evilpsycho42/hi-boss/internal/config"
	"github.com/evilpsycho42/hi-boss/internal/cronmat"
	"github.com/evilpsycho42/hi-boss/internal/executor"
	"github.com/evilpsycho42/hi-boss/internal/policy"
	"github.com/evilpsycho42/hi-boss/internal/router"
	"github.com/evilpsycho42/hi-boss/internal/rpc"
	"github.com/evilpsycho42/hi-boss/internal/scheduler"
	"github.com/evilpsycho42/hi-boss/internal/store"
)

// Daemon bundles every long-lived component the process runs (§2
// component table).
type Daemon struct {
	cfg *config.Config

	store     *store.Store
	scheduler *scheduler.Scheduler
	router    *router.Router
	cron      *cronmat.Materializer
	executor  *executor.Manager
	adapter   *adapter.Bridge
	rpc       *rpc.Server

	pidFile *os.File
	cancel  context.CancelFunc
}

// New opens the Store, runs migrations, and wires every component
// together. It does not yet listen on the RPC socket or acquire the
// PID lock — call Run for that.
func New(ctx context.Context, cfg *config.Config, version string) (*Daemon, error) {
	s, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	d := &Daemon{cfg: cfg, store: s}

	// scheduler's fire callback closes over d.router, which is wired a
	// few lines below: safe, since the closure only reads the field
	// when the timer actually fires, long after construction finishes.
	d.scheduler = scheduler.New(s, func(fireCtx context.Context) { d.router.DrainDue(fireCtx) })

	d.cron = cronmat.New(s, d.scheduler)
	d.executor = executor.NewManager(s, d.cron, d.bossTimezone, nil)

	d.adapter = adapter.New(s, nil) // router wired below, after construction
	d.router = router.New(s, d.adapter, d.executor)
	d.adapter.SetRouter(d.router)
	d.adapter.SetRefresher(d.executor)
	d.router.SetNudge(d.scheduler.Nudge)

	pol := policy.New(s)
	d.rpc = rpc.New(rpc.Deps{
		Store:    s,
		Policy:   pol,
		Router:   d.router,
		Executor: d.executor,
		Cron:     d.cron,
		Adapter:  d.adapter,
		Nudge:    d.scheduler.Nudge,
		Shutdown: d.requestShutdown,
		Version:  version,
		DataDir:  cfg.DataDir,
	})

	return d, nil
}

func (d *Daemon) bossTimezone() string {
	tz, err := d.store.GetConfig(context.Background(), store.ConfigKeyBossTimezone)
	if err != nil {
		return ""
	}
	return tz
}

// RegisterChannel adds a chat-platform adapter (console, Telegram,
// ...) to the Bridge before Run is called.
func (d *Daemon) RegisterChannel(ch adapter.Channel) {
	d.adapter.Register(ch)
}

// Bridge exposes the Adapter Bridge so cmd/hiboss can construct
// channels that need to call back into it (e.g. the console adapter's
// OnMessage loop).
func (d *Daemon) Bridge() *adapter.Bridge {
	return d.adapter
}

// Run acquires the PID-file lock (exiting cleanly if another daemon
// already holds it, §5), recovers in-flight work, and blocks serving
// the RPC socket and the Scheduler until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	pidFile, err := acquirePIDLock(d.cfg.PIDPath())
	if err != nil {
		return err
	}
	d.pidFile = pidFile
	defer releasePIDLock(pidFile, d.cfg.PIDPath())

	if err := d.executor.RecoverAll(runCtx); err != nil {
		return fmt.Errorf("daemon: recover agents: %w", err)
	}
	d.router.DrainDue(runCtx)

	if err := d.rpc.Listen(d.cfg.SocketPath()); err != nil {
		return fmt.Errorf("daemon: listen rpc socket: %w", err)
	}

	go d.scheduler.Run(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- d.rpc.Serve(runCtx) }()

	<-runCtx.Done()
	slog.Info("daemon: shutting down")
	d.executor.StopAll()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon: rpc serve: %w", err)
		}
	case <-time.After(10 * time.Second):
		slog.Warn("daemon: rpc server did not drain in time")
		_ = d.rpc.Close()
	}
	return d.store.Close()
}

// requestShutdown is wired into the RPC server as the `daemon.stop`
// handler's trigger.
func (d *Daemon) requestShutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// acquirePIDLock opens (creating if absent) the PID file at path and
// takes a non-blocking exclusive advisory lock on it, writing the
// current PID once acquired. A second daemon observing the held lock
// exits cleanly (§5 "a second daemon start observes the existing
// lock and exits cleanly"), grounded on
// steveyegge-beads's internal/lockfile/lock_unix.go.
func acquirePIDLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open pid file: %w", err)
	}
	if err := flockExclusiveNonBlocking(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: another instance is already running (%s): %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	return f, nil
}

func releasePIDLock(f *os.File, path string) {
	_ = flockUnlock(f)
	_ = f.Close()
	_ = os.Remove(path)
}
