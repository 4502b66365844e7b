// Package executor drives the per-agent serialized run loop (§4.5):
// one Worker per agent batches due pending envelopes into a "turn",
// spawns the configured provider driver (§4.8), applies session
// policy, and acknowledges the turn's envelopes on success.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/metrics"
	"github.com/evilpsycho42/hi-boss/internal/provider"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

// spawnMaxTries bounds how many times a turn retries spawning its
// provider subprocess before giving up (§C8/§C9 transient-retry
// budget, not envelope redelivery — that stays at-most-once).
const spawnMaxTries = 3

// MaxEnvelopesPerTurn bounds how many due envelopes one turn batches
// (§4.5, GLOSSARY "Turn"). Turn count per wake is deliberately
// uncapped (SPEC_FULL.md Open Question (b) resolution): CHECK loops
// back to itself via RESCHEDULE as long as due envelopes remain.
const MaxEnvelopesPerTurn = 10

// StartDriverFunc spawns a provider driver for one turn.
type StartDriverFunc func(ctx context.Context, opts provider.Options, outputFn provider.OutputHandler) (provider.Driver, error)

// drivers maps Agent.provider to its driver-starting function (§4.8).
var drivers = map[string]StartDriverFunc{
	"claude": func(ctx context.Context, opts provider.Options, outputFn provider.OutputHandler) (provider.Driver, error) {
		return provider.StartClaude(ctx, opts, outputFn)
	},
	"codex": func(ctx context.Context, opts provider.Options, outputFn provider.OutputHandler) (provider.Driver, error) {
		return provider.StartCodex(ctx, opts, outputFn)
	},
}

// spawnDriver starts the provider subprocess, retrying with bounded
// exponential backoff on transient spawn failures (e.g. fork/exec
// resource exhaustion). It never retries once a process has actually
// started — a crash or bad exit mid-turn surfaces through
// driver.Wait() and runTurn's normal failure path instead.
func spawnDriver(ctx context.Context, start StartDriverFunc, opts provider.Options, outputFn provider.OutputHandler) (provider.Driver, error) {
	return backoff.Retry(ctx, func() (provider.Driver, error) {
		return start(ctx, opts, outputFn)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(spawnMaxTries))
}

// Materializer re-evaluates cron schedules after an acknowledged turn
// may have freed up a schedule's pending envelope. Implemented by
// internal/cronmat's Materializer; expressed structurally here to
// avoid executor depending on cronmat's package (§9 pattern already
// used by router.ChannelSender/AgentSignaler).
type Materializer interface {
	Tick(ctx context.Context, bossTimezone string)
}

// abortRequest is how Worker.Abort hands a cancellation reason to the
// in-flight runTurn.
type abortRequest struct {
	clearPending bool
	done         chan error
}

// Worker is the single serialized run loop for one agent (§4.5,
// §9 "Per-agent workers"). It owns a mailbox (signal/refresh/abort
// channels) and a single consumer goroutine (Run).
type Worker struct {
	agentName string
	store     *store.Store
	cron      Materializer
	bossTZ    func() string
	drivers   map[string]StartDriverFunc

	signal  chan struct{}
	refresh chan struct{}
	abort   chan abortRequest

	mu              sync.Mutex
	cancelRun       context.CancelFunc
	sessionOpenedAt uint64 // last time this process opened a fresh provider session
}

// NewWorker constructs a Worker for one agent. bossTZ returns the
// currently configured boss timezone, consulted for dailyResetAt
// evaluation and cron re-materialization (§4.4, §4.5.1). A nil
// startDrivers uses the real claude/codex drivers; tests pass a fake
// map instead (the teacher's `Conn.SendFn`-override style).
func NewWorker(agentName string, s *store.Store, cron Materializer, bossTZ func() string, startDrivers map[string]StartDriverFunc) *Worker {
	if startDrivers == nil {
		startDrivers = drivers
	}
	return &Worker{
		agentName: agentName,
		store:     s,
		cron:      cron,
		bossTZ:    bossTZ,
		drivers:   startDrivers,
		signal:    make(chan struct{}, 1),
		refresh:   make(chan struct{}, 1),
		abort:     make(chan abortRequest, 1),
	}
}

// Signal wakes the worker to re-check for due envelopes (coalesced,
// non-blocking).
func (w *Worker) Signal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// RequestRefresh queues a manual session refresh, applied at the next
// safe point (§4.5.1 "Manual refresh ... is queued and applied at the
// next safe point").
func (w *Worker) RequestRefresh() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

// Abort cancels the agent's in-flight run, if any (§4.5.2). When
// clearPending is set, due non-cron pending envelopes for the agent
// are additionally moved to done in one transaction.
func (w *Worker) Abort(ctx context.Context, clearPending bool) error {
	w.mu.Lock()
	cancel := w.cancelRun
	w.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("executor: agent %q has no running turn", w.agentName)
	}

	done := make(chan error, 1)
	select {
	case w.abort <- abortRequest{clearPending: clearPending, done: done}:
	default:
		return fmt.Errorf("executor: agent %q already has an abort in flight", w.agentName)
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the worker's event loop; it blocks until ctx is cancelled
// (agent deletion or daemon shutdown). The first iteration is the
// state machine's "startup-recovery" trigger into CHECK.
func (w *Worker) Run(ctx context.Context) {
	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
			w.check(ctx)
		case <-w.refresh:
			if err := w.store.SetAgentMetadataSessionHandle(ctx, w.agentName, ""); err != nil {
				slog.Error("executor: clear session handle on manual refresh", "agent", w.agentName, "error", err)
			}
			w.check(ctx)
		}
	}
}

// check implements CHECK: load due envelopes, and if any exist run a
// turn, looping back to CHECK via RESCHEDULE while more remain
// (uncapped, MaxEnvelopesPerTurn only bounds a single turn).
func (w *Worker) check(ctx context.Context) {
	for {
		now := timefmt.ToMillis(time.Now())
		envelopes, err := w.store.PendingEnvelopesForAgent(ctx, w.agentName, now, MaxEnvelopesPerTurn)
		if err != nil {
			slog.Error("executor: load pending envelopes", "agent", w.agentName, "error", err)
			return
		}
		if len(envelopes) == 0 {
			return // CHECK -> IDLE
		}
		if err := w.runTurn(ctx, envelopes); err != nil {
			slog.Warn("executor: turn did not complete", "agent", w.agentName, "error", err)
			return // FAIL -> IDLE; envelopes remain pending, retried on next trigger
		}
		// ACK -> RESCHEDULE -> CHECK (loop while more envelopes are due)
	}
}

// runTurn implements PREP, READY, RUNNING, and ACK/FAIL for one turn.
func (w *Worker) runTurn(ctx context.Context, envelopes []store.Envelope) (err error) {
	agent, err := w.store.GetAgent(ctx, w.agentName)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	startDriver, ok := w.drivers[agent.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", agent.Provider)
	}

	sessionHandle, _ := agent.Metadata[store.MetaSessionHandle].(string)
	manualRefresh := w.drainManualRefresh()
	policyRefresh, reason := w.needsPolicyRefresh(ctx, agent)
	refreshing := sessionHandle == "" || manualRefresh || policyRefresh
	if manualRefresh {
		reason = "manual refresh requested"
	}
	if refreshing {
		sessionHandle = ""
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelRun = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancelRun = nil
		w.mu.Unlock()
		cancel()
	}()

	runID := ids.New()
	startedAt := timefmt.ToMillis(time.Now())
	envIDs := envelopeIDs(envelopes)
	if err := w.store.CreateRunningRun(ctx, store.AgentRun{
		ID: runID, AgentName: w.agentName, StartedAt: startedAt, EnvelopeIDs: envIDs,
	}); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if err := w.store.TouchAgentLastSeen(ctx, w.agentName, startedAt); err != nil {
		slog.Warn("executor: touch last-seen", "agent", w.agentName, "error", err)
	}
	if refreshing {
		slog.Info("executor: opening fresh provider session", "agent", w.agentName, "reason", reason)
		w.sessionOpenedAt = startedAt
	}

	metrics.ActiveAgentRuns.Inc()
	turnStarted := time.Now()
	defer func() {
		metrics.ActiveAgentRuns.Dec()
		metrics.TurnDuration.WithLabelValues(w.agentName, agent.Provider).Observe(time.Since(turnStarted).Seconds())
	}()

	parser := newOutputParser(agent.Provider)
	driver, err := spawnDriver(runCtx, startDriver, provider.Options{
		AgentID:      w.agentName,
		Model:        agent.Model,
		Effort:       agent.ReasoningEffort,
		WorkingDir:   agent.Workspace,
		SystemPrompt: systemPrompt(agent),
		MemoryDir:    memoryDir(agent),
		ResumeHandle: sessionHandle,
	}, parser.HandleLine)
	if err != nil {
		w.failRun(ctx, runID, err)
		return fmt.Errorf("spawn provider: %w", err)
	}

	turnText := FormatTurn(time.Now(), envelopes, w.replyLookup(ctx))
	if err := driver.SendInput(turnText); err != nil {
		driver.Stop()
		_ = driver.Wait()
		w.failRun(ctx, runID, err)
		return fmt.Errorf("send turn input: %w", err)
	}

	select {
	case <-parser.Done():
	case <-runCtx.Done():
	}

	var abortReq *abortRequest
	select {
	case req := <-w.abort:
		abortReq = &req
	default:
	}

	driver.Stop()
	waitErr := driver.Wait()

	if abortReq != nil {
		return w.handleAbort(ctx, runID, abortReq)
	}

	if ctx.Err() != nil {
		cancelErr := fmt.Errorf("daemon shutting down")
		w.failRun(ctx, runID, cancelErr)
		return cancelErr
	}

	outcome := parser.Outcome()
	if outcome.isError || (waitErr != nil && outcome.finalResponse == "" && outcome.contextLength == 0) {
		msg := outcome.errorMessage
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "provider exited without producing a result"
		}
		turnErr := fmt.Errorf("%s", msg)
		w.failRun(ctx, runID, turnErr)
		return turnErr
	}

	if err := w.store.SetAgentMetadataSessionHandle(ctx, w.agentName, driver.SessionHandle()); err != nil {
		slog.Error("executor: persist session handle", "agent", w.agentName, "error", err)
	}

	completedAt := timefmt.ToMillis(time.Now())
	if err := w.store.CompleteRun(ctx, runID, completedAt, outcome.finalResponse, outcome.contextLength); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if err := w.store.MarkEnvelopesDone(ctx, envIDs); err != nil {
		return fmt.Errorf("mark envelopes done: %w", err)
	}

	metrics.TurnsTotal.WithLabelValues(w.agentName, "completed").Inc()
	metrics.AgentContextLength.WithLabelValues(w.agentName).Set(float64(outcome.contextLength))

	if w.cron != nil && envelopesIncludeCron(envelopes) {
		w.cron.Tick(ctx, w.bossTimezone())
	}
	return nil
}

func (w *Worker) failRun(ctx context.Context, runID string, cause error) {
	metrics.TurnsTotal.WithLabelValues(w.agentName, "failed").Inc()
	if err := w.store.FailRun(ctx, runID, timefmt.ToMillis(time.Now()), cause.Error()); err != nil {
		slog.Error("executor: record failed run", "agent", w.agentName, "run_id", runID, "error", err)
	}
}

// handleAbort implements §4.5.2: transitions the run to cancelled and,
// if requested, moves the agent's due non-cron pending envelopes to
// done in one transaction.
func (w *Worker) handleAbort(ctx context.Context, runID string, req *abortRequest) error {
	metrics.TurnsTotal.WithLabelValues(w.agentName, "cancelled").Inc()
	cancelErr := w.store.CancelRun(ctx, runID, timefmt.ToMillis(time.Now()))

	var result error = fmt.Errorf("cancelled")
	if cancelErr != nil {
		result = cancelErr
	}
	if req.clearPending {
		if err := w.clearPendingNonCron(ctx); err != nil {
			result = err
		}
	}
	req.done <- result
	return result
}

// clearPendingNonCron transactionally moves every due, non-cron
// pending envelope for this agent to done (§4.5.2 "clear pending").
// Cron-materialized envelopes are excluded so a cleared agent doesn't
// silently lose its next scheduled occurrence.
func (w *Worker) clearPendingNonCron(ctx context.Context) error {
	const batchLimit = 10000
	now := timefmt.ToMillis(time.Now())
	due, err := w.store.PendingEnvelopesForAgent(ctx, w.agentName, now, batchLimit)
	if err != nil {
		return fmt.Errorf("load due pending envelopes: %w", err)
	}
	var ids []string
	for _, e := range due {
		if _, isCron := e.Metadata[store.MetaCronScheduleID]; isCron {
			continue
		}
		ids = append(ids, e.ID)
	}
	if err := w.store.MarkEnvelopesDone(ctx, ids); err != nil {
		return fmt.Errorf("clear pending envelopes: %w", err)
	}
	return nil
}

func (w *Worker) drainManualRefresh() bool {
	select {
	case <-w.refresh:
		return true
	default:
		return false
	}
}

// needsPolicyRefresh evaluates §4.5.1 in its documented order,
// returning the first trigger's reason.
func (w *Worker) needsPolicyRefresh(ctx context.Context, agent *store.Agent) (bool, string) {
	if agent.SessionPolicy == nil {
		return false, ""
	}
	policy := agent.SessionPolicy

	if policy.DailyResetAt != "" && w.dailyResetTriggered(policy.DailyResetAt) {
		return true, "dailyResetAt elapsed"
	}

	var lastCompletedAt uint64
	var lastContextLength int
	runs, err := w.store.ListRunsForAgent(ctx, w.agentName, 1)
	if err != nil {
		slog.Warn("executor: load last run for session policy", "agent", w.agentName, "error", err)
	} else if len(runs) > 0 {
		lastCompletedAt = runs[0].CompletedAt
		lastContextLength = runs[0].ContextLength
	}

	if policy.IdleTimeout != "" {
		d, err := parseFlexDuration(policy.IdleTimeout)
		if err != nil {
			slog.Warn("executor: invalid idleTimeout", "agent", w.agentName, "value", policy.IdleTimeout, "error", err)
		} else {
			reference := lastCompletedAt
			if reference == 0 {
				reference = w.sessionOpenedAt
			}
			if reference != 0 && time.Since(timefmt.FromMillis(reference)) > d {
				return true, "idleTimeout elapsed"
			}
		}
	}

	if policy.MaxContextLength > 0 && lastContextLength > policy.MaxContextLength {
		return true, "maxContextLength exceeded"
	}
	return false, ""
}

func (w *Worker) dailyResetTriggered(hhmm string) bool {
	if w.sessionOpenedAt == 0 {
		return false
	}
	hour, minute, err := parseHHMM(hhmm)
	if err != nil {
		slog.Warn("executor: invalid dailyResetAt", "agent", w.agentName, "value", hhmm, "error", err)
		return false
	}
	now := time.Now().In(w.location())
	occurrence := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, w.location())
	if occurrence.After(now) {
		occurrence = occurrence.AddDate(0, 0, -1)
	}
	return timefmt.FromMillis(w.sessionOpenedAt).Before(occurrence)
}

func (w *Worker) location() *time.Location {
	tz := ""
	if w.bossTZ != nil {
		tz = w.bossTZ()
	}
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (w *Worker) bossTimezone() string {
	if w.bossTZ == nil {
		return ""
	}
	return w.bossTZ()
}

func (w *Worker) replyLookup(ctx context.Context) ReplyLookup {
	return func(id string) (*store.Envelope, bool) {
		e, err := w.store.GetEnvelope(ctx, id)
		if err != nil {
			return nil, false
		}
		return e, true
	}
}

func systemPrompt(agent *store.Agent) string {
	// Prompt template rendering is an external collaborator (§1
	// Non-goals/out-of-scope); the Executor only forwards whatever
	// static description the agent was registered with.
	return agent.Description
}

func memoryDir(agent *store.Agent) string {
	if agent.Workspace == "" {
		return ""
	}
	return filepath.Join(agent.Workspace, "internal_space")
}

func envelopeIDs(envelopes []store.Envelope) []string {
	ids := make([]string, len(envelopes))
	for i, e := range envelopes {
		ids[i] = e.ID
	}
	return ids
}

func envelopesIncludeCron(envelopes []store.Envelope) bool {
	for _, e := range envelopes {
		if _, ok := e.Metadata[store.MetaCronScheduleID]; ok {
			return true
		}
	}
	return false
}

var durationUnit = regexp.MustCompile(`(\d+)([dhms])`)

// parseFlexDuration parses the §4.5.1 idleTimeout shape ("1h30m",
// "2d", "45s") — like time.ParseDuration but with an additional `d`
// (day) unit.
func parseFlexDuration(s string) (time.Duration, error) {
	matches := durationUnit.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("executor: invalid duration %q", s)
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("executor: invalid duration %q: %w", s, err)
		}
		switch m[2] {
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
	}
	return total, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("executor: invalid HH:MM %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

// Manager lazily creates and tears down one Worker per agent,
// grounded on the teacher's internal/hub/agentmgr.Manager and
// internal/hub/workermgr.Manager mutex-protected-map pattern. It
// satisfies router.AgentSignaler structurally via Signal.
type Manager struct {
	store   *store.Store
	cron    Materializer
	bossTZ  func() string
	drivers map[string]StartDriverFunc

	mu      sync.Mutex
	workers map[string]*workerHandle
}

type workerHandle struct {
	worker *Worker
	cancel context.CancelFunc
}

// NewManager constructs a Manager with no workers running yet. A nil
// startDrivers uses the real claude/codex drivers.
func NewManager(s *store.Store, cron Materializer, bossTZ func() string, startDrivers map[string]StartDriverFunc) *Manager {
	if startDrivers == nil {
		startDrivers = drivers
	}
	return &Manager{store: s, cron: cron, bossTZ: bossTZ, drivers: startDrivers, workers: make(map[string]*workerHandle)}
}

// Signal lazily starts the named agent's worker if it isn't already
// running, then wakes it (§9 "Per-agent workers": creation is lazy on
// first trigger).
func (m *Manager) Signal(agentName string) {
	m.getOrCreate(agentName).Signal()
}

// RequestRefresh queues a manual session refresh for an agent,
// lazily starting its worker if needed (`agent.refresh` RPC and the
// adapter `/refresh` command both funnel here).
func (m *Manager) RequestRefresh(agentName string) {
	m.getOrCreate(agentName).RequestRefresh()
}

// Abort cancels the named agent's in-flight run, if any.
func (m *Manager) Abort(ctx context.Context, agentName string, clearPending bool) error {
	m.mu.Lock()
	h, ok := m.workers[agentName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("executor: agent %q has no active worker", agentName)
	}
	return h.worker.Abort(ctx, clearPending)
}

// StopAgent tears down an agent's worker (cascades from agent
// deletion, §9 "deletion cascades through a stop signal").
func (m *Manager) StopAgent(agentName string) {
	m.mu.Lock()
	h, ok := m.workers[agentName]
	if ok {
		delete(m.workers, agentName)
	}
	m.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// StopAll tears down every worker (daemon shutdown, §5).
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.workers = make(map[string]*workerHandle)
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// RecoverAll starts a worker for every agent with at least one due
// pending envelope at startup (the state machine's "startup-recovery"
// trigger, P7), so recovery doesn't wait for the Scheduler's first
// tick.
func (m *Manager) RecoverAll(ctx context.Context) error {
	now := timefmt.ToMillis(time.Now())
	names, err := m.store.DueAgentNames(ctx, now)
	if err != nil {
		return fmt.Errorf("executor: list due agents at startup: %w", err)
	}
	for _, name := range names {
		m.Signal(name)
	}
	return nil
}

func (m *Manager) getOrCreate(agentName string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workers[agentName]
	if ok {
		return h.worker
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(agentName, m.store, m.cron, m.bossTZ, m.drivers)
	h = &workerHandle{worker: w, cancel: cancel}
	m.workers[agentName] = h
	go w.Run(ctx)
	return w
}
