package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
	"github.com/evilpsycho42/hi-boss/internal/validate"
)

func init() {
	register("agent.register", agentRegister)
	register("agent.set", agentSet)
	register("agent.list", agentList)
	register("agent.bind", agentBind)
	register("agent.unbind", agentUnbind)
	register("agent.status", agentStatus)
	register("agent.refresh", agentRefresh)
	register("agent.abort", agentAbort)
	register("agent.delete", agentDelete)
	register("agent.self", agentSelf)
	register("agent.session-policy.set", agentSessionPolicySet)
	register("agent.session-policy.get", agentSessionPolicyGet)
}

type agentView struct {
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Workspace       string               `json:"workspace,omitempty"`
	Provider        string               `json:"provider"`
	Model           string               `json:"model,omitempty"`
	ReasoningEffort string               `json:"reasoningEffort,omitempty"`
	PermissionLevel string               `json:"permissionLevel"`
	SessionPolicy   *store.SessionPolicy `json:"sessionPolicy,omitempty"`
	Role            string               `json:"role,omitempty"`
	CreatedAt       string               `json:"createdAt"`
	LastSeenAt      string               `json:"lastSeenAt,omitempty"`
}

func toAgentView(a store.Agent) agentView {
	v := agentView{
		Name:            a.Name,
		Description:     a.Description,
		Workspace:       a.Workspace,
		Provider:        a.Provider,
		Model:           a.Model,
		ReasoningEffort: a.ReasoningEffort,
		PermissionLevel: a.PermissionLevel,
		SessionPolicy:   a.SessionPolicy,
		CreatedAt:       timefmt.Format(timefmt.FromMillis(a.CreatedAt)),
	}
	if role, ok := a.Metadata[store.MetaRole].(string); ok {
		v.Role = role
	}
	if a.LastSeenAt != 0 {
		v.LastSeenAt = timefmt.Format(timefmt.FromMillis(a.LastSeenAt))
	}
	return v
}

type agentRegisterParams struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Workspace       string `json:"workspace,omitempty"`
	Provider        string `json:"provider"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	PermissionLevel string `json:"permissionLevel,omitempty"`
}

type agentRegisterResult struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// agentRegister creates a new Agent with a freshly minted bearer token
// (§3, §6). permissionLevel defaults to "standard".
func agentRegister(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentRegisterParams](raw)
	if err != nil {
		return nil, err
	}
	if err := validate.ValidateAgentName(p.Name); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	if _, err := validate.ValidateProvider(p.Provider); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	if _, err := validate.ValidateReasoningEffort(p.ReasoningEffort); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	level := p.PermissionLevel
	if level == "" {
		level = "standard"
	}
	if _, err := validate.ParsePermissionLevel(level); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}

	a := store.Agent{
		Name:            p.Name,
		Token:           ids.GenerateToken(),
		Description:     p.Description,
		Workspace:       p.Workspace,
		Provider:        p.Provider,
		Model:           p.Model,
		ReasoningEffort: p.ReasoningEffort,
		PermissionLevel: level,
		CreatedAt:       timefmt.ToMillis(time.Now()),
		Metadata:        map[string]any{store.MetaRole: "leader"},
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Errorf(KindConflict, "%v", err)
		}
		return nil, err
	}
	return agentRegisterResult{Name: a.Name, Token: a.Token}, nil
}

type agentSetParams struct {
	Name            string         `json:"name"`
	Description     *string        `json:"description,omitempty"`
	Workspace       *string        `json:"workspace,omitempty"`
	Model           *string        `json:"model,omitempty"`
	ReasoningEffort *string        `json:"reasoningEffort,omitempty"`
	PermissionLevel *string        `json:"permissionLevel,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// agentSet updates the mutable agent fields and/or replaces the
// user-writable portion of metadata, preserving the reserved
// sessionHandle/role keys (§4.1, P10).
func agentSet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentSetParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := getAgentOrNotFound(ctx, s, p.Name)
	if err != nil {
		return nil, err
	}

	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Workspace != nil {
		a.Workspace = *p.Workspace
	}
	if p.Model != nil {
		a.Model = *p.Model
	}
	if p.ReasoningEffort != nil {
		if _, err := validate.ValidateReasoningEffort(*p.ReasoningEffort); err != nil {
			return nil, Errorf(KindValidation, "%v", err)
		}
		a.ReasoningEffort = *p.ReasoningEffort
	}
	if p.PermissionLevel != nil {
		if _, err := validate.ParsePermissionLevel(*p.PermissionLevel); err != nil {
			return nil, Errorf(KindValidation, "%v", err)
		}
		a.PermissionLevel = *p.PermissionLevel
	}
	if err := s.store.UpdateAgentFields(ctx, a.Name, *a); err != nil {
		return nil, err
	}

	if p.Metadata != nil {
		if err := s.store.ReplaceAgentMetadata(ctx, a.Name, p.Metadata); err != nil {
			return nil, err
		}
	}

	a, err = s.store.GetAgent(ctx, a.Name)
	if err != nil {
		return nil, err
	}
	return toAgentView(*a), nil
}

type agentListResult struct {
	Agents []agentView `json:"agents"`
}

func agentList(ctx context.Context, s *Server, _ json.RawMessage) (any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]agentView, len(agents))
	for i, a := range agents {
		views[i] = toAgentView(a)
	}
	return agentListResult{Agents: views}, nil
}

type agentBindParams struct {
	Name         string `json:"name"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

type agentBindResult struct {
	ID string `json:"id"`
}

// agentBind binds an agent to an adapter credential, marking the
// agent's role "speaker" (§3, §4.7, P5).
func agentBind(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentBindParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Name == "" || p.AdapterToken == "" {
		return nil, Errorf(KindValidation, "name and adapterToken are required")
	}
	adapterType, err := validate.SanitizeSlug("adapterType", p.AdapterType)
	if err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	if _, err := getAgentOrNotFound(ctx, s, p.Name); err != nil {
		return nil, err
	}

	b := store.AgentBinding{
		ID:           ids.New(),
		AgentName:    p.Name,
		AdapterType:  adapterType,
		AdapterToken: p.AdapterToken,
		CreatedAt:    timefmt.ToMillis(time.Now()),
	}
	if err := s.store.CreateBinding(ctx, b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Errorf(KindConflict, "%v", err)
		}
		return nil, err
	}
	if err := s.store.SetAgentMetadataRole(ctx, p.Name, "speaker"); err != nil {
		return nil, err
	}
	return agentBindResult{ID: b.ID}, nil
}

type agentUnbindParams struct {
	Name        string `json:"name"`
	AdapterType string `json:"adapterType"`
}

// agentUnbind removes a binding, reverting the agent's role to
// "leader" once it holds no remaining bindings — maintaining the
// "speakers must have a binding" invariant by construction rather than
// rejecting the unbind (§7 "invariant-violation").
func agentUnbind(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentUnbindParams](raw)
	if err != nil {
		return nil, err
	}
	adapterType, err := validate.SanitizeSlug("adapterType", p.AdapterType)
	if err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	if err := s.store.DeleteBinding(ctx, p.Name, adapterType); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(KindNotFound, "%v", err)
		}
		return nil, err
	}

	remaining, err := s.store.ListBindingsForAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if err := s.store.SetAgentMetadataRole(ctx, p.Name, "leader"); err != nil {
			return nil, err
		}
	}
	return okResult{OK: true}, nil
}

type agentStatusParams struct {
	Name string `json:"name"`
}

type agentStatusResult struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	RunID      string `json:"runId,omitempty"`
	DuePending int    `json:"duePending"`
	LastSeenAt string `json:"lastSeenAt,omitempty"`
}

type okResult struct {
	OK bool `json:"ok"`
}

// agentStatus reports whether an agent currently has a running turn
// and how many due pending envelopes are queued for it.
func agentStatus(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentStatusParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := getAgentOrNotFound(ctx, s, p.Name)
	if err != nil {
		return nil, err
	}

	due, err := s.store.CountDuePendingForAgent(ctx, p.Name, timefmt.ToMillis(time.Now()))
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRunningRun(ctx, p.Name)
	if err != nil {
		return nil, err
	}

	result := agentStatusResult{Name: p.Name, DuePending: due}
	if run != nil {
		result.Running = true
		result.RunID = run.ID
	}
	if a.LastSeenAt != 0 {
		result.LastSeenAt = timefmt.Format(timefmt.FromMillis(a.LastSeenAt))
	}
	return result, nil
}

type agentNameParams struct {
	Name string `json:"name"`
}

// agentRefresh queues a manual session refresh, applied at the next
// safe point (§4.5.1, SUPPLEMENTED FEATURES).
func agentRefresh(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentNameParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := getAgentOrNotFound(ctx, s, p.Name); err != nil {
		return nil, err
	}
	s.executor.RequestRefresh(p.Name)
	return okResult{OK: true}, nil
}

type agentAbortParams struct {
	Name         string `json:"name"`
	ClearPending bool   `json:"clearPending,omitempty"`
}

// agentAbort cancels an agent's in-flight turn (SIGINT then SIGTERM,
// §4.5.2), optionally clearing due pending envelopes in one
// transaction.
func agentAbort(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentAbortParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := getAgentOrNotFound(ctx, s, p.Name); err != nil {
		return nil, err
	}
	if err := s.executor.Abort(ctx, p.Name, p.ClearPending); err != nil {
		if strings.Contains(err.Error(), "no active worker") {
			return okResult{OK: true}, nil
		}
		return nil, err
	}
	return okResult{OK: true}, nil
}

// agentDelete removes an agent; its worker is torn down first so the
// deletion cascades cleanly through a stop signal (§9).
func agentDelete(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentNameParams](raw)
	if err != nil {
		return nil, err
	}
	s.executor.StopAgent(p.Name)
	if err := s.store.DeleteAgent(ctx, p.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(KindNotFound, "%v", err)
		}
		return nil, err
	}
	return okResult{OK: true}, nil
}

// agentSelf returns the calling agent's own record, for an agent
// token to introspect its own configuration (§6).
func agentSelf(ctx context.Context, s *Server, _ json.RawMessage) (any, error) {
	identity, _ := identityFrom(ctx)
	if identity.Agent == nil {
		return nil, Errorf(KindPermission, "agent.self requires an agent token")
	}
	a, err := s.store.GetAgent(ctx, identity.Agent.Name)
	if err != nil {
		return nil, err
	}
	return toAgentView(*a), nil
}

type sessionPolicySetParams struct {
	Name             string `json:"name"`
	DailyResetAt     string `json:"dailyResetAt,omitempty"`
	IdleTimeout      string `json:"idleTimeout,omitempty"`
	MaxContextLength int    `json:"maxContextLength,omitempty"`
}

// agentSessionPolicySet replaces an agent's sessionPolicy document
// (§4.5.1). An entirely empty request clears the policy.
func agentSessionPolicySet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[sessionPolicySetParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := getAgentOrNotFound(ctx, s, p.Name)
	if err != nil {
		return nil, err
	}

	if p.DailyResetAt == "" && p.IdleTimeout == "" && p.MaxContextLength == 0 {
		a.SessionPolicy = nil
	} else {
		if p.IdleTimeout != "" {
			if _, err := time.ParseDuration(p.IdleTimeout); err != nil {
				return nil, Errorf(KindValidation, "idleTimeout: %v", err)
			}
		}
		a.SessionPolicy = &store.SessionPolicy{
			DailyResetAt:     p.DailyResetAt,
			IdleTimeout:      p.IdleTimeout,
			MaxContextLength: p.MaxContextLength,
		}
	}
	if err := s.store.UpdateAgentFields(ctx, a.Name, *a); err != nil {
		return nil, err
	}
	return toAgentView(*a), nil
}

// agentSessionPolicyGet reads back an agent's currently configured
// sessionPolicy (SUPPLEMENTED FEATURES, symmetric with
// agent.session-policy.set).
func agentSessionPolicyGet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[agentNameParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := getAgentOrNotFound(ctx, s, p.Name)
	if err != nil {
		return nil, err
	}
	if a.SessionPolicy == nil {
		return store.SessionPolicy{}, nil
	}
	return *a.SessionPolicy, nil
}

func getAgentOrNotFound(ctx context.Context, s *Server, name string) (*store.Agent, error) {
	if name == "" {
		return nil, Errorf(KindValidation, "name must not be empty")
	}
	a, err := s.store.GetAgent(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(KindNotFound, "no agent named %q", name)
		}
		return nil, err
	}
	return a, nil
}
