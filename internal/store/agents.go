package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateAgent inserts a new Agent. Returns ErrConflict if the name or
// token is already taken.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	policy, err := marshalJSON(a.SessionPolicy)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (name, token, description, workspace, provider, model,
			reasoning_effort, permission_level, session_policy, created_at, last_seen_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Token, a.Description, a.Workspace, a.Provider, nullIfEmpty(a.Model),
		nullIfEmpty(a.ReasoningEffort), a.PermissionLevel, policy, a.CreatedAt, nullIfZero(a.LastSeenAt), meta)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: agent name or token already in use", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent fetches an Agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, token, description, workspace, provider, model, reasoning_effort,
			permission_level, session_policy, created_at, last_seen_at, metadata
		FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

// GetAgentByToken resolves an Agent by its bearer token (§4.6 policy
// engine token classification).
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, token, description, workspace, provider, model, reasoning_effort,
			permission_level, session_policy, created_at, last_seen_at, metadata
		FROM agents WHERE token = ?`, token)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, token, description, workspace, provider, model, reasoning_effort,
			permission_level, session_policy, created_at, last_seen_at, metadata
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentFields updates the mutable, non-reserved Agent fields
// (description, workspace, model, reasoningEffort, permissionLevel,
// sessionPolicy). metadata is handled separately by
// ReplaceAgentMetadata to preserve the reserved sessionHandle key.
func (s *Store) UpdateAgentFields(ctx context.Context, name string, a Agent) error {
	policy, err := marshalJSON(a.SessionPolicy)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET description = ?, workspace = ?, model = ?, reasoning_effort = ?,
			permission_level = ?, session_policy = ?
		WHERE name = ?`,
		a.Description, a.Workspace, nullIfEmpty(a.Model), nullIfEmpty(a.ReasoningEffort),
		a.PermissionLevel, policy, name)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	return checkAffected(res, "agent", name)
}

// TouchAgentLastSeen updates Agent.lastSeenAt to now (called whenever
// a turn starts).
func (s *Store) TouchAgentLastSeen(ctx context.Context, name string, now uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE name = ?`, now, name)
	if err != nil {
		return fmt.Errorf("store: touch agent last-seen: %w", err)
	}
	return nil
}

// SetAgentMetadataSessionHandle surgically writes (or clears)
// metadata.sessionHandle without disturbing any other metadata key
// (§4.1, P10).
func (s *Store) SetAgentMetadataSessionHandle(ctx context.Context, name string, handle string) error {
	var err error
	if handle == "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE agents SET metadata = json_remove(metadata, '$.sessionHandle') WHERE name = ?`, name)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE agents SET metadata = json_set(metadata, '$.sessionHandle', ?) WHERE name = ?`, handle, name)
	}
	if err != nil {
		return fmt.Errorf("store: set session handle: %w", err)
	}
	return nil
}

// SetAgentMetadataRole surgically writes metadata.role (set by the
// Router when a binding is created/removed, §3).
func (s *Store) SetAgentMetadataRole(ctx context.Context, name, role string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET metadata = json_set(metadata, '$.role', ?) WHERE name = ?`, role, name)
	if err != nil {
		return fmt.Errorf("store: set agent role: %w", err)
	}
	return nil
}

// ReplaceAgentMetadata replaces the user-writable portion of an
// agent's metadata while preserving the reserved sessionHandle key
// (§4.1, P10).
func (s *Store) ReplaceAgentMetadata(ctx context.Context, name string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	delete(metadata, MetaSessionHandle)
	delete(metadata, MetaRole)
	meta, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET metadata = json_patch(?,
			json_object('sessionHandle', json_extract(metadata, '$.sessionHandle'),
			            'role', json_extract(metadata, '$.role')))
		WHERE name = ?`, meta, name)
	if err != nil {
		return fmt.Errorf("store: replace agent metadata: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent; bindings and agent_runs cascade.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	return checkAffected(res, "agent", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var model, effort, policy, meta sql.NullString
	var lastSeen sql.NullInt64
	err := row.Scan(&a.Name, &a.Token, &a.Description, &a.Workspace, &a.Provider, &model,
		&effort, &a.PermissionLevel, &policy, &a.CreatedAt, &lastSeen, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	a.Model = model.String
	a.ReasoningEffort = effort.String
	if lastSeen.Valid {
		a.LastSeenAt = uint64(lastSeen.Int64)
	}
	if policy.Valid && policy.String != "" {
		var sp SessionPolicy
		if err := unmarshalJSON(policy.String, &sp); err != nil {
			return nil, err
		}
		a.SessionPolicy = &sp
	}
	a.Metadata = map[string]any{}
	if meta.Valid {
		if err := unmarshalJSON(meta.String, &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v uint64) any {
	if v == 0 {
		return nil
	}
	return v
}

func checkAffected(res sql.Result, kind, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	return nil
}
