package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateBinding inserts a new AgentBinding. Returns ErrConflict if the
// (adapterType, adapterToken) credential is already bound or the
// agent already has a binding of that adapter type (§3, P5).
func (s *Store) CreateBinding(ctx context.Context, b AgentBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_bindings (id, agent_name, adapter_type, adapter_token, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.AgentName, b.AdapterType, b.AdapterToken, b.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: adapter credential already bound, or agent already bound to this adapter type", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("store: create binding: %w", err)
	}
	return nil
}

// GetBindingByCredential resolves the binding for an inbound adapter
// message (§4.7 Adapter Bridge: (platform, adapterToken) -> agentName).
func (s *Store) GetBindingByCredential(ctx context.Context, adapterType, adapterToken string) (*AgentBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings WHERE adapter_type = ? AND adapter_token = ?`, adapterType, adapterToken)
	return scanBinding(row)
}

// ListBindingsForAgent returns all bindings for an agent.
func (s *Store) ListBindingsForAgent(ctx context.Context, agentName string) ([]AgentBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings WHERE agent_name = ? ORDER BY created_at`, agentName)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer rows.Close()

	var out []AgentBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// IsAgentBoundToAdapter reports whether an agent has any binding of
// the given adapter type (§4.3 Router send-authorization check).
func (s *Store) IsAgentBoundToAdapter(ctx context.Context, agentName, adapterType string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?`,
		agentName, adapterType).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check binding: %w", err)
	}
	return count > 0, nil
}

// DeleteBinding removes a binding by (agentName, adapterType).
func (s *Store) DeleteBinding(ctx context.Context, agentName, adapterType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?`, agentName, adapterType)
	if err != nil {
		return fmt.Errorf("store: delete binding: %w", err)
	}
	return checkAffected(res, "binding", agentName+":"+adapterType)
}

func scanBinding(row rowScanner) (*AgentBinding, error) {
	var b AgentBinding
	err := row.Scan(&b.ID, &b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan binding: %w", err)
	}
	return &b, nil
}
