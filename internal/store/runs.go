package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateRunningRun starts a new AgentRun in state "running", enforcing
// "at most one run per agent is in state running at any instant"
// (§3, P2) via the partial-lookalike check below: the insert happens
// inside a transaction that first verifies no running run exists for
// this agent.
func (s *Store) CreateRunningRun(ctx context.Context, run AgentRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM agent_runs WHERE agent_name = ? AND status = 'running'`,
		run.AgentName).Scan(&count); err != nil {
		return fmt.Errorf("store: check running run: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: agent %q already has a running run", ErrConflict, run.AgentName)
	}

	envIDs, err := marshalJSON(run.EnvelopeIDs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_name, started_at, envelope_ids, status)
		VALUES (?, ?, ?, ?, 'running')`,
		run.ID, run.AgentName, run.StartedAt, envIDs); err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return tx.Commit()
}

// AppendRunEnvelopes adds more envelope ids to a still-running run's
// envelopeIds list (the Executor folds newly-arrived envelopes into
// the in-flight turn, §4.5).
func (s *Store) AppendRunEnvelopes(ctx context.Context, runID string, envelopeIDs []string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.EnvelopeIDs = append(run.EnvelopeIDs, envelopeIDs...)
	envIDs, err := marshalJSON(run.EnvelopeIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_runs SET envelope_ids = ? WHERE id = ?`, envIDs, runID)
	if err != nil {
		return fmt.Errorf("store: append run envelopes: %w", err)
	}
	return checkAffected(res, "agent run", runID)
}

// CompleteRun transitions a run to "completed", recording the final
// response and measured context length (ACK step, §4.5).
func (s *Store) CompleteRun(ctx context.Context, runID string, completedAt uint64, finalResponse string, contextLength int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'completed', completed_at = ?, final_response = ?, context_length = ?
		WHERE id = ? AND status = 'running'`,
		completedAt, nullIfEmpty(finalResponse), contextLength, runID)
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	return checkAffected(res, "running agent run", runID)
}

// FailRun transitions a run to "failed" with an error message (FAIL
// step, §4.5).
func (s *Store) FailRun(ctx context.Context, runID string, completedAt uint64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'failed', completed_at = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		completedAt, errMsg, runID)
	if err != nil {
		return fmt.Errorf("store: fail run: %w", err)
	}
	return checkAffected(res, "running agent run", runID)
}

// CancelRun transitions a run to "cancelled" (supplemented feature,
// manual cancellation of an in-flight turn).
func (s *Store) CancelRun(ctx context.Context, runID string, completedAt uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'running'`,
		completedAt, runID)
	if err != nil {
		return fmt.Errorf("store: cancel run: %w", err)
	}
	return checkAffected(res, "running agent run", runID)
}

// GetRun fetches an AgentRun by id.
func (s *Store) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunningRun returns the single in-flight run for an agent, if any.
func (s *Store) GetRunningRun(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE agent_name = ? AND status = 'running'`, agentName)
	run, err := scanRun(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return run, err
}

// ListRunsForAgent returns an agent's run history, newest first.
func (s *Store) ListRunsForAgent(ctx context.Context, agentName string, limit int) ([]AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+`
		WHERE agent_name = ? ORDER BY started_at DESC LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const runSelect = `
	SELECT id, agent_name, started_at, completed_at, envelope_ids, final_response, context_length, status, error
	FROM agent_runs`

func scanRun(row rowScanner) (*AgentRun, error) {
	var r AgentRun
	var completedAt sql.NullInt64
	var envIDs string
	var finalResponse, errMsg sql.NullString

	err := row.Scan(&r.ID, &r.AgentName, &r.StartedAt, &completedAt, &envIDs, &finalResponse,
		&r.ContextLength, &r.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}

	if completedAt.Valid {
		r.CompletedAt = uint64(completedAt.Int64)
	}
	r.FinalResponse = finalResponse.String
	r.Error = errMsg.String
	if err := unmarshalJSON(envIDs, &r.EnvelopeIDs); err != nil {
		return nil, err
	}
	return &r, nil
}
