package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateCronSchedule inserts a new CronSchedule.
func (s *Store) CreateCronSchedule(ctx context.Context, c CronSchedule) error {
	content, err := marshalJSON(c.Content)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, agent_name, cron, timezone, enabled, to_addr, content, metadata,
			pending_envelope_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentName, c.Cron, nullIfEmpty(c.Timezone), boolToInt(c.Enabled), c.To, content, meta,
		nullIfEmpty(c.PendingEnvelopeID), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create cron schedule: %w", err)
	}
	return nil
}

// GetCronSchedule fetches a CronSchedule by id.
func (s *Store) GetCronSchedule(ctx context.Context, id string) (*CronSchedule, error) {
	row := s.db.QueryRowContext(ctx, cronSelect+` WHERE id = ?`, id)
	return scanCron(row)
}

// ListCronSchedules returns all schedules ordered by creation time
// (earliest first, used for the Materializer's tie-break rule, §4.4).
func (s *Store) ListCronSchedules(ctx context.Context) ([]CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, cronSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list cron schedules: %w", err)
	}
	defer rows.Close()

	var out []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindCronSchedulesByIDPrefix returns every cron schedule whose id
// starts with prefix, for the RPC layer's short-id resolution (§9
// "Short IDs").
func (s *Store) FindCronSchedulesByIDPrefix(ctx context.Context, prefix string) ([]CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, cronSelect+` WHERE id LIKE ? ORDER BY created_at ASC`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store: find cron schedules by id prefix: %w", err)
	}
	defer rows.Close()

	var out []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCronSchedulesForAgent returns schedules owned by one agent.
func (s *Store) ListCronSchedulesForAgent(ctx context.Context, agentName string) ([]CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, cronSelect+` WHERE agent_name = ? ORDER BY created_at ASC`, agentName)
	if err != nil {
		return nil, fmt.Errorf("store: list cron schedules for agent: %w", err)
	}
	defer rows.Close()

	var out []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCronEnabled flips a schedule's enabled flag.
func (s *Store) SetCronEnabled(ctx context.Context, id string, enabled bool, now uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_schedules SET enabled = ?, updated_at = ? WHERE id = ?`, boolToInt(enabled), now, id)
	if err != nil {
		return fmt.Errorf("store: set cron enabled: %w", err)
	}
	return checkAffected(res, "cron schedule", id)
}

// DeleteCronSchedule removes a schedule.
func (s *Store) DeleteCronSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete cron schedule: %w", err)
	}
	return checkAffected(res, "cron schedule", id)
}

// MaterializeOccurrence atomically creates the next-occurrence
// envelope for a schedule and updates pendingEnvelopeId, maintaining
// the §4.4/P4 "at most one pending envelope per schedule" invariant.
// If the schedule's current pending_envelope_id still refers to a
// live (pending) envelope — e.g. a `cron.run-now` call ahead of the
// natural occurrence — that envelope is marked done in the same
// transaction so it never outlives the schedule's repointing and
// leaves two live envelopes sharing one cronScheduleId. The new
// envelope's metadata.cronScheduleId is set, and reply/quote fields
// are stripped from the template before being copied in.
func (s *Store) MaterializeOccurrence(ctx context.Context, c *CronSchedule, envelopeID string, deliverAt, now uint64) error {
	meta := map[string]any{}
	for k, v := range c.Metadata {
		if k == MetaReplyToEnvelope {
			continue
		}
		meta[k] = v
	}
	meta[MetaCronScheduleID] = c.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.PendingEnvelopeID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE envelopes SET status = 'done' WHERE id = ? AND status = 'pending'`,
			c.PendingEnvelopeID); err != nil {
			return fmt.Errorf("store: close previous pending envelope: %w", err)
		}
	}

	if err := s.createEnvelope(ctx, tx, Envelope{
		ID:        envelopeID,
		From:      "agent:" + c.AgentName,
		To:        c.To,
		Content:   c.Content,
		DeliverAt: deliverAt,
		Status:    "pending",
		CreatedAt: now,
		Metadata:  meta,
	}); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cron_schedules SET pending_envelope_id = ?, updated_at = ? WHERE id = ?`,
		envelopeID, now, c.ID); err != nil {
		return fmt.Errorf("store: update pending envelope id: %w", err)
	}

	return tx.Commit()
}

const cronSelect = `
	SELECT id, agent_name, cron, timezone, enabled, to_addr, content, metadata,
		pending_envelope_id, created_at, updated_at
	FROM cron_schedules`

func scanCron(row rowScanner) (*CronSchedule, error) {
	var c CronSchedule
	var timezone, pendingID sql.NullString
	var enabled int
	var content, meta string

	err := row.Scan(&c.ID, &c.AgentName, &c.Cron, &timezone, &enabled, &c.To, &content, &meta,
		&pendingID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan cron schedule: %w", err)
	}

	c.Timezone = timezone.String
	c.Enabled = enabled != 0
	c.PendingEnvelopeID = pendingID.String

	if err := unmarshalJSON(content, &c.Content); err != nil {
		return nil, err
	}
	c.Metadata = map[string]any{}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}
