package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evilpsycho42/hi-boss/internal/store/blob"
)

// CreateEnvelope persists a new pending Envelope.
func (s *Store) CreateEnvelope(ctx context.Context, e Envelope) error {
	return s.createEnvelope(ctx, s.db, e)
}

func (s *Store) createEnvelope(ctx context.Context, exec execer, e Envelope) error {
	rawContent, err := marshalJSON(e.Content)
	if err != nil {
		return err
	}
	compressed, compression := blob.Compress([]byte(rawContent))
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = "pending"
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO envelopes (id, from_addr, to_addr, from_boss, content, compression, deliver_at, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.From, e.To, boolToInt(e.FromBoss), compressed, int(compression), nullIfZero(e.DeliverAt),
		e.Status, e.CreatedAt, meta)
	if err != nil {
		return fmt.Errorf("store: create envelope: %w", err)
	}
	return nil
}

// GetEnvelope fetches an Envelope by id.
func (s *Store) GetEnvelope(ctx context.Context, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, envelopeSelect+` WHERE id = ?`, id)
	return scanEnvelope(row)
}

// FindEnvelopesByIDPrefix returns every envelope whose id starts with
// prefix, for the RPC layer's short-id resolution (§9 "Short IDs":
// resolvers must detect prefix collisions and return ambiguous-prefix).
func (s *Store) FindEnvelopesByIDPrefix(ctx context.Context, prefix string) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, envelopeSelect+` WHERE id LIKE ? ORDER BY created_at ASC`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store: find envelopes by id prefix: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// ListEnvelopesByAddress lists envelopes where to_addr or from_addr
// equals addr, optionally filtered by status, newest first. Backs
// `envelope.list` (§6) for both the inbox (to) and outbox (from) views.
func (s *Store) ListEnvelopesByAddress(ctx context.Context, addr, status string, box string, limit int) ([]Envelope, error) {
	col := "to_addr"
	if box == "outbox" {
		col = "from_addr"
	}
	q := envelopeSelect + fmt.Sprintf(` WHERE %s = ?`, col)
	args := []any{addr}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// NextScheduledEnvelope returns the earliest pending envelope with a
// future deliver_at, for the Scheduler's wake timer (§4.2).
func (s *Store) NextScheduledEnvelope(ctx context.Context, now uint64) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, envelopeSelect+`
		WHERE status = 'pending' AND deliver_at IS NOT NULL AND deliver_at > ?
		ORDER BY deliver_at ASC LIMIT 1`, now)
	e, err := scanEnvelope(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return e, err
}

// DueChannelEnvelopes returns pending envelopes destined to a
// `channel:` address that are eligible now (§4.1).
func (s *Store) DueChannelEnvelopes(ctx context.Context, now uint64, limit int) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, envelopeSelect+`
		WHERE status = 'pending' AND to_addr LIKE 'channel:%'
		AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY deliver_at ASC, created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: due channel envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// DueAgentNames returns the distinct agent names with at least one
// due pending envelope, for triggering Executor workers (§4.1).
func (s *Store) DueAgentNames(ctx context.Context, now uint64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT to_addr FROM envelopes
		WHERE status = 'pending' AND to_addr LIKE 'agent:%'
		AND (deliver_at IS NULL OR deliver_at <= ?)`, now)
	if err != nil {
		return nil, fmt.Errorf("store: due agent names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("store: scan due agent name: %w", err)
		}
		names = append(names, addr[len("agent:"):])
	}
	return names, rows.Err()
}

// PendingEnvelopesForAgent loads up to limit due pending envelopes
// for `agent:<name>`, ordered by (coalesce(deliverAt, createdAt),
// createdAt) ascending (§4.1, §4.5, P8).
func (s *Store) PendingEnvelopesForAgent(ctx context.Context, name string, now uint64, limit int) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, envelopeSelect+`
		WHERE status = 'pending' AND to_addr = ?
		AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY coalesce(deliver_at, created_at) ASC, created_at ASC
		LIMIT ?`, "agent:"+name, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending envelopes for agent: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// CountDuePendingForAgent counts due pending envelopes for an agent.
func (s *Store) CountDuePendingForAgent(ctx context.Context, name string, now uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM envelopes
		WHERE status = 'pending' AND to_addr = ?
		AND (deliver_at IS NULL OR deliver_at <= ?)`, "agent:"+name, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count due pending: %w", err)
	}
	return n, nil
}

// MarkEnvelopesDone transitions a batch of envelopes to "done" in a
// single transaction (§4.1, P1 at-most-once).
func (s *Store) MarkEnvelopesDone(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE envelopes SET status = 'done' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: mark envelope done: %w", err)
		}
	}
	return tx.Commit()
}

// MarkEnvelopeDoneWithError marks a single channel-bound envelope
// done and records a terminal delivery failure on it (§4.3(d)).
func (s *Store) MarkEnvelopeDoneWithError(ctx context.Context, id string, de DeliveryError) error {
	meta, err := marshalJSON(de)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE envelopes SET status = 'done', metadata = json_set(metadata, '$.lastDeliveryError', json(?))
		WHERE id = ?`, meta, id)
	if err != nil {
		return fmt.Errorf("store: mark envelope done with error: %w", err)
	}
	return nil
}

// SetEnvelopePlatformMessageID records the adapter-returned message id
// on a delivered channel envelope, surgically (without disturbing
// other metadata), so a later `reaction.set` or reply-threading lookup
// can find it even for agent-originated (outbound) envelopes.
func (s *Store) SetEnvelopePlatformMessageID(ctx context.Context, id, platformMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET metadata = json_set(metadata, '$.platformMessageId', ?) WHERE id = ?`,
		platformMessageID, id)
	if err != nil {
		return fmt.Errorf("store: set envelope platform message id: %w", err)
	}
	return nil
}

// CancelEnvelope retracts a still-pending, not-yet-delivered
// envelope (supplemented feature, SPEC_FULL.md §SUPPLEMENTED
// FEATURES "envelope.cancel"). Only valid while status is pending.
func (s *Store) CancelEnvelope(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET status = 'done' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("store: cancel envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: envelope %q is not pending", ErrConflict, id)
	}
	return nil
}

const envelopeSelect = `
	SELECT id, from_addr, to_addr, from_boss, content, compression, deliver_at, status, created_at, metadata
	FROM envelopes`

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var e Envelope
	var fromBoss int
	var content []byte
	var compression int
	var deliverAt sql.NullInt64
	var meta sql.NullString

	err := row.Scan(&e.ID, &e.From, &e.To, &fromBoss, &content, &compression, &deliverAt, &e.Status, &e.CreatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan envelope: %w", err)
	}

	e.FromBoss = fromBoss != 0
	if deliverAt.Valid {
		e.DeliverAt = uint64(deliverAt.Int64)
	}

	raw, err := blob.Decompress(content, blob.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("store: decompress envelope content: %w", err)
	}
	if err := unmarshalJSON(string(raw), &e.Content); err != nil {
		return nil, err
	}

	e.Metadata = map[string]any{}
	if meta.Valid {
		if err := unmarshalJSON(meta.String, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
