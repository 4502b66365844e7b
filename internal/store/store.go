// Package store is the daemon's sole owner of on-disk state (§4.1):
// agents, bindings, envelopes, cron schedules, run audit, and
// key/value config, backed by a single-writer SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by id/name finds no record.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on a unique-constraint violation (agent
// name taken, adapter credential already bound, §7 "conflict").
var ErrConflict = errors.New("store: conflict")

// Store wraps the SQLite connection and provides the typed,
// transactional operations the rest of the daemon relies on.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, migrates
// it to the current schema, and reconciles any AgentRun left
// "running" by a previous, uncleanly-terminated process to "failed"
// with error "daemon-stopped" (§3 AgentRun invariant, P7).
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: sqlDB}
	if err := s.reconcileStaleRuns(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: reconcile stale runs: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) reconcileStaleRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = 'failed', error = 'daemon-stopped', completed_at = NULL
		 WHERE status = 'running'`)
	return err
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON[T any](s string, out *T) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("store: unmarshal: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
