package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Reserved config keys (§5 on-disk layout, §4.6 policy engine).
const (
	ConfigKeySetupCompleted   = "setup_completed"
	ConfigKeyBossTokenHash    = "boss_token_hash"
	ConfigKeyBossName         = "boss_name"
	ConfigKeyBossTimezone     = "boss_timezone"
	ConfigKeyPermissionPolicy = "permission_policy"
)

// ConfigAdapterBossIDKey returns the per-adapter key under which the
// boss's adapter-side identity (e.g. a Telegram chat id) is stored,
// "adapter_boss_id_<type>" (§4.7 Adapter Bridge boss binding).
func ConfigAdapterBossIDKey(adapterType string) string {
	return "adapter_boss_id_" + adapterType
}

// GetConfig reads a single config value. Returns ErrNotFound if unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get config: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set config: %w", err)
	}
	return nil
}

// DeleteConfig removes a config key.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: delete config: %w", err)
	}
	return nil
}

// IsSetupCompleted reports whether the one-time boss setup flow has
// run (§4.6: until then, every operation is open to any caller).
func (s *Store) IsSetupCompleted(ctx context.Context) (bool, error) {
	v, err := s.GetConfig(ctx, ConfigKeySetupCompleted)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// CompleteSetup persists the boss's hashed token, display name, and
// timezone, and marks setup as completed, in one transaction.
func (s *Store) CompleteSetup(ctx context.Context, bossTokenHash, bossName, bossTimezone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for k, v := range map[string]string{
		ConfigKeyBossTokenHash:  bossTokenHash,
		ConfigKeyBossName:       bossName,
		ConfigKeyBossTimezone:   bossTimezone,
		ConfigKeySetupCompleted: "true",
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("store: complete setup: %w", err)
		}
	}
	return tx.Commit()
}
