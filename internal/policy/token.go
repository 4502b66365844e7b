// Package policy implements the daemon's token classification and
// per-operation permission engine (§4.6).
package policy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/validate"
)

// Identity is what a token resolves to: the boss, a named agent, or
// neither.
type Identity struct {
	IsBoss bool
	Agent  *store.Agent // nil when IsBoss is true
}

// Level reports the permission level a resolved identity holds.
func (id Identity) Level() validate.PermissionLevel {
	if id.IsBoss {
		return validate.LevelBoss
	}
	if id.Agent != nil {
		if lvl, err := validate.ParsePermissionLevel(id.Agent.PermissionLevel); err == nil {
			return lvl
		}
	}
	return validate.LevelRestricted
}

// ErrInvalidToken means the token matched neither the boss nor any
// agent (§7 "auth-error").
var ErrInvalidToken = errors.New("policy: invalid token")

// Engine resolves tokens and authorizes operations against the
// operation -> minimum-level table (§4.6, §6).
type Engine struct {
	store *store.Store
}

// New constructs an Engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Resolve classifies token as (a) the boss token iff it matches the
// stored bcrypt hash, else (b) an agent token iff some agent carries
// it, else ErrInvalidToken.
func (e *Engine) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	hash, err := e.store.GetConfig(ctx, store.ConfigKeyBossTokenHash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Identity{}, fmt.Errorf("policy: load boss token hash: %w", err)
	}
	if err == nil && bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
		return Identity{IsBoss: true}, nil
	}

	agent, err := e.store.GetAgentByToken(ctx, token)
	if err == nil {
		return Identity{Agent: agent}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Identity{}, fmt.Errorf("policy: lookup agent by token: %w", err)
	}
	return Identity{}, ErrInvalidToken
}

// HashBossToken bcrypt-hashes a freshly generated boss token for
// storage (`setup.execute`, §4.6).
func HashBossToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("policy: hash boss token: %w", err)
	}
	return string(hash), nil
}

// ConstantTimeEqual compares two plaintext tokens without leaking
// timing information.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// operationLevels is the operation -> minimum permission level table
// (§6). An operation missing from this table defaults to LevelBoss
// (safe-by-default).
var operationLevels = map[string]validate.PermissionLevel{
	"envelope.send":   validate.LevelRestricted,
	"envelope.list":   validate.LevelRestricted,
	"envelope.get":    validate.LevelRestricted,
	"envelope.cancel": validate.LevelRestricted,

	"cron.create":  validate.LevelRestricted,
	"cron.list":    validate.LevelRestricted,
	"cron.get":     validate.LevelRestricted,
	"cron.enable":  validate.LevelRestricted,
	"cron.disable": validate.LevelRestricted,
	"cron.delete":  validate.LevelRestricted,
	"cron.run-now": validate.LevelBoss,

	"reaction.set": validate.LevelRestricted,

	"agent.register":           validate.LevelBoss,
	"agent.set":                validate.LevelPrivileged,
	"agent.list":                validate.LevelRestricted,
	"agent.bind":                validate.LevelPrivileged,
	"agent.unbind":              validate.LevelPrivileged,
	"agent.status":              validate.LevelRestricted,
	"agent.refresh":             validate.LevelBoss,
	"agent.abort":               validate.LevelBoss,
	"agent.delete":              validate.LevelBoss,
	"agent.self":                validate.LevelRestricted,
	"agent.session-policy.set":  validate.LevelPrivileged,
	"agent.session-policy.get":  validate.LevelRestricted,

	"daemon.status": validate.LevelBoss,
	"daemon.start":  validate.LevelBoss,
	"daemon.stop":   validate.LevelBoss,
	"daemon.ping":   validate.LevelStandard,
	"daemon.time":   validate.LevelStandard,
}

// bootstrapOperations are token-less (§4.6). setup.check and
// setup.execute are only reachable before setup_completed; boss.verify
// is always reachable.
var bootstrapOperations = map[string]bool{
	"setup.check":   true,
	"setup.execute": true,
	"boss.verify":   true,
}

// IsBootstrap reports whether op is one of the three token-less
// bootstrap methods.
func IsBootstrap(op string) bool {
	return bootstrapOperations[op]
}

// RequiredLevel returns the minimum permission level for op, defaulting
// to LevelBoss for unrecognized operations (safe-by-default).
func RequiredLevel(op string) validate.PermissionLevel {
	if lvl, ok := operationLevels[op]; ok {
		return lvl
	}
	return validate.LevelBoss
}

// Allow reports whether id may invoke op.
func Allow(id Identity, op string) bool {
	return id.Level().Satisfies(RequiredLevel(op))
}
