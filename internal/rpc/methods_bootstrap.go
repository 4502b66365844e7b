package rpc

import (
	"context"
	"encoding/json"

	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/policy"
)

func init() {
	register("setup.check", setupCheck)
	register("setup.execute", setupExecute)
	register("boss.verify", bossVerify)
}

type setupCheckResult struct {
	SetupCompleted bool `json:"setupCompleted"`
}

// setupCheck reports whether the one-time boss setup flow has already
// run (§4.6).
func setupCheck(ctx context.Context, s *Server, _ json.RawMessage) (any, error) {
	done, err := s.store.IsSetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	return setupCheckResult{SetupCompleted: done}, nil
}

type setupExecuteParams struct {
	BossName     string `json:"bossName"`
	BossTimezone string `json:"bossTimezone"`
}

type setupExecuteResult struct {
	BossToken string `json:"bossToken"`
}

// setupExecute completes the one-time setup flow: mints the boss
// token, hashes it for storage, and records the boss's display name
// and timezone. Only reachable while setup_completed is false (§4.6);
// the plaintext token is returned exactly once and never again (§9
// "Tokens at rest").
func setupExecute(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	done, err := s.store.IsSetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, Errorf(KindInvariant, "setup has already been completed")
	}

	p, err := decodeParams[setupExecuteParams](raw)
	if err != nil {
		return nil, err
	}
	if p.BossName == "" {
		return nil, Errorf(KindValidation, "bossName must not be empty")
	}
	if p.BossTimezone == "" {
		p.BossTimezone = "UTC"
	}

	token := ids.GenerateToken()
	hash, err := policy.HashBossToken(token)
	if err != nil {
		return nil, err
	}
	if err := s.store.CompleteSetup(ctx, hash, p.BossName, p.BossTimezone); err != nil {
		return nil, err
	}
	return setupExecuteResult{BossToken: token}, nil
}

type bossVerifyParams struct {
	Token string `json:"token"`
}

type bossVerifyResult struct {
	Valid bool `json:"valid"`
}

// bossVerify reports whether a given token is the current boss token,
// without authorizing any other operation. Always reachable (§4.6),
// since an operator must be able to check a token before setup has
// even run or after a suspected compromise.
func bossVerify(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[bossVerifyParams](raw)
	if err != nil {
		return nil, err
	}
	identity, err := s.policy.Resolve(ctx, p.Token)
	if err != nil {
		return bossVerifyResult{Valid: false}, nil
	}
	return bossVerifyResult{Valid: identity.IsBoss}, nil
}
