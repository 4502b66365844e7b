package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/cronmat"
	"github.com/evilpsycho42/hi-boss/internal/ids"
	"github.com/evilpsycho42/hi-boss/internal/store"
	"github.com/evilpsycho42/hi-boss/internal/timefmt"
)

func init() {
	register("cron.create", cronCreate)
	register("cron.list", cronList)
	register("cron.get", cronGet)
	register("cron.enable", cronEnable)
	register("cron.disable", cronDisable)
	register("cron.delete", cronDelete)
	register("cron.run-now", cronRunNow)
}

type cronCreateParams struct {
	AgentName   string             `json:"agentName"`
	Cron        string             `json:"cron"`
	Timezone    string             `json:"timezone,omitempty"`
	To          string             `json:"to"`
	Text        string             `json:"text"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

type cronView struct {
	ID                string `json:"id"`
	ShortID           string `json:"shortId"`
	AgentName         string `json:"agentName"`
	Cron              string `json:"cron"`
	Timezone          string `json:"timezone,omitempty"`
	Enabled           bool   `json:"enabled"`
	To                string `json:"to"`
	Text              string `json:"text"`
	PendingEnvelopeID string `json:"pendingEnvelopeId,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func toCronView(c store.CronSchedule) cronView {
	return cronView{
		ID:                c.ID,
		ShortID:           ids.Short(c.ID),
		AgentName:         c.AgentName,
		Cron:              c.Cron,
		Timezone:          c.Timezone,
		Enabled:           c.Enabled,
		To:                c.To,
		Text:              c.Content.Text,
		PendingEnvelopeID: c.PendingEnvelopeID,
		CreatedAt:         timefmt.Format(timefmt.FromMillis(c.CreatedAt)),
		UpdatedAt:         timefmt.Format(timefmt.FromMillis(c.UpdatedAt)),
	}
}

// cronCreate registers a new cron schedule and immediately
// materializes its first occurrence via a Tick (§4.4).
func cronCreate(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[cronCreateParams](raw)
	if err != nil {
		return nil, err
	}
	if p.AgentName == "" || p.Cron == "" || p.To == "" {
		return nil, Errorf(KindValidation, "agentName, cron, and to are required")
	}
	if _, err := cronmat.ParseSchedule(p.Cron); err != nil {
		return nil, Errorf(KindValidation, "%v", err)
	}
	if _, err := s.store.GetAgent(ctx, p.AgentName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errorf(KindNotFound, "no agent named %q", p.AgentName)
		}
		return nil, err
	}

	now := timefmt.ToMillis(time.Now())
	c := store.CronSchedule{
		ID:        ids.New(),
		AgentName: p.AgentName,
		Cron:      p.Cron,
		Timezone:  p.Timezone,
		Enabled:   true,
		To:        p.To,
		Content:   store.Content{Text: p.Text, Attachments: p.Attachments},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCronSchedule(ctx, c); err != nil {
		return nil, err
	}
	s.cron.Tick(ctx, s.bossTimezone(ctx))
	return toCronView(c), nil
}

type cronListParams struct {
	AgentName string `json:"agentName,omitempty"`
}

type cronListResult struct {
	Schedules []cronView `json:"schedules"`
}

// cronList lists cron schedules, scoped to the caller's own agent
// name unless the boss token is used (§6).
func cronList(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[cronListParams](raw)
	if err != nil {
		return nil, err
	}
	identity, _ := identityFrom(ctx)

	agentName := p.AgentName
	if identity.Agent != nil {
		agentName = identity.Agent.Name
	}

	var schedules []store.CronSchedule
	if agentName != "" {
		schedules, err = s.store.ListCronSchedulesForAgent(ctx, agentName)
	} else {
		schedules, err = s.store.ListCronSchedules(ctx)
	}
	if err != nil {
		return nil, err
	}

	views := make([]cronView, len(schedules))
	for i, c := range schedules {
		views[i] = toCronView(c)
	}
	return cronListResult{Schedules: views}, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func cronGet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[cronIDParams](raw)
	if err != nil {
		return nil, err
	}
	c, err := resolveCron(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	return toCronView(*c), nil
}

func cronEnable(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return setCronEnabled(ctx, s, raw, true)
}

func cronDisable(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return setCronEnabled(ctx, s, raw, false)
}

func setCronEnabled(ctx context.Context, s *Server, raw json.RawMessage, enabled bool) (any, error) {
	p, err := decodeParams[cronIDParams](raw)
	if err != nil {
		return nil, err
	}
	c, err := resolveCron(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetCronEnabled(ctx, c.ID, enabled, timefmt.ToMillis(time.Now())); err != nil {
		return nil, err
	}
	if enabled {
		s.cron.Tick(ctx, s.bossTimezone(ctx))
	}
	return cronIDParams{ID: c.ID}, nil
}

func cronDelete(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[cronIDParams](raw)
	if err != nil {
		return nil, err
	}
	c, err := resolveCron(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteCronSchedule(ctx, c.ID); err != nil {
		return nil, err
	}
	return cronIDParams{ID: c.ID}, nil
}

// cronRunNow materializes a schedule's next occurrence immediately,
// bypassing its natural cron timing (SUPPLEMENTED FEATURES
// "cron.run-now").
func cronRunNow(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	p, err := decodeParams[cronIDParams](raw)
	if err != nil {
		return nil, err
	}
	c, err := resolveCron(ctx, s, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.cron.RunNow(ctx, c.ID); err != nil {
		return nil, err
	}
	return cronIDParams{ID: c.ID}, nil
}

// resolveCron looks up a cron schedule by full id, falling back to
// short-id-prefix search (§9 "Short IDs").
func resolveCron(ctx context.Context, s *Server, idOrPrefix string) (*store.CronSchedule, error) {
	if idOrPrefix == "" {
		return nil, Errorf(KindValidation, "id must not be empty")
	}
	if c, err := s.store.GetCronSchedule(ctx, idOrPrefix); err == nil {
		return c, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	matches, err := s.store.FindCronSchedulesByIDPrefix(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, Errorf(KindNotFound, "no cron schedule matches id %q", idOrPrefix)
	case 1:
		return &matches[0], nil
	default:
		candidates := make([]map[string]any, len(matches))
		for i, m := range matches {
			candidates[i] = map[string]any{
				"id":        m.ID,
				"createdAt": timefmt.Format(timefmt.FromMillis(m.CreatedAt)),
			}
		}
		return nil, Errorf(KindAmbiguous, "short id matches %d cron schedules", len(matches)).WithData(map[string]any{"candidates": candidates})
	}
}

// bossTimezone loads the configured boss timezone, defaulting to the
// empty string (UTC, per cronmat.effectiveLocation) when unset.
func (s *Server) bossTimezone(ctx context.Context) string {
	tz, err := s.store.GetConfig(ctx, store.ConfigKeyBossTimezone)
	if err != nil {
		return ""
	}
	return tz
}
