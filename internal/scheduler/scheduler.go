// Package scheduler drives proactive turns and the periodic memory
// maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/cron"
	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/memory"
	"github.com/stellarlinkco/zendell/internal/store"
)

const (
	JobProactive   = "proactive"
	JobMaintenance = "maintenance"
)

// Driver runs conversation turns.
type Driver interface {
	State(ctx context.Context, userID string) *domain.UserState
	Advance(ctx context.Context, userID string, inbound *string) string
}

// Sender delivers a proactive message to a transport address.
type Sender interface {
	Send(ctx context.Context, channel, chatID, text string) error
}

// Memory is the part of the memory manager maintenance needs.
type Memory interface {
	Profile(ctx context.Context, userID string) (*domain.UserProfile, error)
	Reflect(ctx context.Context, userID string) (string, error)
	ActivityInsights(ctx context.Context, userID string, window time.Duration) (memory.Insights, error)
	RecordInsights(ctx context.Context, in memory.Insights)
	SummarizeConversation(ctx context.Context, userID string) (string, error)
}

type Config struct {
	TickSpec        string
	MaintenanceSpec string
	Interval        time.Duration
	DailyCap        int
	AllowUsers      []string
	InsightWindow   time.Duration
	Policy          memory.ReflectionPolicy
}

func DefaultConfig() Config {
	return Config{
		TickSpec:        "@every 1m",
		MaintenanceSpec: "@every 6h",
		Interval:        time.Hour,
		DailyCap:        8,
		InsightWindow:   7 * 24 * time.Hour,
		Policy:          memory.DefaultReflectionPolicy(),
	}
}

type Scheduler struct {
	cfg    Config
	store  store.Store
	driver Driver
	memory Memory
	sender Sender
	allow  map[string]bool
	Now    func() time.Time
}

func New(cfg Config, st store.Store, driver Driver, mem Memory, sender Sender) *Scheduler {
	def := DefaultConfig()
	if cfg.TickSpec == "" {
		cfg.TickSpec = def.TickSpec
	}
	if cfg.MaintenanceSpec == "" {
		cfg.MaintenanceSpec = def.MaintenanceSpec
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = def.DailyCap
	}
	if cfg.InsightWindow <= 0 {
		cfg.InsightWindow = def.InsightWindow
	}
	if cfg.Policy.Threshold <= 0 && cfg.Policy.Probability <= 0 {
		rnd := cfg.Policy.Rand
		cfg.Policy = def.Policy
		cfg.Policy.Rand = rnd
	}
	var allow map[string]bool
	if len(cfg.AllowUsers) > 0 {
		allow = make(map[string]bool, len(cfg.AllowUsers))
		for _, id := range cfg.AllowUsers {
			allow[id] = true
		}
	}
	return &Scheduler{cfg: cfg, store: st, driver: driver, memory: mem, sender: sender, allow: allow, Now: time.Now}
}

// Register adds the proactive tick and the maintenance job to svc.
func (s *Scheduler) Register(svc *cron.Service) error {
	if err := s.RegisterProactive(svc); err != nil {
		return err
	}
	return s.RegisterMaintenance(svc)
}

func (s *Scheduler) RegisterProactive(svc *cron.Service) error {
	if err := svc.Register(JobProactive, s.cfg.TickSpec, func(ctx context.Context) error {
		_, err := s.Tick(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register %s: %w", JobProactive, err)
	}
	return nil
}

func (s *Scheduler) RegisterMaintenance(svc *cron.Service) error {
	if err := svc.Register(JobMaintenance, s.cfg.MaintenanceSpec, s.Maintain); err != nil {
		return fmt.Errorf("register %s: %w", JobMaintenance, err)
	}
	return nil
}

func (s *Scheduler) users(ctx context.Context) ([]string, error) {
	ids, err := s.store.Keys(ctx, store.UserStates)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if s.allow == nil {
		return ids, nil
	}
	out := ids[:0]
	for _, id := range ids {
		if s.allow[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Due reports whether a proactive turn may start for state at now.
func (s *Scheduler) Due(state *domain.UserState, now time.Time) (bool, string) {
	if state.ChatID == "" {
		return false, "no address"
	}
	if !state.LastInteraction.IsZero() && now.Sub(state.LastInteraction) < s.cfg.Interval {
		return false, "interval"
	}
	check := *state
	check.RollDailyCounter(now)
	if check.DailyCount >= s.cfg.DailyCap {
		return false, "daily cap"
	}
	return true, ""
}

// Tick starts a proactive turn for every due user, one after the other,
// and returns how many were contacted.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ids, err := s.users(ctx)
	if err != nil {
		return 0, err
	}
	lg := log.With().Str("component", "scheduler").Logger()

	sent := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		now := s.Now()
		state := s.driver.State(ctx, id)
		if ok, reason := s.Due(state, now); !ok {
			lg.Debug().Str("user_id", id).Str("reason", reason).Msg("skipped")
			continue
		}

		reply := s.driver.Advance(ctx, id, nil)
		if err := s.sender.Send(ctx, state.Channel, state.ChatID, reply); err != nil {
			lg.Warn().Str("user_id", id).Err(err).Msg("proactive message not delivered")
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
			continue
		}
		sent++
		lg.Info().Str("user_id", id).Str("channel", state.Channel).Msg("proactive message sent")
	}
	return sent, errors.Join(errs...)
}

// Maintain reflects for users the policy selects, summarizes each recent
// conversation and records fresh activity insights for everyone.
func (s *Scheduler) Maintain(ctx context.Context) error {
	ids, err := s.users(ctx)
	if err != nil {
		return err
	}
	lg := log.With().Str("component", "scheduler").Logger()

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		profile, err := s.memory.Profile(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", id, err))
			continue
		}
		if s.cfg.Policy.ShouldReflect(profile, s.Now()) {
			if _, err := s.memory.Reflect(ctx, id); err != nil {
				lg.Warn().Str("user_id", id).Err(err).Msg("reflection failed")
				errs = append(errs, fmt.Errorf("reflect %s: %w", id, err))
			}
		}

		if _, err := s.memory.SummarizeConversation(ctx, id); err != nil {
			lg.Warn().Str("user_id", id).Err(err).Msg("conversation summary failed")
			errs = append(errs, fmt.Errorf("summarize %s: %w", id, err))
		}

		in, err := s.memory.ActivityInsights(ctx, id, s.cfg.InsightWindow)
		if err != nil {
			errs = append(errs, fmt.Errorf("insights %s: %w", id, err))
			continue
		}
		s.memory.RecordInsights(ctx, in)
	}
	lg.Info().Int("users", len(ids)).Int("errors", len(errs)).Msg("maintenance done")
	return errors.Join(errs...)
}
