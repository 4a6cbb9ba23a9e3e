package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/activity"
	"github.com/stellarlinkco/zendell/internal/config"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/memory"
	"github.com/stellarlinkco/zendell/internal/orchestrator"
	"github.com/stellarlinkco/zendell/internal/prompts"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/scheduler"
	"github.com/stellarlinkco/zendell/internal/store"
)

const tokenizerWarmup = 5 * time.Second

// ClientFactory builds the reasoning backend client.
type ClientFactory func(cfg *config.Config) (reasoning.Client, error)

// StoreFactory opens the state store.
type StoreFactory func(ctx context.Context, cfg *config.Config) (store.Store, error)

func DefaultClientFactory(cfg *config.Config) (reasoning.Client, error) {
	return reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		MaxRetries:  cfg.Provider.MaxRetries,
	})
}

func DefaultStoreFactory(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		PostgresDSN: cfg.Store.PostgresDSN,
	})
}

// Core is the assistant without any transport: store, backend, memory and
// the conversation orchestrator.
type Core struct {
	Config       *config.Config
	Store        store.Store
	Client       reasoning.Client
	Extractor    *extract.Extractor
	Memory       *memory.Manager
	Orchestrator *orchestrator.Orchestrator
	Prompts      *prompts.Set
}

// NewCore wires the components shared by every command. Nil factories
// use the defaults.
func NewCore(ctx context.Context, cfg *config.Config, clients ClientFactory, stores StoreFactory) (*Core, error) {
	if clients == nil {
		clients = DefaultClientFactory
	}
	if stores == nil {
		stores = DefaultStoreFactory
	}

	set, err := prompts.Load(cfg.PromptsPath())
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, tokenizerWarmup)
	reasoning.WarmTokenizer(warmCtx)
	cancel()

	client, err := clients(cfg)
	if err != nil {
		return nil, fmt.Errorf("create reasoning client: %w", err)
	}

	st, err := stores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ex := extract.New(client)
	mem := memory.NewManager(st, client, ex, memory.Config{
		HistoryLimit:  cfg.Memory.HistoryLimit,
		InsightWindow: config.Duration(cfg.Maintenance.InsightWindow, 0),
		ReflectWindow: config.Duration(cfg.Memory.ReflectWindow, 0),
	})
	orch := orchestrator.New(orchestrator.Options{
		Store:        st,
		Client:       client,
		Extractor:    ex,
		Memory:       mem,
		Pipeline:     activity.NewPipeline(ex, st, mem),
		Clarifier:    activity.NewClarifier(ex, st),
		Prompts:      set,
		Model:        cfg.Provider.Model,
		Temperature:  cfg.Provider.Temperature,
		TokenBudget:  cfg.Memory.TokenBudget,
		HistoryLimit: cfg.Memory.HistoryLimit,
	})

	log.Info().Str("component", "gateway").Str("store", cfg.Store.Driver).Str("model", cfg.Provider.Model).Msg("core ready")
	return &Core{
		Config:       cfg,
		Store:        st,
		Client:       client,
		Extractor:    ex,
		Memory:       mem,
		Orchestrator: orch,
		Prompts:      set,
	}, nil
}

// Scheduler builds the proactivity scheduler delivering through sender.
func (c *Core) Scheduler(sender scheduler.Sender) *scheduler.Scheduler {
	cfg := c.Config
	return scheduler.New(scheduler.Config{
		TickSpec:        cfg.Scheduler.Tick,
		MaintenanceSpec: cfg.Maintenance.Schedule,
		Interval:        config.Duration(cfg.Scheduler.Interval, time.Hour),
		DailyCap:        cfg.Scheduler.DailyCap,
		AllowUsers:      cfg.Scheduler.AllowUsers,
		InsightWindow:   config.Duration(cfg.Maintenance.InsightWindow, 0),
		Policy: memory.ReflectionPolicy{
			Threshold:   cfg.Maintenance.Threshold,
			Probability: cfg.Maintenance.Probability,
			MinInterval: config.Duration(cfg.Maintenance.MinInterval, 0),
		},
	}, c.Store, c.Orchestrator, c.Memory, sender)
}

func (c *Core) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
