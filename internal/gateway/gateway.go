// Package gateway runs the assistant process: transports feed the
// orchestrator through the bus while the scheduler starts proactive turns.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/bus"
	"github.com/stellarlinkco/zendell/internal/channel"
	"github.com/stellarlinkco/zendell/internal/config"
	"github.com/stellarlinkco/zendell/internal/cron"
	"github.com/stellarlinkco/zendell/internal/scheduler"
)

// Options for creating a Gateway.
type Options struct {
	ClientFactory ClientFactory
	StoreFactory  StoreFactory
	SignalChan    chan os.Signal
	// JobsPath overrides where cron job state is written.
	JobsPath string
}

type Gateway struct {
	*Core
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	scheduler  *scheduler.Scheduler
	signalChan chan os.Signal
}

func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	core, err := NewCore(ctx, cfg, opts.ClientFactory, opts.StoreFactory)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		Core:       core,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
	}
	g.scheduler = core.Scheduler(busSender{bus: g.bus})

	jobsPath := opts.JobsPath
	if jobsPath == "" {
		jobsPath = config.JobsPath()
	}
	g.cron = cron.NewService(jobsPath)
	if cfg.Scheduler.Enabled {
		err = g.scheduler.Register(g.cron)
	} else {
		err = g.scheduler.RegisterMaintenance(g.cron)
	}
	if err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	return g, nil
}

// Channels exposes the channel manager so callers can add transports.
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lg := log.With().Str("component", "gateway").Logger()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	lg.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		lg.Warn().Err(err).Msg("cron start failed")
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	lg.Info().Msg("shutting down")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one inbound message through the orchestrator and queues the
// reply on the same channel.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	userID := msg.UserID()
	lg := log.With().Str("component", "gateway").Str("user_id", userID).Logger()
	lg.Debug().Str("channel", msg.Channel).Str("content", truncate(msg.Content, 80)).Msg("inbound")

	if err := g.Orchestrator.Bind(ctx, userID, msg.Channel, msg.ChatID); err != nil {
		lg.Warn().Str("kind", "store_unavailable").Err(err).Msg("address not saved")
	}

	content := msg.Content
	reply := g.Orchestrator.Advance(ctx, userID, &content)
	if reply == "" {
		return
	}
	if err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	}); err != nil {
		lg.Warn().Err(err).Msg("reply dropped")
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if err := g.channels.StopAll(); err != nil {
		log.Warn().Str("component", "gateway").Err(err).Msg("channel stop failed")
	}
	g.bus.Close()
	if err := g.Core.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Info().Str("component", "gateway").Msg("shutdown complete")
	return nil
}

// busSender delivers proactive messages through the outbound queue.
type busSender struct {
	bus *bus.MessageBus
}

func (s busSender) Send(ctx context.Context, channel, chatID, text string) error {
	return s.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		Content:   text,
		Proactive: true,
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
