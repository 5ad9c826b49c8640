package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamsrelay/pkg/agent"
	agentprofile "teamsrelay/pkg/agent/profile"
	"teamsrelay/pkg/bus"
	"teamsrelay/pkg/bus/redisbus"
	"teamsrelay/pkg/config"
	"teamsrelay/pkg/heartbeat"
	"teamsrelay/pkg/logger"
	"teamsrelay/pkg/provider"
	"teamsrelay/pkg/relay"
	"teamsrelay/pkg/schedule"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP endpoint, dispatcher and agent loop",
	Long:  "Loads configuration, connects the message bus, and serves POST /internal/inbound until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := slog.Default().With("component", "cmd.serve")

	messageBus, err := openBus(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer messageBus.Close()

	if mb, ok := messageBus.(*bus.MessageBus); ok {
		go bus.ObserveEvents(ctx, mb, slog.Default())
	}

	var loop relay.AgentLoop
	if !cfg.Agents.Defaults.Disabled {
		agentLoop, err := newAgentLoop(ctx, cfg, messageBus)
		if err != nil {
			return err
		}
		loop = agentLoop
	} else {
		log.Info("agent loop disabled; replies are expected from another process on the bus")
	}

	srv := relay.New(messageBus, loop, relayOptions(cfg), buildServices(cfg, messageBus)...)

	log.Info("relay starting",
		"addr", cfg.Relay.ListenAddr(),
		"bus", cfg.Bus.Backend,
		"provider", cfg.Agents.Defaults.Provider,
		"model", cfg.Agents.Defaults.Model,
		"inbound_timeout", cfg.Relay.InboundTimeout(),
		"proactive", cfg.Teams.ProactiveURL != "",
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay failed: %w", err)
	}
	log.Info("relay stopped")
	return nil
}

func openBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Backend {
	case config.BusRedis:
		b, err := redisbus.Open(ctx, cfg.RedisURL, redisbus.Config{
			Prefix:   cfg.Prefix,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis bus: %w", err)
		}
		return b, nil
	case config.BusMemory, "":
		return bus.NewMessageBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Backend)
	}
}

func newAgentLoop(ctx context.Context, cfg *config.Config, transport agent.Transport) (*agent.Loop, error) {
	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	systemPrompt, err := agentprofile.ResolveSystemProfile(cfg.Agents.Defaults.Provider, cfg.Agents.Defaults.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("resolve agent profile: %w", err)
	}

	loop := agent.NewLoop(client, transport, agentOptions(cfg, systemPrompt))

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := loop.Check(checkCtx); err != nil {
		slog.Default().Warn("provider health check failed; continuing", "provider", cfg.Agents.Defaults.Provider, "error", err)
	}
	return loop, nil
}

func agentOptions(cfg *config.Config, systemPrompt string) agent.Options {
	return agent.Options{
		Model:        cfg.Agents.Defaults.Model,
		SystemPrompt: systemPrompt,
		Progress:     cfg.Agents.Defaults.Progress,
	}
}

func relayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		Addr:             cfg.Relay.ListenAddr(),
		InboundTimeout:   cfg.Relay.InboundTimeout(),
		InternalToken:    cfg.Relay.InternalToken,
		PollInterval:     cfg.Relay.PollInterval(),
		ProactiveURL:     cfg.Teams.ProactiveURL,
		ProactiveToken:   cfg.Teams.InternalToken,
		ProactiveChannel: cfg.Teams.Channel,
	}
}

// buildServices returns the auxiliary services in start order: the scheduler
// starts before the heartbeat and stops after it.
func buildServices(cfg *config.Config, publisher heartbeat.Publisher) []relay.Service {
	var services []relay.Service
	if jobs := schedule.JobsFromConfig(cfg.Schedule); len(jobs) > 0 {
		services = append(services, schedule.New(publisher, jobs...))
	}
	return append(services, heartbeat.New(publisher, heartbeat.Options{
		Enabled:  cfg.Heartbeat.Enabled,
		Interval: time.Duration(cfg.Heartbeat.Interval) * time.Second,
		File:     cfg.Heartbeat.File,
		Prompt:   cfg.Heartbeat.Prompt,
	}))
}
