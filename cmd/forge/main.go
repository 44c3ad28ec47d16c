package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-forge/internal/api"
	"github.com/nidhogg/nuka-forge/internal/chat"
	"github.com/nidhogg/nuka-forge/internal/config"
	"github.com/nidhogg/nuka-forge/internal/notify"
	"github.com/nidhogg/nuka-forge/internal/orchestrator"
	"github.com/nidhogg/nuka-forge/internal/provider"
	"github.com/nidhogg/nuka-forge/internal/scheduler"
	"github.com/nidhogg/nuka-forge/internal/store"
	"github.com/nidhogg/nuka-forge/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/forge.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Nuka Forge...", zap.String("config", cfgPath))
	if err := run(cfg, logger); err != nil {
		logger.Fatal("forge stopped with error", zap.Error(err))
	}
	logger.Info("Nuka Forge stopped")
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zcfg := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			zcfg.Level = lvl
		}
		logger, err = zcfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	clock := clockwork.NewRealClock()
	sim := cfg.Simulation

	// Initial state from the seed file
	seed, err := store.LoadSeed(sim.SeedPath)
	if err != nil {
		return err
	}
	initial, err := seed.State(store.SeedOptions{
		DiagnosticsID:  sim.DiagnosticsAgentID,
		OrchestratorID: sim.OrchestratorAgentID,
		MaxLogEntries:  sim.MaxLogEntries,
		Now:            clock.Now(),
	})
	if err != nil {
		return err
	}
	st := store.New(initial, clock, logger)
	logger.Info("State seeded",
		zap.Int("agents", len(initial.Agents)),
		zap.Int("strategies", len(initial.Strategies)))

	// Scheduler and driver
	sched := scheduler.New(st, clock, scheduler.Options{
		TickInterval:        sim.TickInterval(),
		MaxSubTaskIncrement: float64(sim.MaxSubTaskIncrement),
	}, logger)
	driver := orchestrator.NewDriver(st, sched, orchestrator.Options{
		OrchestratorID: sim.OrchestratorAgentID,
		Units:          sim.Units(),
	}, logger)

	// Chat responder
	router := provider.NewRouter(logger)
	for _, pc := range cfg.ProviderConfigs() {
		router.Register(provider.NewOpenAIProvider(pc, logger))
	}
	if router.Len() == 0 {
		logger.Warn("no LLM providers configured, chat will answer with errors")
	}
	chatSvc := chat.NewService(st, chat.NewLLMResponder(router, cfg.Chat.Model, logger), logger)
	webhooks := webhook.NewService(st, driver, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Audit feed
	if cfg.Redis.URL != "" {
		feed, ferr := orchestrator.NewFeed(cfg.Redis.URL, cfg.Redis.Stream, logger)
		if ferr != nil {
			logger.Warn("Redis unavailable, running without audit feed", zap.Error(ferr))
		} else {
			defer feed.Close()
			st.Observe(feed.Observe)
			g.Go(func() error { return feed.Run(gctx) })
			logger.Info("Audit feed enabled", zap.String("stream", cfg.Redis.Stream))
		}
	}

	// Alert sinks
	var sinks []notify.Sink
	if cfg.Notify.Slack.Enabled() {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled() {
		ds, derr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if derr != nil {
			logger.Warn("discord alerts disabled", zap.Error(derr))
		} else {
			sinks = append(sinks, ds)
		}
	}
	if len(sinks) > 0 {
		alerts := notify.NewDispatcher(sinks, logger)
		st.Observe(alerts.Observe)
		g.Go(func() error { return alerts.Run(gctx) })
		logger.Info("Alerts enabled", zap.Int("sinks", len(sinks)))
	}

	g.Go(func() error { return driver.Run(gctx) })

	handler := api.NewHandler(st, driver, chatSvc, webhooks, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Nuka Forge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down Nuka Forge...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sched.Shutdown()
		return err
	})

	return g.Wait()
}
