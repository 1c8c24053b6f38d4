package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/capacity"
	"CardSentinel/internal/config"
	"CardSentinel/internal/history"
	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/logger"
	"CardSentinel/internal/notifier"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/scheduler"
	"CardSentinel/internal/server"
	"CardSentinel/internal/task"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation")
	}
	log.Info().Msg("CardSentinel starting")

	// Backend: the in-process one is used when no base URL is configured.
	var api backend.API
	if cfg.DryRun() {
		api = backend.NewMemory(cfg.Actions.WaitWindow)
		log.Warn().Msg("no backend configured, running against the in-memory backend")
	} else {
		api = backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Proxy, cfg.Backend.Timeout)
		log.Info().Str("base_url", cfg.Backend.BaseURL).Msg("backend configured")
	}

	// Recorder
	var rec recorder.Recorder = recorder.NewNoopRecorder()
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
		if err != nil {
			log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
		} else {
			rec = sr
			defer sr.Close()
		}
	}

	hist, err := history.NewStore(cfg.History.StateFile, cfg.History.MaxEntries, cfg.History.AggregateMax, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init history store")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trackers := tracker.NewRegistry(ctx, api, tracker.Config{
		StatusInterval:  cfg.Actions.StatusInterval,
		ExecuteInterval: cfg.Actions.ExecuteInterval,
		SettleDelay:     cfg.Actions.SettleDelay,
		MaxDuration:     cfg.Actions.MaxDuration,
	}, log)

	verifier := verification.New(api, verification.Options{
		Kind:             cfg.Backend.CardKind,
		TolerancePercent: decimal.NewFromFloat(cfg.Verification.PriceTolerancePercent),
		Recorder:         rec,
		History:          hist,
	}, log)

	ctrl := lifecycle.New(ctx, api, lifecycle.Options{
		Kind:             cfg.Backend.CardKind,
		InterItemDelay:   cfg.Queue.InterItemDelay,
		HoldRemovalDelay: cfg.Lifecycle.HoldRemovalDelay,
		Trackers:         trackers,
		Verifier:         verifier,
		Capacity:         capacity.New(api, cfg.Capacity.MaxCards, rec, log),
		Recorder:         rec,
		History:          hist,
	}, log)

	// Notifications
	var sender notifier.Sender = notifier.NopSender{}
	var tn *notifier.TelegramNotifier
	if cfg.Telegram.BotToken != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log)
		sender = tn
	}

	sched := scheduler.NewScheduler(ctx, ctrl, verifier, sender, rec, log)
	if err := sched.RegisterAll(scheduler.Schedules{
		Sync:       cfg.Schedule.SyncCron,
		Production: cfg.Schedule.ProductionCron,
		Verify:     cfg.Schedule.VerifyCron,
	}); err != nil {
		log.Fatal().Err(err).Msg("register cron tasks")
	}
	ctrl.Subscribe(sched.OnEvent)
	trackers.OnProgress(sched.OnProgress)

	if err := sched.RunSyncNow(); err != nil {
		log.Warn().Err(err).Msg("initial sync failed")
	}
	sched.Start()

	var polling *task.Handle
	if tn != nil {
		polling = task.Go(ctx, func(ctx context.Context) error {
			tn.StartPolling(ctx, sched.HandleCommand)
			return nil
		})
		log.Info().Msg("telegram polling started")
	}

	srv := server.New(server.Config{
		Addr:      cfg.Server.HTTPAddr,
		Log:       log,
		Lifecycle: ctrl,
		Actions:   trackers,
		Verifier:  verifier,
		Recorder:  rec,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	if os.Getenv("RUN_ON_START") == "true" {
		log.Info().Msg("RUN_ON_START enabled, producing a card now")
		go sched.RunProductionNow()
	}

	log.Info().Msg("CardSentinel is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received, stopping")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	sched.Stop()
	cancel()
	if polling != nil {
		_ = polling.Wait()
	}
	trackers.Shutdown()
	trackers.Wait()
	ctrl.Wait()
	log.Info().Msg("CardSentinel stopped")
}
