package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roundtable/internal/catalog"
	"roundtable/internal/config"
	"roundtable/internal/crypto"
	"roundtable/internal/metrics"
	"roundtable/internal/orchestrator"
	"roundtable/internal/queue"
	"roundtable/internal/retry"
	"roundtable/internal/storage"
	"roundtable/internal/telegram"
	"roundtable/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("telegram", cfg.TelegramEnabled()).
		Bool("dev_polling", cfg.DevPolling).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting roundtable")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keys, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	applyCatalog := func(ctx context.Context, c *catalog.Catalog) error {
		rep, err := c.Sync(ctx, store, keys, os.Getenv)
		if err != nil {
			return err
		}
		ev := log.Info()
		if len(rep.MissingKeys) > 0 {
			ev = log.Warn().Strs("missing_api_keys", rep.MissingKeys)
		}
		ev.Int("providers", rep.Providers).Int("personas", rep.Personas).Int64("pruned", rep.Pruned).Msg("catalog synced")
		return nil
	}
	if _, err := os.Stat(cfg.Catalog.Path); err == nil {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Catalog.Path).Msg("failed to load catalog")
		}
		if err := applyCatalog(ctx, cat); err != nil {
			log.Fatal().Err(err).Msg("failed to sync catalog")
		}
		if cfg.Catalog.Watch {
			go func() {
				if err := catalog.Watch(ctx, cfg.Catalog.Path, log.Logger, applyCatalog); err != nil {
					log.Error().Err(err).Msg("catalog watcher stopped")
				}
			}()
		}
	} else {
		log.Warn().Str("path", cfg.Catalog.Path).Msg("catalog file not found, using personas already stored")
	}

	m := metrics.Global()
	selector, _ := orchestrator.SelectorByName(cfg.Session.Selector)
	orch := orchestrator.New(orchestrator.Options{
		Logger:  log.Logger,
		Metrics: m,
		Defaults: orchestrator.Config{
			MaxTurns:          cfg.Session.MaxTurns,
			Select:            selector,
			TerminationToken:  cfg.Session.TerminationToken,
			TurnDelay:         cfg.Session.TurnDelay,
			MaxToolIterations: cfg.Session.MaxToolIterations,
			CallTimeout:       cfg.Session.CallTimeout,
			ToolTimeout:       cfg.Session.ToolTimeout,
			ToolAttempts:      cfg.Session.ToolAttempts,
			Retry: retry.Policy{
				MaxAttempts: cfg.Session.RetryAttempts,
				BaseDelay:   cfg.Session.RetryBase,
				MaxDelay:    cfg.Session.RetryMax,
			},
		},
	})
	runner := worker.NewRunner(worker.RunnerConfig{
		Store:          store,
		Keys:           keys,
		Orchestrator:   orch,
		HTTPClient:     &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		SessionTimeout: cfg.Session.SessionTimeout,
		Logger:         log.Logger,
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	var bot *gotgbot.Bot
	if cfg.TelegramEnabled() {
		bot, err = gotgbot.NewBot(cfg.BotToken, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	errCh := make(chan error, 4)
	var front *telegramFront
	if bot != nil && cfg.AppMode != config.ModeWorker {
		front, err = startTelegram(cfg, bot, telegramDeps{store: store, queue: jobQueue, rdb: rdb, metrics: m})
		if err != nil {
			log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.BotToken)).Msg("failed to start telegram")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if front != nil && front.webhookRoute != "" {
		mux.HandleFunc(front.webhookRoute, front.webhookHandler)
	}
	if cfg.AppMode != config.ModeWorker {
		api := &sessionAPI{runner: runner, sessions: store, maxTurns: cfg.Session.MaxTurns, logger: log.Logger}
		api.register(mux)
	}
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		var notifier worker.Notifier = logNotifier{}
		if bot != nil {
			notifier = telegram.NewNotifier(bot)
		}
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Runner:        runner,
			Notifier:      notifier,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if front != nil {
		if err := front.updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// logNotifier stands in for Telegram when no bot token is configured.
type logNotifier struct{}

func (logNotifier) SessionFinished(_ context.Context, job queue.SessionJob, res orchestrator.Result) error {
	log.Info().Str("job_id", job.JobID).Str("session_id", res.SessionID).Str("state", res.State.String()).Int("turns", res.Turns).Msg("session finished")
	return nil
}

func (logNotifier) JobFailed(_ context.Context, job queue.SessionJob, reason string) error {
	log.Warn().Str("job_id", job.JobID).Str("reason", reason).Msg("job failed")
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
