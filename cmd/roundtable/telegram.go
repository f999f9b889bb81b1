package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"roundtable/internal/config"
	"roundtable/internal/metrics"
	"roundtable/internal/queue"
	"roundtable/internal/storage"
	"roundtable/internal/telegram"
)

type telegramDeps struct {
	store   *storage.Store
	queue   *queue.StreamQueue
	rdb     *redis.Client
	metrics *metrics.Metrics
}

// telegramFront is the running chat ingress. webhookRoute is empty in
// polling mode.
type telegramFront struct {
	updater        *ext.Updater
	webhookRoute   string
	webhookHandler http.HandlerFunc
}

func startTelegram(cfg *config.Config, bot *gotgbot.Bot, deps telegramDeps) (*telegramFront, error) {
	logErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	var allowedUserID int64
	if cfg.BotAccessMode == config.AccessModePrivate {
		allowedUserID = cfg.AdminUserID
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logErr,
		Processor: telegram.Processor{
			Dedupe:        queue.NewUpdateDeduplicator(deps.rdb, cfg.Redis.QueueStream, cfg.Redis.UpdateTTL),
			Metrics:       deps.metrics,
			Logger:        log.Logger,
			AllowedUserID: allowedUserID,
		},
	})
	telegram.NewService(telegram.Config{
		Store:      deps.store,
		Queue:      deps.queue,
		Quota:      queue.NewSeatQuota(deps.rdb, cfg.Rate.PerHour),
		Logger:     log.Logger,
		Metrics:    deps.metrics,
		AccessMode: cfg.BotAccessMode,
		MaxTurns:   cfg.Session.MaxTurns,
	}).Register(dispatcher)

	front := &telegramFront{updater: ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logErr})}

	if cfg.DevPolling {
		err := front.updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout:     50,
				RequestOpts: &gotgbot.RequestOpts{Timeout: 60 * time.Second},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("start polling: %w", err)
		}
		log.Info().Msg("polling mode started")
		return front, nil
	}

	if cfg.Webhook.PublicURL == "" {
		return nil, errors.New("WEBHOOK_URL is required in webhook mode")
	}
	path := strings.Trim(cfg.Webhook.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if err := front.updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return nil, fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return nil, fmt.Errorf("set webhook: %w", err)
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")

	front.webhookRoute = "/" + path
	front.webhookHandler = front.updater.GetHandlerFunc("/")
	return front, nil
}
