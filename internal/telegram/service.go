// Package telegram is the chat front-end: it turns commands into queued
// session jobs and posts finished conversations back to the chat.
package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/metrics"
	"roundtable/internal/queue"
	"roundtable/internal/storage"
)

// Store is the read side of storage the handlers need.
type Store interface {
	ListPersonas(ctx context.Context) ([]storage.Persona, error)
	GetSession(ctx context.Context, id string) (storage.SessionRecord, error)
	LoadTranscript(ctx context.Context, id string) ([]conversation.Message, error)
	ListSessions(ctx context.Context, chatID int64, limit uint64) ([]storage.SessionRecord, error)
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.SessionJob) (queue.SessionJob, error)
}

type Service struct {
	store       Store
	queue       Enqueuer
	quota       *queue.SeatQuota
	clock       func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
	maxTurns    int
	maxPersonas int
}

type Config struct {
	Store Store
	Queue Enqueuer
	// Quota limits persona seats per requester and hour. Nil disables it.
	Quota      *queue.SeatQuota
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	AccessMode string
	// MaxTurns is the turn budget of /roundtable sessions.
	MaxTurns int
	// MaxPersonas caps how many personas one /roundtable may seat.
	MaxPersonas int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxPersonas <= 0 {
		cfg.MaxPersonas = 6
	}
	return &Service{
		store:       cfg.Store,
		queue:       cfg.Queue,
		quota:       cfg.Quota,
		clock:       cfg.Now,
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
		maxTurns:    cfg.MaxTurns,
		maxPersonas: cfg.MaxPersonas,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("personas", s.personas))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("roundtable", s.roundtable))
	d.AddHandler(handlers.NewCommand("transcript", s.transcript))
	d.AddHandler(handlers.NewCommand("sessions", s.sessions))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

// sendChunked posts text as consecutive messages within Telegram's limit.
// Only the first chunk replies to replyTo and only the last carries markup.
func sendChunked(ctx context.Context, b Sender, chatID, replyTo int64, text string, markup gotgbot.ReplyMarkup) error {
	parts := chunk(text, messageLimit)
	for i, part := range parts {
		opts := &gotgbot.SendMessageOpts{}
		if i == 0 && replyTo > 0 {
			opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
		}
		if i == len(parts)-1 && markup != nil {
			opts.ReplyMarkup = markup
		}
		if _, err := b.SendMessageWithContext(ctx, chatID, part, opts); err != nil {
			return err
		}
	}
	return nil
}

// Sender is the part of *gotgbot.Bot used to post messages.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}
