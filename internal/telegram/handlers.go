package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"roundtable/internal/queue"
	"roundtable/internal/storage"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	kb := helpKeyboard()
	return s.replyWithMarkup(ctx, b, s.helpText(), &kb)
}

func (s *Service) personas(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendPersonas(ctx, b)
}

func (s *Service) sendPersonas(ctx *ext.Context, b *gotgbot.Bot) error {
	list, err := s.store.ListPersonas(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("list personas failed")
		return s.reply(ctx, b, "Failed to load personas.")
	}
	return s.reply(ctx, b, personaListText(list))
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	persona, prompt := splitFirstWord(commandRemainder(msg.GetText()))
	if persona == "" || prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <persona> <text>")
	}
	return s.submit(ctx, b, queue.JobAsk, []string{persona}, prompt, 1)
}

func (s *Service) roundtable(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	list, topic := splitFirstWord(commandRemainder(msg.GetText()))
	names := parsePersonaList(list)
	if len(names) == 0 || topic == "" {
		return s.reply(ctx, b, "Usage: /roundtable <p1,p2,...> <topic>")
	}
	if len(names) > s.maxPersonas {
		return s.reply(ctx, b, fmt.Sprintf("At most %d personas can join one roundtable.", s.maxPersonas))
	}
	return s.submit(ctx, b, queue.JobRoundtable, names, topic, s.maxTurns)
}

func (s *Service) submit(ctx *ext.Context, b *gotgbot.Bot, kind string, names []string, topic string, maxTurns int) error {
	text := s.enqueue(context.Background(), submission{
		kind:      kind,
		chatID:    ctx.EffectiveChat.Id,
		userID:    userID(ctx),
		messageID: ctx.EffectiveMessage.MessageId,
		names:     names,
		topic:     topic,
		maxTurns:  maxTurns,
	})
	return s.reply(ctx, b, text)
}

// submission is a session request as typed into the chat.
type submission struct {
	kind      string
	chatID    int64
	userID    int64
	messageID int64
	names     []string
	topic     string
	maxTurns  int
}

// enqueue checks sub against the persona catalog and the seat quota, queues
// it and returns the text to send back.
func (s *Service) enqueue(ctx context.Context, sub submission) string {
	resolved, missing, err := s.resolvePersonas(ctx, sub.names)
	if err != nil {
		s.logger.Error().Err(err).Msg("resolve personas failed")
		return "Failed to load personas."
	}
	if len(missing) > 0 {
		return "Unknown persona(s): " + strings.Join(missing, ", ") + ". See /personas."
	}
	if dup := firstDuplicate(resolved); dup != "" {
		return fmt.Sprintf("Persona %s is listed twice.", dup)
	}

	at := s.now()
	if refusal := s.reserveSeats(ctx, sub, len(resolved), at); refusal != "" {
		return refusal
	}

	job, err := s.queue.Enqueue(ctx, queue.SessionJob{
		Kind:      sub.kind,
		ChatID:    sub.chatID,
		UserID:    sub.userID,
		MessageID: sub.messageID,
		Topic:     sub.topic,
		Personas:  resolved,
		MaxTurns:  sub.maxTurns,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("kind", sub.kind).Msg("failed to enqueue session job")
		s.releaseSeats(ctx, sub, len(resolved), at)
		return "Queue is unavailable right now."
	}
	s.metrics.EnqueuedJobs.Inc()
	_ = s.audit(ctx, sub.chatID, sub.userID, sub.kind, map[string]any{"job_id": job.JobID, "personas": resolved})
	return fmt.Sprintf("Accepted. Session %s is queued.", job.JobID)
}

// reserveSeats books one quota seat per persona and returns a refusal text
// when the requester is over the limit. Quota errors let the request through.
func (s *Service) reserveSeats(ctx context.Context, sub submission, seats int, at time.Time) string {
	if sub.userID == 0 || s.quota == nil {
		return ""
	}
	q, err := s.quota.Reserve(ctx, sub.chatID, sub.userID, seats, at)
	if err != nil {
		s.logger.Error().Err(err).Msg("seat quota failed")
		return ""
	}
	if q.Allowed {
		return ""
	}
	if int64(seats) > q.Limit {
		return fmt.Sprintf("A session with %d personas needs more than your %d seats per hour.", seats, q.Limit)
	}
	return fmt.Sprintf("Seat limit reached: %d of %d persona seats used this hour. Try again after %s.", q.Used, q.Limit, q.ResetAt.Format("15:04 UTC"))
}

func (s *Service) releaseSeats(ctx context.Context, sub submission, seats int, at time.Time) {
	if sub.userID == 0 || s.quota == nil {
		return
	}
	if err := s.quota.Release(ctx, sub.chatID, sub.userID, seats, at); err != nil {
		s.logger.Error().Err(err).Msg("seat release failed")
	}
}

// resolvePersonas maps requested names to catalog names ignoring case.
func (s *Service) resolvePersonas(ctx context.Context, names []string) (resolved, missing []string, err error) {
	list, err := s.store.ListPersonas(ctx)
	if err != nil {
		return nil, nil, err
	}
	byLower := make(map[string]string, len(list))
	for _, p := range list {
		byLower[strings.ToLower(p.Name)] = p.Name
	}
	for _, n := range names {
		if canonical, ok := byLower[strings.ToLower(strings.TrimPrefix(n, "@"))]; ok {
			resolved = append(resolved, canonical)
		} else {
			missing = append(missing, n)
		}
	}
	return resolved, missing, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}

func (s *Service) transcript(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	id, _ := splitFirstWord(commandRemainder(msg.GetText()))
	if id == "" {
		return s.reply(ctx, b, "Usage: /transcript <session_id>")
	}
	return s.sendTranscript(ctx, b, ctx.EffectiveChat.Id, id)
}

func (s *Service) sendTranscript(ctx *ext.Context, b *gotgbot.Bot, chatID int64, id string) error {
	bg := context.Background()
	rec, err := s.store.GetSession(bg, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.ChatID != chatID) {
		return s.reply(ctx, b, "Session not found.")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("get session failed")
		return s.reply(ctx, b, "Failed to load session.")
	}
	msgs, err := s.store.LoadTranscript(bg, id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("load transcript failed")
		return s.reply(ctx, b, "Failed to load session.")
	}
	text := recordHeader(rec) + "\n\n" + renderTranscript(msgs, true)
	return sendChunked(bg, b, chatID, 0, text, nil)
}

func (s *Service) sessions(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	recs, err := s.store.ListSessions(context.Background(), ctx.EffectiveChat.Id, 10)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		return s.reply(ctx, b, "Failed to load sessions.")
	}
	return s.reply(ctx, b, sessionListText(recs))
}

func (s *Service) audit(ctx context.Context, chatID, userID int64, action string, meta map[string]any) error {
	b, _ := json.Marshal(meta)
	return s.store.LogAction(ctx, storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
