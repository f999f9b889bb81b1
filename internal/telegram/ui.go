package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"roundtable/internal/storage"
)

const (
	cbPrefix = "rt:"

	cbTranscript = cbPrefix + "tr:"
	cbPersonas   = cbPrefix + "personas"
	cbHelp       = cbPrefix + "help"
)

func (s *Service) helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/personas - list who can take part",
		"/ask <persona> <text> - one persona answers, tools enabled",
		"/roundtable <p1,p2,...> <topic> - personas discuss a topic in turns",
		"/transcript <session_id> - full log of a finished session",
		"/sessions - recent sessions in this chat",
		"",
		"Mention @persona in a message to hand it the next turn.",
		fmt.Sprintf("Access mode: %s", s.accessMode),
	}, "\n")
}

func personaListText(personas []storage.Persona) string {
	if len(personas) == 0 {
		return "No personas configured."
	}
	lines := []string{"Personas:"}
	for _, p := range personas {
		line := fmt.Sprintf("- %s (%s)", p.Name, p.Model)
		if len(p.Tools) > 0 {
			line += " tools: " + strings.Join(p.Tools, ", ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func sessionListText(recs []storage.SessionRecord) string {
	if len(recs) == 0 {
		return "No sessions yet."
	}
	lines := []string{"Recent sessions:"}
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("- %s %s %s: %s", r.CreatedAt.Format("2006-01-02 15:04"), r.ID, r.State, truncate(r.Topic, 60)))
	}
	return strings.Join(lines, "\n")
}

func helpKeyboard() gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "List personas", CallbackData: cbPersonas}},
	}}
}

// transcriptKeyboard offers the full log of a finished session.
func transcriptKeyboard(sessionID string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Full transcript", CallbackData: cbTranscript + sessionID},
			{Text: "Help", CallbackData: cbHelp},
		},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
