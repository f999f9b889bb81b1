package telegram

import (
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)

	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}

	switch {
	case data == cbHelp:
		kb := helpKeyboard()
		return s.replyWithMarkup(ctx, b, s.helpText(), &kb)
	case data == cbPersonas:
		return s.sendPersonas(ctx, b)
	case strings.HasPrefix(data, cbTranscript):
		return s.sendTranscript(ctx, b, chatID, strings.TrimPrefix(data, cbTranscript))
	}
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
