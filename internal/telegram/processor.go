package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"roundtable/internal/metrics"
	"roundtable/internal/queue"
)

// Processor drops duplicate updates and, in private access mode, updates
// from anyone but the allowed user.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  *queue.UpdateDeduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// AllowedUserID restricts the bot to one user when non-zero.
	AllowedUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.allowed(ctx) {
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(ctx *ext.Context) bool {
	if p.AllowedUserID == 0 {
		return true
	}
	return ctx.EffectiveUser != nil && ctx.EffectiveUser.Id == p.AllowedUserID
}
