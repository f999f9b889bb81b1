package telegram

import (
	"context"
	"fmt"

	"roundtable/internal/orchestrator"
	"roundtable/internal/queue"
)

// Notifier posts worker outcomes back to the chat a job came from.
type Notifier struct {
	bot Sender
}

func NewNotifier(bot Sender) *Notifier {
	return &Notifier{bot: bot}
}

func (n *Notifier) SessionFinished(ctx context.Context, job queue.SessionJob, res orchestrator.Result) error {
	text := resultHeader(res)
	if body := renderTranscript(res.Transcript, true); body != "" {
		text += "\n\n" + body
	}
	if err := sendChunked(ctx, n.bot, job.ChatID, job.MessageID, text, transcriptKeyboard(res.SessionID)); err != nil {
		return fmt.Errorf("send session %s: %w", res.SessionID, err)
	}
	return nil
}

func (n *Notifier) JobFailed(ctx context.Context, job queue.SessionJob, reason string) error {
	if err := sendChunked(ctx, n.bot, job.ChatID, job.MessageID, "Could not run the session: "+reason, nil); err != nil {
		return fmt.Errorf("send failure of %s: %w", job.JobID, err)
	}
	return nil
}
