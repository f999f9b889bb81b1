package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"roundtable/internal/metrics"
	"roundtable/internal/orchestrator"
	"roundtable/internal/queue"
)

// Queue is the stream the worker consumes.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Requeue(ctx context.Context, msg queue.Message) (queue.SessionJob, error)
}

// Notifier reports job outcomes back to whoever asked.
type Notifier interface {
	SessionFinished(ctx context.Context, job queue.SessionJob, res orchestrator.Result) error
	JobFailed(ctx context.Context, job queue.SessionJob, reason string) error
}

type Worker struct {
	queue         Queue
	runner        *Runner
	notifier      Notifier
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         Queue
	Runner        *Runner
	Notifier      Notifier
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		runner:        cfg.Runner,
		notifier:      cfg.Notifier,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

// Start runs concurrency consumers until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg conc.WaitGroup
	for i := 0; i < concurrency; i++ {
		slot := i
		wg.Go(func() { w.consumeLoop(ctx, slot) })
	}
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Err != nil {
		log.Warn().Err(msg.Err).Str("msg_id", msg.ID).Msg("dropping undecodable job")
		w.ack(ctx, log, msg.ID)
		return
	}

	err := w.process(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if ctx.Err() == nil && msg.Job.Attempts < w.maxJobRetries {
		if _, rqErr := w.queue.Requeue(ctx, msg); rqErr != nil {
			log.Error().Err(rqErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
		}
		return
	}
	if ctx.Err() != nil {
		// Left pending; another consumer can claim it after restart.
		return
	}

	w.notify(log, func() error {
		return w.notifier.JobFailed(ctx, msg.Job, "temporary error, please try again later")
	})
	w.ack(ctx, log, msg.ID)
}

// process runs one job. Returned errors are infrastructure failures and
// make the job eligible for a retry.
func (w *Worker) process(ctx context.Context, job queue.SessionJob) (err error) {
	var pc panics.Catcher
	var res orchestrator.Result
	pc.Try(func() {
		res, err = w.runner.Run(ctx, RunRequest{
			SessionID: job.JobID,
			ChatID:    job.ChatID,
			UserID:    job.UserID,
			Topic:     job.Topic,
			Personas:  job.Personas,
			MaxTurns:  job.MaxTurns,
		})
	})
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("job %s: %w", job.JobID, r.AsError())
	}

	log := w.logger.With().Str("job_id", job.JobID).Logger()
	if err != nil {
		var unknown *UnknownPersonaError
		var cfgErr *orchestrator.ConfigurationError
		if errors.As(err, &unknown) || errors.As(err, &cfgErr) {
			w.notify(log, func() error { return w.notifier.JobFailed(ctx, job, err.Error()) })
			return nil
		}
		return err
	}

	log.Info().Str("state", res.State.String()).Int("turns", res.Turns).Msg("session job done")
	w.notify(log, func() error { return w.notifier.SessionFinished(ctx, job, res) })
	return nil
}

func (w *Worker) notify(log zerolog.Logger, send func() error) {
	if w.notifier == nil {
		return
	}
	if err := send(); err != nil {
		log.Error().Err(err).Msg("failed to notify requester")
	}
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}
