// Package dispatch runs one participant turn: it calls the backend, executes
// any tools the backend asks for, records their results in the transcript,
// and calls the backend again until it produces a final message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/metrics"
	"roundtable/internal/providers"
	"roundtable/internal/retry"
	"roundtable/internal/tools"
)

const DefaultMaxIterations = 8

type Config struct {
	// MaxIterations caps the tool calls processed in one turn.
	MaxIterations int
	ToolTimeout   time.Duration
	// Retry governs backend calls. A nil Retryable defaults to
	// providers.IsRetryable.
	Retry retry.Policy
	// ToolRetry governs tool executions. Only timeouts are retried unless
	// Retryable says otherwise. Its AttemptTimeout defaults to ToolTimeout.
	ToolRetry retry.Policy
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// IterationBudgetExceeded fails a turn whose backend kept requesting tools.
type IterationBudgetExceeded struct {
	Limit    int
	Appended int
}

func (e *IterationBudgetExceeded) Error() string {
	return fmt.Sprintf("tool iteration budget of %d exceeded after appending %d messages", e.Limit, e.Appended)
}

// Turn is what one Invoke appended. Final is nil when the turn failed.
type Turn struct {
	Final        *conversation.Message
	Appended     []conversation.Message
	BackendCalls int
	ToolCalls    int
}

type Loop struct {
	cfg Config
}

func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = providers.IsRetryable
	}
	if cfg.ToolRetry.AttemptTimeout <= 0 {
		cfg.ToolRetry.AttemptTimeout = cfg.ToolTimeout
	}
	return &Loop{cfg: cfg}
}

// Invoke runs author's turn against transcript. On error the messages
// appended so far stay in the transcript and are listed in the returned Turn.
func (l *Loop) Invoke(ctx context.Context, backend providers.Backend, transcript *conversation.Transcript, author string, registry *tools.Registry) (Turn, error) {
	var turn Turn
	log := l.cfg.Logger.With().Str("participant", author).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return turn, err
		}

		reply, err := l.send(ctx, backend, transcript.Snapshot(), author)
		turn.BackendCalls++
		if err != nil {
			return turn, fmt.Errorf("backend %s: %w", author, err)
		}

		switch r := reply.(type) {
		case conversation.Final:
			m := transcript.Append(conversation.Message{Role: conversation.RoleAssistant, Author: author, Content: r.Content})
			turn.Appended = append(turn.Appended, m)
			turn.Final = &m
			return turn, nil

		case conversation.ToolRequest:
			if len(r.Calls) == 0 {
				m := transcript.Append(conversation.Message{Role: conversation.RoleAssistant, Author: author, Content: r.Content})
				turn.Appended = append(turn.Appended, m)
				turn.Final = &m
				return turn, nil
			}
			if strings.TrimSpace(r.Content) != "" {
				m := transcript.Append(conversation.Message{Role: conversation.RoleAssistant, Author: author, Content: r.Content})
				turn.Appended = append(turn.Appended, m)
			}
			for _, call := range r.Calls {
				if err := ctx.Err(); err != nil {
					return turn, err
				}
				if turn.ToolCalls >= l.cfg.MaxIterations {
					log.Warn().Int("limit", l.cfg.MaxIterations).Msg("tool iteration budget exceeded")
					return turn, &IterationBudgetExceeded{Limit: l.cfg.MaxIterations, Appended: len(turn.Appended)}
				}
				turn.ToolCalls++
				if call.ID == "" {
					call.ID = fmt.Sprintf("%s-call-%d", author, turn.ToolCalls)
				}

				res := l.execute(ctx, registry, call)
				m := transcript.Append(conversation.Message{Role: conversation.RoleTool, Author: author, ToolResult: &res})
				turn.Appended = append(turn.Appended, m)

				outcome := "ok"
				if res.Failure != nil {
					outcome = string(res.Failure.Kind)
					log.Debug().Str("tool", call.Name).Str("failure", outcome).Str("detail", res.Failure.Detail).Msg("tool call failed")
				}
				if l.cfg.Metrics != nil {
					l.cfg.Metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
				}
			}

		case nil:
			return turn, providers.InvalidResponse(author, errors.New("backend returned no reply"))

		default:
			return turn, providers.InvalidResponse(author, fmt.Errorf("unsupported reply type %T", reply))
		}
	}
}

func (l *Loop) send(ctx context.Context, backend providers.Backend, history []conversation.Message, author string) (conversation.Reply, error) {
	policy := l.cfg.Retry
	next := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		l.cfg.Logger.Warn().Err(err).Str("participant", author).Int("attempt", attempt).Msg("backend call failed, retrying")
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.BackendRetries.WithLabelValues(author).Inc()
		}
		if next != nil {
			next(attempt, err)
		}
	}

	start := time.Now()
	var reply conversation.Reply
	err := policy.Do(ctx, func(ctx context.Context) error {
		r, err := backend.Send(ctx, history)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.BackendLatency.WithLabelValues(author).Observe(time.Since(start).Seconds())
	}
	return reply, err
}

// execute never fails: every problem becomes a Failure on the result.
func (l *Loop) execute(ctx context.Context, registry *tools.Registry, call conversation.ToolCall) conversation.ToolResult {
	res := conversation.ToolResult{Call: call.Clone()}

	spec, ok := registry.Lookup(call.Name)
	if !ok {
		res.Failure = unknownTool(registry, call.Name)
		return res
	}
	if call.Malformed != "" {
		res.Failure = &conversation.Failure{
			Kind:   conversation.FailureInvalidArguments,
			Tool:   call.Name,
			Detail: "arguments are not a JSON object: " + call.Malformed,
		}
		return res
	}
	if err := registry.Validate(call.Name, call.Arguments); err != nil {
		res.Failure = &conversation.Failure{Kind: conversation.FailureInvalidArguments, Tool: call.Name, Detail: err.Error()}
		return res
	}

	// A started tool runs to completion even if the session is cancelled, so
	// the transcript records what it really did. Only the per-attempt
	// timeout cuts it short, and no new attempt starts after cancellation.
	var payload any
	attempt := 0
	err := l.cfg.ToolRetry.Do(context.WithoutCancel(ctx), func(attemptCtx context.Context) error {
		attempt++
		if attempt > 1 && ctx.Err() != nil {
			return ctx.Err()
		}
		v, err := run(attemptCtx, spec, call.Clone().Arguments)
		if err != nil {
			return err
		}
		payload = v
		return nil
	})
	if err != nil {
		res.Failure = &conversation.Failure{Kind: conversation.FailureToolExecution, Tool: call.Name, Detail: err.Error()}
		return res
	}
	res.Payload = payload
	return res
}

func unknownTool(registry *tools.Registry, name string) *conversation.Failure {
	detail := fmt.Sprintf("tool %q is not registered", name)
	if names := registry.Names(); len(names) > 0 {
		detail += "; available: " + strings.Join(names, ", ")
	}
	return &conversation.Failure{Kind: conversation.FailureUnknownTool, Tool: name, Detail: detail}
}

// run executes spec on its own goroutine so a tool that ignores ctx cannot
// hold the turn past its deadline. Panics become errors.
func run(ctx context.Context, spec tools.Spec, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := spec.Execute(ctx, args)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
