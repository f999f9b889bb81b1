// Package orchestrator runs bounded multi-party conversations: it decides
// who speaks next, drives each turn through the tool dispatch loop, and
// stops on a turn budget, a termination token, an unrecoverable backend
// failure, or cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/dispatch"
	"roundtable/internal/metrics"
	"roundtable/internal/retry"
)

type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Defaults applies to sessions started through RunSession.
	Defaults Config
}

// Orchestrator opens sessions. It holds no per-session state and may be
// shared by concurrent sessions.
type Orchestrator struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	defaults Config
	newID    func() string
}

func New(opts Options) *Orchestrator {
	if opts.Defaults.MaxTurns <= 0 {
		opts.Defaults.MaxTurns = 6
	}
	if opts.Defaults.Select == nil {
		opts.Defaults.Select = RoundRobin
	}
	return &Orchestrator{
		log:      opts.Logger,
		metrics:  opts.Metrics,
		defaults: opts.Defaults,
		newID:    uuid.NewString,
	}
}

func (o *Orchestrator) Defaults() Config { return o.defaults }

// Open validates participants and cfg and returns an idle session.
func (o *Orchestrator) Open(participants []Participant, cfg Config) (*Session, error) {
	return o.open(o.newID(), participants, cfg)
}

func (o *Orchestrator) open(id string, participants []Participant, cfg Config) (*Session, error) {
	if len(participants) == 0 {
		return nil, &ConfigurationError{Reason: "at least one participant is required"}
	}
	seen := make(map[string]bool, len(participants))
	for i, p := range participants {
		if strings.TrimSpace(p.ID) == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("participant %d has an empty id", i)}
		}
		if p.ID == conversation.HumanAuthor {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("participant id %q is reserved", p.ID)}
		}
		if seen[p.ID] {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate participant id %q", p.ID)}
		}
		if p.Backend == nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("participant %q has no backend", p.ID)}
		}
		seen[p.ID] = true
	}
	if cfg.MaxTurns < 1 {
		return nil, &ConfigurationError{Reason: "max turns must be at least 1"}
	}
	if cfg.Select == nil {
		cfg.Select = RoundRobin
	}

	backendRetry := cfg.Retry
	if cfg.CallTimeout > 0 {
		backendRetry.AttemptTimeout = cfg.CallTimeout
	}
	log := o.log.With().Str("session_id", id).Logger()

	return &Session{
		id:           id,
		cfg:          cfg,
		participants: append([]Participant(nil), participants...),
		transcript:   conversation.NewTranscript(),
		loop: dispatch.New(dispatch.Config{
			MaxIterations: cfg.MaxToolIterations,
			ToolTimeout:   cfg.ToolTimeout,
			Retry:         backendRetry,
			ToolRetry: retry.Policy{
				MaxAttempts: cfg.ToolAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
			},
			Logger:        log,
			Metrics:       o.metrics,
		}),
		log:     log,
		metrics: o.metrics,
		state:   StateIdle,
	}, nil
}

// Request is the input of RunSession. Zero MaxTurns and TimeoutPerCall fall
// back to the orchestrator defaults.
type Request struct {
	SessionID      string
	InitialMessage string
	Participants   []Participant
	MaxTurns       int
	TimeoutPerCall time.Duration
}

// RunSession runs a whole conversation and always returns a Result. Errors
// of any kind are reported through Result.State and Result.Err alongside
// whatever transcript exists.
func (o *Orchestrator) RunSession(ctx context.Context, req Request) Result {
	cfg := o.defaults
	if req.MaxTurns > 0 {
		cfg.MaxTurns = req.MaxTurns
	}
	if req.TimeoutPerCall > 0 {
		cfg.CallTimeout = req.TimeoutPerCall
	}
	id := req.SessionID
	if id == "" {
		id = o.newID()
	}

	s, err := o.open(id, req.Participants, cfg)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", id).Msg("session rejected")
		return Result{SessionID: id, State: StateFailed, Transcript: []conversation.Message{}, Err: err}
	}
	if err := s.Begin(req.InitialMessage); err != nil {
		res := s.Result()
		res.State = StateFailed
		res.Err = err
		return res
	}

	res, _ := s.run(ctx)
	return res
}

func (s *Session) run(ctx context.Context) (Result, error) {
	for {
		step, err := s.Step(ctx)
		if err != nil || step.Done {
			return s.Result(), err
		}
		if s.cfg.TurnDelay > 0 {
			t := time.NewTimer(s.cfg.TurnDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}
