package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/dispatch"
	"roundtable/internal/metrics"
	"roundtable/internal/providers"
	"roundtable/internal/retry"
	"roundtable/internal/tools"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseState is the inverse of State.String for archived sessions.
func ParseState(v string) (State, bool) {
	for s := StateIdle; s <= StateCancelled; s++ {
		if s.String() == v {
			return s, true
		}
	}
	return StateIdle, false
}

var (
	ErrNotRunning   = errors.New("session is not running")
	ErrAlreadyBegun = errors.New("session already begun")
	ErrBadSelection = errors.New("selector returned an out of range participant")
)

// ConfigurationError is returned before any backend is called.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Reason }

type Participant struct {
	ID      string
	Backend providers.Backend
	// Tools may be nil for participants without tools.
	Tools *tools.Registry
}

type Config struct {
	MaxTurns int
	// Select defaults to RoundRobin.
	Select Selector
	// TerminationToken ends the session when a final message contains it.
	TerminationToken  string
	TurnDelay         time.Duration
	MaxToolIterations int
	CallTimeout       time.Duration
	ToolTimeout       time.Duration
	// ToolAttempts is the attempt budget of one tool call. Only timed out
	// attempts are retried. Values below 1 mean a single attempt.
	ToolAttempts int
	Retry        retry.Policy
}

// Step is the outcome of one turn.
type Step struct {
	Participant string
	Turn        dispatch.Turn
	State       State
	Done        bool
}

// Result is what a caller gets back from a finished session, including
// failed and cancelled ones.
type Result struct {
	SessionID  string
	State      State
	Turns      int
	Transcript []conversation.Message
	Err        error
}

// Session is one conversation. Step must not be called concurrently; the
// read accessors may be called from any goroutine.
type Session struct {
	id           string
	cfg          Config
	participants []Participant
	transcript   *conversation.Transcript
	loop         *dispatch.Loop
	log          zerolog.Logger
	metrics      *metrics.Metrics

	stepping sync.Mutex

	mu    sync.RWMutex
	state State
	turns int
	err   error
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Transcript returns a snapshot of the messages so far.
func (s *Session) Transcript() []conversation.Message {
	return s.transcript.Snapshot()
}

func (s *Session) Result() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Result{
		SessionID:  s.id,
		State:      s.state,
		Turns:      s.turns,
		Transcript: s.transcript.Snapshot(),
		Err:        s.err,
	}
}

// Begin appends the caller's opening message and moves the session to
// running.
func (s *Session) Begin(initialMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyBegun
	}
	if strings.TrimSpace(initialMessage) == "" {
		return &ConfigurationError{Reason: "initial message is empty"}
	}
	s.transcript.Append(conversation.Message{Role: conversation.RoleUser, Author: conversation.HumanAuthor, Content: initialMessage})
	s.state = StateRunning
	if s.metrics != nil {
		s.metrics.SessionsStarted.Inc()
	}
	s.log.Info().Int("participants", len(s.participants)).Int("max_turns", s.cfg.MaxTurns).Msg("session started")
	return nil
}

// Step runs exactly one participant turn. It returns an error when this
// step moved the session to failed or cancelled.
func (s *Session) Step(ctx context.Context) (Step, error) {
	s.stepping.Lock()
	defer s.stepping.Unlock()

	if st := s.State(); st != StateRunning {
		return Step{State: st, Done: st.Terminal()}, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return s.finish(Step{}, StateCancelled, err)
	}

	history := s.transcript.Snapshot()
	turn := s.Turns()
	idx := s.cfg.Select(history, s.participants, turn)
	if idx < 0 || idx >= len(s.participants) {
		return s.finish(Step{}, StateFailed, fmt.Errorf("%w: %d", ErrBadSelection, idx))
	}
	p := s.participants[idx]
	step := Step{Participant: p.ID}

	t, err := s.loop.Invoke(ctx, p.Backend, s.transcript, p.ID, p.Tools)
	step.Turn = t
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.finish(step, StateCancelled, err)
		}
		return s.finish(step, StateFailed, err)
	}

	s.mu.Lock()
	s.turns++
	turns := s.turns
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Turns.Inc()
	}
	s.log.Debug().Str("participant", p.ID).Int("turn", turns).Int("appended", len(t.Appended)).Msg("turn completed")

	if tok := s.cfg.TerminationToken; tok != "" && t.Final != nil && strings.Contains(t.Final.Content, tok) {
		return s.finish(step, StateCompleted, nil)
	}
	if turns >= s.cfg.MaxTurns {
		return s.finish(step, StateCompleted, nil)
	}
	step.State = StateRunning
	return step, nil
}

// Start begins the session and steps it until it reaches a terminal state.
func (s *Session) Start(ctx context.Context, initialMessage string) (Result, error) {
	if err := s.Begin(initialMessage); err != nil {
		return s.Result(), err
	}
	return s.run(ctx)
}

func (s *Session) finish(step Step, state State, err error) (Step, error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	turns := s.turns
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsFinished.WithLabelValues(state.String()).Inc()
	}
	var ev *zerolog.Event
	if state == StateFailed {
		ev = s.log.Warn().Err(err)
	} else {
		ev = s.log.Info()
	}
	ev.Str("state", state.String()).Int("turns", turns).Int("messages", s.transcript.Len()).Msg("session finished")

	step.State = state
	step.Done = true
	return step, err
}
