package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/orchestrator"
	"roundtable/internal/providers"
	"roundtable/internal/providers/registry"
	"roundtable/internal/storage"
	"roundtable/internal/tools/builtin"
)

// Store is what the runner needs from storage.
type Store interface {
	GetPersonaWithProvider(ctx context.Context, name string) (storage.PersonaWithProvider, error)
	SaveSession(ctx context.Context, rec storage.SessionRecord, msgs []conversation.Message) error
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

// Opener decrypts provider secrets sealed by the catalog sync.
type Opener interface {
	OpenString(provider, raw string) (string, error)
}

// UnknownPersonaError means the request named a persona that is not in
// the catalog. It is the caller's mistake and never worth a retry.
type UnknownPersonaError struct {
	Name string
}

func (e *UnknownPersonaError) Error() string { return fmt.Sprintf("unknown persona %q", e.Name) }

type RunRequest struct {
	SessionID string
	ChatID    int64
	UserID    int64
	Topic     string
	Personas  []string
	MaxTurns  int
}

type RunnerConfig struct {
	Store        Store
	Keys         Opener
	Orchestrator *orchestrator.Orchestrator
	HTTPClient   *http.Client
	// SessionTimeout bounds a whole conversation. Zero means no bound.
	SessionTimeout time.Duration
	Logger         zerolog.Logger
}

// Runner resolves personas into participants, runs the conversation and
// archives it. The worker and the HTTP API share it.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Runner{cfg: cfg}
}

// Run returns an error only when the session could not be set up. Once it
// starts, every outcome including failure is reported through the Result.
func (r *Runner) Run(ctx context.Context, req RunRequest) (orchestrator.Result, error) {
	participants, err := r.participants(ctx, req.Personas)
	if err != nil {
		return orchestrator.Result{}, err
	}

	runCtx := ctx
	if r.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.SessionTimeout)
		defer cancel()
	}
	started := time.Now().UTC()
	res := r.cfg.Orchestrator.RunSession(runCtx, orchestrator.Request{
		SessionID:      req.SessionID,
		InitialMessage: req.Topic,
		Participants:   participants,
		MaxTurns:       req.MaxTurns,
	})

	r.archive(ctx, req, res, started)
	return res, nil
}

func (r *Runner) archive(ctx context.Context, req RunRequest, res orchestrator.Result, started time.Time) {
	log := r.cfg.Logger.With().Str("session_id", res.SessionID).Logger()
	// The archive is written even when the session was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	rec := storage.SessionRecord{
		ID:           res.SessionID,
		ChatID:       req.ChatID,
		UserID:       req.UserID,
		Topic:        req.Topic,
		Participants: req.Personas,
		State:        res.State.String(),
		Turns:        res.Turns,
		CreatedAt:    started,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := r.cfg.Store.SaveSession(saveCtx, rec, res.Transcript); err != nil {
		log.Error().Err(err).Msg("failed to archive session")
		return
	}

	meta, _ := json.Marshal(map[string]any{
		"session_id": res.SessionID,
		"personas":   req.Personas,
		"state":      rec.State,
		"turns":      res.Turns,
	})
	if err := r.cfg.Store.LogAction(saveCtx, storage.AuditEntry{ChatID: req.ChatID, UserID: req.UserID, Action: "session", MetaJSON: string(meta)}); err != nil {
		log.Warn().Err(err).Msg("failed to write audit entry")
	}
}

func (r *Runner) participants(ctx context.Context, names []string) ([]orchestrator.Participant, error) {
	if len(names) == 0 {
		return nil, &orchestrator.ConfigurationError{Reason: "at least one persona is required"}
	}
	out := make([]orchestrator.Participant, 0, len(names))
	for _, name := range names {
		p, err := r.participant(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Runner) participant(ctx context.Context, name string) (orchestrator.Participant, error) {
	row, err := r.cfg.Store.GetPersonaWithProvider(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return orchestrator.Participant{}, &UnknownPersonaError{Name: name}
		}
		return orchestrator.Participant{}, err
	}
	pr := row.Provider

	apiKey, err := r.openOptional(pr.Name, pr.EncAPIKey)
	if err != nil {
		return orchestrator.Participant{}, fmt.Errorf("decrypt api key of %s: %w", pr.Name, err)
	}
	headers := map[string]string{}
	if raw, err := r.openOptional(pr.Name, pr.EncHeadersJSON); err != nil {
		return orchestrator.Participant{}, fmt.Errorf("decrypt headers of %s: %w", pr.Name, err)
	} else if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return orchestrator.Participant{}, fmt.Errorf("parse headers of %s: %w", pr.Name, err)
		}
	}
	providerCfg := map[string]any{}
	if strings.TrimSpace(pr.ConfigJSON) != "" {
		if err := json.Unmarshal([]byte(pr.ConfigJSON), &providerCfg); err != nil {
			return orchestrator.Participant{}, fmt.Errorf("parse config of %s: %w", pr.Name, err)
		}
	}

	tools, err := builtin.Registry(row.Tools...)
	if err != nil {
		return orchestrator.Participant{}, fmt.Errorf("tools of %s: %w", row.Name, err)
	}
	persona := providers.Persona{
		Name:         row.Name,
		Model:        row.Model,
		SystemPrompt: row.SystemPrompt,
		MaxTokens:    row.MaxTokens,
		Tools:        tools.Definitions(),
	}
	if row.Temperature != nil {
		persona.Temperature = *row.Temperature
	}

	backend, err := registry.Build(registry.BuildOptions{
		Provider:   pr.Name,
		Kind:       pr.Kind,
		BaseURL:    pr.BaseURL,
		APIKey:     apiKey,
		Headers:    headers,
		Config:     providerCfg,
		HTTPClient: r.cfg.HTTPClient,
		Persona:    persona,
	})
	if err != nil {
		return orchestrator.Participant{}, fmt.Errorf("build backend of %s: %w", row.Name, err)
	}
	return orchestrator.Participant{ID: row.Name, Backend: backend, Tools: tools}, nil
}

func (r *Runner) openOptional(provider string, raw *string) (string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return "", nil
	}
	return r.cfg.Keys.OpenString(provider, *raw)
}
