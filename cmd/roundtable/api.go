package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"roundtable/internal/conversation"
	"roundtable/internal/orchestrator"
	"roundtable/internal/storage"
	"roundtable/internal/worker"
)

const maxRequestBody = 1 << 20

type sessionRunner interface {
	Run(ctx context.Context, req worker.RunRequest) (orchestrator.Result, error)
}

type sessionReader interface {
	GetSession(ctx context.Context, id string) (storage.SessionRecord, error)
	LoadTranscript(ctx context.Context, id string) ([]conversation.Message, error)
}

// sessionAPI serves the synchronous HTTP entry point next to the bot.
type sessionAPI struct {
	runner   sessionRunner
	sessions sessionReader
	maxTurns int
	logger   zerolog.Logger
}

type apiError struct {
	Status  int
	Message string
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

func (h apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h(w, r); err != nil {
		writeJSON(w, err.Status, errorResponse{Error: err.Message})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type createSessionRequest struct {
	Personas []string `json:"personas"`
	Topic    string   `json:"topic"`
	MaxTurns int      `json:"max_turns,omitempty"`
}

type sessionResponse struct {
	SessionID    string                 `json:"session_id"`
	State        string                 `json:"state"`
	Turns        int                    `json:"turns"`
	Error        string                 `json:"error,omitempty"`
	Topic        string                 `json:"topic,omitempty"`
	Participants []string               `json:"participants,omitempty"`
	Transcript   []conversation.Message `json:"transcript"`
}

func (a *sessionAPI) register(mux *http.ServeMux) {
	mux.Handle("POST /v1/sessions", apiHandler(a.create))
	mux.Handle("GET /v1/sessions/{id}", apiHandler(a.get))
}

func (a *sessionAPI) create(w http.ResponseWriter, r *http.Request) *apiError {
	var req createSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	if len(req.Personas) == 0 {
		return &apiError{Status: http.StatusBadRequest, Message: "personas is required"}
	}
	if strings.TrimSpace(req.Topic) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "topic is required"}
	}
	if req.MaxTurns < 0 {
		return &apiError{Status: http.StatusBadRequest, Message: "max_turns must be positive"}
	}
	if req.MaxTurns == 0 {
		req.MaxTurns = a.maxTurns
	}

	res, err := a.runner.Run(r.Context(), worker.RunRequest{
		Topic:    req.Topic,
		Personas: req.Personas,
		MaxTurns: req.MaxTurns,
	})
	var unknown *worker.UnknownPersonaError
	var cfgErr *orchestrator.ConfigurationError
	switch {
	case errors.As(err, &unknown):
		return &apiError{Status: http.StatusNotFound, Message: unknown.Error()}
	case errors.As(err, &cfgErr):
		return &apiError{Status: http.StatusBadRequest, Message: cfgErr.Error()}
	case err != nil:
		a.logger.Error().Err(err).Msg("session setup failed")
		return &apiError{Status: http.StatusInternalServerError, Message: "session could not be started"}
	}

	out := sessionResponse{
		SessionID:    res.SessionID,
		State:        res.State.String(),
		Turns:        res.Turns,
		Topic:        req.Topic,
		Participants: req.Personas,
		Transcript:   res.Transcript,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (a *sessionAPI) get(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	rec, err := a.sessions.GetSession(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return &apiError{Status: http.StatusNotFound, Message: "session not found"}
	}
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", id).Msg("get session failed")
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to load session"}
	}
	msgs, err := a.sessions.LoadTranscript(r.Context(), id)
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", id).Msg("load transcript failed")
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to load session"}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    rec.ID,
		State:        rec.State,
		Turns:        rec.Turns,
		Error:        rec.Error,
		Topic:        rec.Topic,
		Participants: rec.Participants,
		Transcript:   msgs,
	})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
