package storage

import "time"

// Provider is a configured backend endpoint. Secrets are kept as sealed
// envelopes and only opened by the worker that builds a backend.
type Provider struct {
	ID             int64
	Name           string
	Kind           string
	BaseURL        string
	EncAPIKey      *string
	EncHeadersJSON *string
	ConfigJSON     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Persona struct {
	Name         string
	ProviderID   int64
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	Tools        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type PersonaWithProvider struct {
	Persona
	Provider Provider
}

// SessionRecord is the archive row of a finished conversation.
type SessionRecord struct {
	ID           string
	ChatID       int64
	UserID       int64
	Topic        string
	Participants []string
	State        string
	Turns        int
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}
