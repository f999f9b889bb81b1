package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func exec(ctx context.Context, db execer, q sq.Sqlizer, what string) (sql.Result, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return res, nil
}

var providerColumns = []string{"id", "name", "kind", "base_url", "enc_api_key", "enc_headers_json", "config_json", "created_at", "updated_at"}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner, p *Provider) error {
	var encAPIKey, encHeaders sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &encAPIKey, &encHeaders, &p.ConfigJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	if encHeaders.Valid {
		p.EncHeadersJSON = &encHeaders.String
	}
	return nil
}

func (s *Store) UpsertProvider(ctx context.Context, p Provider) (int64, error) {
	if p.ConfigJSON == "" {
		p.ConfigJSON = "{}"
	}
	now := s.now()
	q := s.sql.Insert("providers").
		Columns("name", "kind", "base_url", "enc_api_key", "enc_headers_json", "config_json", "created_at", "updated_at").
		Values(p.Name, p.Kind, p.BaseURL, p.EncAPIKey, p.EncHeadersJSON, p.ConfigJSON, now, now).
		Suffix("ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, base_url=excluded.base_url, enc_api_key=excluded.enc_api_key, enc_headers_json=excluded.enc_headers_json, config_json=excluded.config_json, updated_at=excluded.updated_at")
	if _, err := exec(ctx, s.db, q, "upsert provider"); err != nil {
		return 0, err
	}
	got, err := s.GetProviderByName(ctx, p.Name)
	if err != nil {
		return 0, err
	}
	return got.ID, nil
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (Provider, error) {
	q := s.sql.Select(providerColumns...).From("providers").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build provider by name query: %w", err)
	}
	var p Provider
	if err := scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...), &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("get provider by name: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	q := s.sql.Select(providerColumns...).From("providers").OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		var p Provider
		if err := scanProvider(rows, &p); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteProviderByName(ctx context.Context, name string) error {
	res, err := exec(ctx, s.db, s.sql.Delete("providers").Where(sq.Eq{"name": name}), "delete provider")
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertPersona(ctx context.Context, p Persona) error {
	toolsJSON, err := json.Marshal(nonNil(p.Tools))
	if err != nil {
		return fmt.Errorf("encode persona tools: %w", err)
	}
	now := s.now()
	q := s.sql.Insert("personas").
		Columns("name", "provider_id", "model", "system_prompt", "max_tokens", "temperature", "tools_json", "created_at", "updated_at").
		Values(p.Name, p.ProviderID, p.Model, p.SystemPrompt, p.MaxTokens, p.Temperature, string(toolsJSON), now, now).
		Suffix("ON CONFLICT(name) DO UPDATE SET provider_id=excluded.provider_id, model=excluded.model, system_prompt=excluded.system_prompt, max_tokens=excluded.max_tokens, temperature=excluded.temperature, tools_json=excluded.tools_json, updated_at=excluded.updated_at")
	_, err = exec(ctx, s.db, q, "upsert persona")
	return err
}

// DeletePersonasExcept removes personas whose names are not in keep. It
// returns how many rows went away.
func (s *Store) DeletePersonasExcept(ctx context.Context, keep []string) (int64, error) {
	q := s.sql.Delete("personas")
	if len(keep) > 0 {
		q = q.Where(sq.NotEq{"name": keep})
	}
	res, err := exec(ctx, s.db, q, "prune personas")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var personaColumns = []string{"p.name", "p.provider_id", "p.model", "p.system_prompt", "p.max_tokens", "p.temperature", "p.tools_json", "p.created_at", "p.updated_at"}

func scanPersona(row scanner, p *Persona, extra ...any) error {
	var temp sql.NullFloat64
	var toolsJSON string
	dest := append([]any{&p.Name, &p.ProviderID, &p.Model, &p.SystemPrompt, &p.MaxTokens, &temp, &toolsJSON, &p.CreatedAt, &p.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if temp.Valid {
		v := temp.Float64
		p.Temperature = &v
	}
	p.Tools = nil
	if err := json.Unmarshal([]byte(toolsJSON), &p.Tools); err != nil {
		return fmt.Errorf("decode tools of persona %q: %w", p.Name, err)
	}
	return nil
}

func (s *Store) ListPersonas(ctx context.Context) ([]Persona, error) {
	q := s.sql.Select(personaColumns...).From("personas p").OrderBy("p.name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list personas query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	out := make([]Persona, 0)
	for rows.Next() {
		var p Persona
		if err := scanPersona(rows, &p); err != nil {
			return nil, fmt.Errorf("scan persona row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persona rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetPersonaWithProvider(ctx context.Context, name string) (PersonaWithProvider, error) {
	cols := append(append([]string(nil), personaColumns...),
		"pr.id", "pr.name", "pr.kind", "pr.base_url", "pr.enc_api_key", "pr.enc_headers_json", "pr.config_json", "pr.created_at", "pr.updated_at")
	q := s.sql.Select(cols...).
		From("personas p").
		Join("providers pr ON p.provider_id = pr.id").
		Where(sq.Eq{"p.name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PersonaWithProvider{}, fmt.Errorf("build persona with provider query: %w", err)
	}

	var out PersonaWithProvider
	var encAPIKey, encHeaders sql.NullString
	pr := &out.Provider
	err = scanPersona(s.db.QueryRowContext(ctx, sqlStr, args...), &out.Persona,
		&pr.ID, &pr.Name, &pr.Kind, &pr.BaseURL, &encAPIKey, &encHeaders, &pr.ConfigJSON, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PersonaWithProvider{}, ErrNotFound
		}
		return PersonaWithProvider{}, fmt.Errorf("get persona with provider: %w", err)
	}
	if encAPIKey.Valid {
		pr.EncAPIKey = &encAPIKey.String
	}
	if encHeaders.Valid {
		pr.EncHeadersJSON = &encHeaders.String
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	q := s.sql.Insert("audit_log").
		Columns("chat_id", "user_id", "action", "meta_json", "created_at").
		Values(e.ChatID, e.UserID, e.Action, e.MetaJSON, s.now())
	_, err := exec(ctx, s.db, q, "insert audit entry")
	return err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
