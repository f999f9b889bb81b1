package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"roundtable/internal/conversation"
)

// SaveSession archives a finished session and its transcript in one
// transaction. Saving the same id again replaces the previous archive.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord, msgs []conversation.Message) (err error) {
	participants, err := json.Marshal(nonNil(rec.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save session: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = exec(ctx, tx, s.sql.Delete("session_messages").Where(sq.Eq{"session_id": rec.ID}), "clear session messages"); err != nil {
		return err
	}
	upsert := s.sql.Insert("sessions").
		Columns("id", "chat_id", "user_id", "topic", "participants_json", "state", "turns", "error", "created_at", "finished_at").
		Values(rec.ID, rec.ChatID, rec.UserID, rec.Topic, string(participants), rec.State, rec.Turns, rec.Error, rec.CreatedAt, rec.FinishedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET state=excluded.state, turns=excluded.turns, error=excluded.error, participants_json=excluded.participants_json, finished_at=excluded.finished_at")
	if _, err = exec(ctx, tx, upsert, "upsert session"); err != nil {
		return err
	}

	if len(msgs) > 0 {
		ins := s.sql.Insert("session_messages").
			Columns("session_id", "seq", "role", "author", "content", "tool_result_json", "created_at")
		for _, m := range msgs {
			var toolResult *string
			if m.ToolResult != nil {
				b, mErr := json.Marshal(m.ToolResult)
				if mErr != nil {
					err = fmt.Errorf("encode tool result of message %d: %w", m.Seq, mErr)
					return err
				}
				v := string(b)
				toolResult = &v
			}
			ins = ins.Values(rec.ID, m.Seq, string(m.Role), m.Author, m.Content, toolResult, m.CreatedAt.UTC())
		}
		if _, err = exec(ctx, tx, ins, "insert session messages"); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save session: %w", err)
	}
	return nil
}

var sessionColumns = []string{"id", "chat_id", "user_id", "topic", "participants_json", "state", "turns", "error", "created_at", "finished_at"}

func scanSession(row scanner, rec *SessionRecord) error {
	var participants string
	if err := row.Scan(&rec.ID, &rec.ChatID, &rec.UserID, &rec.Topic, &participants, &rec.State, &rec.Turns, &rec.Error, &rec.CreatedAt, &rec.FinishedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return fmt.Errorf("decode participants of session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	sqlStr, args, err := s.sql.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("build get session query: %w", err)
	}
	var rec SessionRecord
	if err := scanSession(s.db.QueryRowContext(ctx, sqlStr, args...), &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the newest sessions first. A zero chatID lists
// sessions from every chat.
func (s *Store) ListSessions(ctx context.Context, chatID int64, limit uint64) ([]SessionRecord, error) {
	q := s.sql.Select(sessionColumns...).From("sessions").OrderBy("created_at DESC", "id ASC")
	if chatID != 0 {
		q = q.Where(sq.Eq{"chat_id": chatID})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0)
	for rows.Next() {
		var rec SessionRecord
		if err := scanSession(rows, &rec); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// LoadTranscript returns the archived messages of a session in sequence
// order. An unknown session yields ErrNotFound.
func (s *Store) LoadTranscript(ctx context.Context, id string) ([]conversation.Message, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	q := s.sql.Select("seq", "role", "author", "content", "tool_result_json", "created_at").
		From("session_messages").
		Where(sq.Eq{"session_id": id}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load transcript query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Message, 0)
	for rows.Next() {
		var m conversation.Message
		var role string
		var toolResult sql.NullString
		if err := rows.Scan(&m.Seq, &role, &m.Author, &m.Content, &toolResult, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = conversation.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if toolResult.Valid {
			var tr conversation.ToolResult
			if err := json.Unmarshal([]byte(toolResult.String), &tr); err != nil {
				return nil, fmt.Errorf("decode tool result of message %d: %w", m.Seq, err)
			}
			m.ToolResult = &tr
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
