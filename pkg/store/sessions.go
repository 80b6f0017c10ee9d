package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/relay/pkg/session"
)

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		s                    session.Session
		status, metadata     string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.CharacterID, &status, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for session %s: %w", s.ID, err)
	}
	return &s, nil
}

// CreateSession mints an active session.
func (s *Store) CreateSession(ctx context.Context, characterID string, metadata map[string]interface{}) (*session.Session, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session metadata: %w", err)
	}

	now := s.now()
	sess := &session.Session{
		ID:          uuid.New().String(),
		CharacterID: characterID,
		Status:      session.StatusActive,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, character_id, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CharacterID, string(sess.Status), string(raw), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session or session.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, character_id, status, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status session.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// MergeSessionMetadata overlays metadata onto the stored blob.
func (s *Store) MergeSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrNotFound
		}
		return fmt.Errorf("failed to load session metadata: %w", err)
	}

	current := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return fmt.Errorf("failed to decode session metadata: %w", err)
	}
	for k, v := range metadata {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(merged), toMillis(s.now()), id); err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return tx.Commit()
}

// AppendMessage adds a message to the end of the session and touches it.
func (s *Store) AppendMessage(ctx context.Context, msg session.Message) (*session.Message, error) {
	if msg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?`, msg.SessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate message sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (id, session_id, seq, role, parts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, string(msg.Role), string(parts), toMillis(msg.CreatedAt)); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		toMillis(msg.CreatedAt), msg.SessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &msg, nil
}

// GetMessages returns the session's messages in order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, parts, created_at FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var (
			msg         session.Message
			role, parts string
			createdAt   int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &parts, &createdAt); err != nil {
			return nil, err
		}
		msg.Role = session.Role(role)
		msg.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) ListSessionsBefore(ctx context.Context, status session.Status, before time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, status, metadata, created_at, updated_at FROM sessions WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		string(status), toMillis(before))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) CountSessions(ctx context.Context, status session.Status) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
