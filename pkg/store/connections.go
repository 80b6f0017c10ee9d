package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/relay/pkg/channels"
)

const connectionColumns = `id, user_id, character_id, channel_type, config, status, last_error, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*channels.ChannelConnection, error) {
	var (
		conn                 channels.ChannelConnection
		channelType, status  string
		config               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&conn.ID, &conn.UserID, &conn.CharacterID, &channelType, &config, &status, &conn.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conn.ChannelType = channels.ChannelType(channelType)
	conn.Status = channels.Status(status)
	conn.CreatedAt = fromMillis(createdAt)
	conn.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(config), &conn.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config for connection %s: %w", conn.ID, err)
	}
	return &conn, nil
}

// GetConnection returns the connection with id or channels.ErrUnknownConnection.
func (s *Store) GetConnection(ctx context.Context, id string) (*channels.ChannelConnection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", channels.ErrUnknownConnection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns the user's connections, or all of them when userID is empty.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]channels.ChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM channel_connections`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []channels.ChannelConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// UpsertConnection inserts or replaces the configuration of a connection. The
// live status columns are left untouched for existing rows. It reports
// whether the stored configuration changed.
func (s *Store) UpsertConnection(ctx context.Context, conn channels.ChannelConnection) (bool, error) {
	if conn.ID == "" {
		return false, errors.New("connection id is required")
	}
	if !conn.ChannelType.Valid() {
		return false, fmt.Errorf("unsupported channel type %q", conn.ChannelType)
	}
	config, err := json.Marshal(conn.Config)
	if err != nil {
		return false, fmt.Errorf("failed to encode connection config: %w", err)
	}

	existing, err := s.GetConnection(ctx, conn.ID)
	if err != nil && !errors.Is(err, channels.ErrUnknownConnection) {
		return false, err
	}
	if existing != nil {
		prev, _ := json.Marshal(existing.Config)
		if existing.UserID == conn.UserID && existing.CharacterID == conn.CharacterID &&
			existing.ChannelType == conn.ChannelType && string(prev) == string(config) {
			return false, nil
		}
	}

	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_connections (id, user_id, character_id, channel_type, config, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'disconnected', '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			character_id = excluded.character_id,
			channel_type = excluded.channel_type,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		conn.ID, conn.UserID, conn.CharacterID, string(conn.ChannelType), string(config), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to save connection: %w", err)
	}
	return true, nil
}

// UpdateConnectionStatus records a connection's live status.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status channels.Status, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_connections SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", channels.ErrUnknownConnection, id)
	}
	return nil
}
