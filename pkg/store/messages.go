package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harun/relay/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// FindMessage looks up a logged message by its idempotency key. It returns
// nil when none exists.
func (s *Store) FindMessage(ctx context.Context, connectionID string, channelType channels.ChannelType, externalID string, direction channels.Direction) (*channels.ChannelMessage, error) {
	var (
		msg       channels.ChannelMessage
		ct, dir   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, channel_type, external_id, direction, conversation_id, peer_id, text, created_at
		FROM channel_messages
		WHERE connection_id = ? AND channel_type = ? AND external_id = ? AND direction = ?`,
		connectionID, string(channelType), externalID, string(direction),
	).Scan(&msg.ID, &msg.ConnectionID, &ct, &msg.ExternalID, &dir, &msg.ConversationID, &msg.PeerID, &msg.Text, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	msg.ChannelType = channels.ChannelType(ct)
	msg.Direction = channels.Direction(dir)
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

// CreateMessage logs msg unless a row with the same idempotency key exists.
// It reports whether this call created the row, which makes it usable as an
// atomic claim.
func (s *Store) CreateMessage(ctx context.Context, msg channels.ChannelMessage) (bool, error) {
	if msg.ExternalID == "" {
		return false, errors.New("external message id is required")
	}
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return false, fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_messages (id, connection_id, channel_type, external_id, direction, conversation_id, peer_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, channel_type, external_id, direction) DO NOTHING`,
		msg.ID, msg.ConnectionID, string(msg.ChannelType), msg.ExternalID, string(msg.Direction),
		msg.ConversationID, msg.PeerID, msg.Text, toMillis(msg.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to create message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
