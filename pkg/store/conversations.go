package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/harun/relay/pkg/channels"
)

const conversationColumns = `id, connection_id, character_id, channel_type, peer_id, peer_name, thread_id, session_id, last_message_at`

func scanConversation(row interface{ Scan(...any) error }) (*channels.ChannelConversation, error) {
	var (
		conv        channels.ChannelConversation
		channelType string
		lastMessage int64
	)
	if err := row.Scan(&conv.ID, &conv.ConnectionID, &conv.CharacterID, &channelType, &conv.PeerID,
		&conv.PeerName, &conv.ThreadID, &conv.SessionID, &lastMessage); err != nil {
		return nil, err
	}
	conv.ChannelType = channels.ChannelType(channelType)
	conv.LastMessageAt = fromMillis(lastMessage)
	return &conv, nil
}

// FindConversation returns the conversation for key, or nil when none exists.
func (s *Store) FindConversation(ctx context.Context, key channels.ConversationKey) (*channels.ChannelConversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM channel_conversations WHERE connection_id = ? AND peer_id = ? AND thread_id = ?`,
		key.ConnectionID, key.PeerID, key.ThreadID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts conv. If a row already exists for its key the
// existing row is returned unchanged.
func (s *Store) CreateConversation(ctx context.Context, conv channels.ChannelConversation) (*channels.ChannelConversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, peer_id, thread_id) DO NOTHING`,
		conv.ID, conv.ConnectionID, conv.CharacterID, string(conv.ChannelType), conv.PeerID,
		conv.PeerName, conv.ThreadID, conv.SessionID, toMillis(conv.LastMessageAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.FindConversation(ctx, channels.ConversationKey{ConnectionID: conv.ConnectionID, PeerID: conv.PeerID, ThreadID: conv.ThreadID})
}

// UpdateConversation saves the peer name, bound session and last message time.
func (s *Store) UpdateConversation(ctx context.Context, conv channels.ChannelConversation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_conversations SET peer_name = ?, session_id = ?, last_message_at = ? WHERE id = ?`,
		conv.PeerName, conv.SessionID, toMillis(conv.LastMessageAt), conv.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}
