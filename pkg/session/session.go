package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Status of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusExpired  Status = "expired"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType classifies message content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// Part is one piece of message content.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message is one turn in a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is an agent conversation bound to a channel conversation.
type Session struct {
	ID          string                 `json:"id"`
	CharacterID string                 `json:"characterId"`
	Status      Status                 `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Active reports whether new messages may be appended.
func (s *Session) Active() bool {
	return s != nil && s.Status == StatusActive
}

// Store persists sessions and their messages.
type Store interface {
	CreateSession(ctx context.Context, characterID string, metadata map[string]interface{}) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status Status) error
	MergeSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error
	AppendMessage(ctx context.Context, msg Message) (*Message, error)
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)
	// ListSessionsBefore returns sessions with status whose last update is older than before.
	ListSessionsBefore(ctx context.Context, status Status, before time.Time) ([]Session, error)
	CountSessions(ctx context.Context, status Status) (int, error)
}
