// Package admin serves the local operator API: health, metrics, connection
// control and task listing.
package admin

import (
	"context"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/cron"
	"github.com/harun/relay/pkg/tasks"
)

// Connections is the connection control surface. *channels.Manager
// satisfies it.
type Connections interface {
	Connections(ctx context.Context, userID string) ([]channels.ChannelConnection, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (channels.Status, error)
	QRCode(id string) string
}

// Tasks lists and aborts agent turns. *tasks.Registry satisfies it.
type Tasks interface {
	List(filter tasks.Filter) []tasks.Record
	Abort(runID, reason string) bool
}

// Jobs lists housekeeping jobs. *cron.Service satisfies it.
type Jobs interface {
	Jobs() []cron.Job
}

// ServerOptions configures the admin server.
type ServerOptions struct {
	Host string
	Port int
	// UserID is listed when a request names no user.
	UserID string
	// Token, when set, must accompany every request except /health as a
	// bearer token.
	Token              string
	RateLimitPerMinute int
	// ActionTimeout bounds connect, disconnect and reconnect calls.
	ActionTimeout time.Duration
}

// connectionView is a connection as the API exposes it. Credentials are
// never returned.
type connectionView struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	CharacterID string               `json:"character_id"`
	ChannelType channels.ChannelType `json:"channel_type"`
	Status      channels.Status      `json:"status"`
	LastError   string               `json:"last_error,omitempty"`
	HasQR       bool                 `json:"has_qr"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type errorBody struct {
	Error string `json:"error"`
}
