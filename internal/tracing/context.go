package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey      ContextKey = "trace_id"
	RunIDKey        ContextKey = "run_id"
	ConnectionIDKey ContextKey = "connection_id"
	// ConversationKey carries the connection:peer:thread queue key.
	ConversationKey ContextKey = "conversation"
	SessionIDKey    ContextKey = "session_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	RunID        string
	ConnectionID string
	Conversation string
	SessionID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithRunID tags the context with a task registry run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return withValue(ctx, ConnectionIDKey, connectionID)
}

func WithConversation(ctx context.Context, key string) context.Context {
	return withValue(ctx, ConversationKey, key)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

func GetTraceID(ctx context.Context) string      { return value(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string        { return value(ctx, RunIDKey) }
func GetConnectionID(ctx context.Context) string { return value(ctx, ConnectionIDKey) }
func GetConversation(ctx context.Context) string { return value(ctx, ConversationKey) }
func GetSessionID(ctx context.Context) string    { return value(ctx, SessionIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		RunID:        GetRunID(ctx),
		ConnectionID: GetConnectionID(ctx),
		Conversation: GetConversation(ctx),
		SessionID:    GetSessionID(ctx),
	}
}

// NewContext copies the non-empty fields of tc into ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.ConnectionID != "" {
		ctx = WithConnectionID(ctx, tc.ConnectionID)
	}
	if tc.Conversation != "" {
		ctx = WithConversation(ctx, tc.Conversation)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	return ctx
}

// NewInboundContext starts a trace for one inbound message.
func NewInboundContext(ctx context.Context, connectionID, conversation string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithConnectionID(ctx, connectionID)
	return WithConversation(ctx, conversation)
}
