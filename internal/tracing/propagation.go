package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		fields = fields.Str("run_id", tc.RunID)
	}
	if tc.ConnectionID != "" {
		fields = fields.Str("connection_id", tc.ConnectionID)
	}
	if tc.Conversation != "" {
		fields = fields.Str("conversation", tc.Conversation)
	}
	if tc.SessionID != "" {
		fields = fields.Str("session_id", tc.SessionID)
	}

	return fields.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing fields from source that target lacks.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.ConnectionID != "" && GetConnectionID(target) == "" {
		target = WithConnectionID(target, tc.ConnectionID)
	}
	if tc.Conversation != "" && GetConversation(target) == "" {
		target = WithConversation(target, tc.Conversation)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}

	return target
}

// Detach returns a background context carrying ctx's tracing fields, for
// work that must outlive the caller's cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
