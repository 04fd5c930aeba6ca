// internal/logging/context.go
package logging

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxIDLen bounds correlation IDs copied into every log line.
const maxIDLen = 128

type requestCtxKey struct{}
type userCtxKey struct{}
type conversationCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := UserIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("user.id", id))
	}
	if id := ConversationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("conversation.id", id))
	}

	return fields
}

// sanitizeID trims, drops invalid UTF-8 and caps length. IDs arrive from
// request bodies, so callers never get a panic for a bad one.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if !utf8.ValidString(id) {
		id = strings.ToValidUTF8(id, "")
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}

// WithRequestID adds a request ID to context. Empty IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if id := sanitizeID(requestID); id != "" {
		return context.WithValue(ctx, requestCtxKey{}, id)
	}
	return ctx
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithUserID adds the user whose memories and rules are being processed.
func WithUserID(ctx context.Context, userID string) context.Context {
	if id := sanitizeID(userID); id != "" {
		return context.WithValue(ctx, userCtxKey{}, id)
	}
	return ctx
}

// UserIDFromContext extracts the user ID from context.
func UserIDFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithConversationID adds the conversation being processed.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	if id := sanitizeID(conversationID); id != "" {
		return context.WithValue(ctx, conversationCtxKey{}, id)
	}
	return ctx
}

// ConversationIDFromContext extracts the conversation ID from context.
func ConversationIDFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(conversationCtxKey{}).(string); ok {
		return c
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
