package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type botIDKey struct{}
type instanceIDKey struct{}
type commandIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithBotID attaches a bot_id to the context.
func WithBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, botIDKey{}, botID)
}

// BotID extracts bot_id from context. Returns "" if absent.
func BotID(ctx context.Context) string {
	if v, ok := ctx.Value(botIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithInstanceID attaches an instance_id to the context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, instanceID)
}

// InstanceID extracts instance_id from context. Returns "" if absent.
func InstanceID(ctx context.Context) string {
	if v, ok := ctx.Value(instanceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCommandID attaches a command_id to the context.
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, commandID)
}

// CommandID extracts command_id from context. Returns "" if absent.
func CommandID(ctx context.Context) string {
	if v, ok := ctx.Value(commandIDKey{}).(string); ok {
		return v
	}
	return ""
}
