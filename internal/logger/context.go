package logger

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// The key names double as the log attribute names.
const (
	keyRequestID contextKey = "request_id"
	keyUserID    contextKey = "user_id"
	keyQueryID   contextKey = "query_id"
	keyOperation contextKey = "operation"
)

var contextKeys = []contextKey{keyRequestID, keyUserID, keyQueryID, keyOperation}

// WithRequestID adds the gateway request ID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// WithUserID adds the calling user to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID returns the user set by WithUserID.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyUserID).(string)
	return id, ok && id != ""
}

// WithQueryID adds a research query ID to ctx.
func WithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, keyQueryID, queryID)
}

// WithOperation names the step being logged, e.g. "admit".
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, keyOperation, operation)
}

// NewRequestID returns an ID for a request that arrived without one.
func NewRequestID() string {
	return uuid.New().String()
}
