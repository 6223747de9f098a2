package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const opIDKey contextKey = "op_id"

// Op ids correlate log lines of long-running maintenance work (cleanup
// cycles, index rebuilds) across goroutines.

func SetOpID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opIDKey, opID)
}

func GetOpID(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

func NewOpID() string {
	return uuid.New().String()
}
