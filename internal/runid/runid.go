// Package runid attaches a per-invocation correlation ID to a context, so
// every log line emitted during one orchestrator run can be grep'd
// together. It is never persisted to the ledger.
package runid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a random UUID v4 run ID.
func New() string {
	return uuid.NewString()
}

// WithRunID returns a copy of ctx carrying id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the run ID from ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
