package correlation

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

// CorrelationContext travels with every unit of work. ID is a 128-bit
// random value rendered as 32 lowercase hex digits; Component names the
// subsystem that opened the scope.
type CorrelationContext struct {
	ID        string
	Component string
}

// contextKey is unexported so no other package can collide with the
// correlation scope value.
type contextKey struct{}

var correlationContextKey contextKey

// NewID generates a fresh correlation ID.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func WithCorrelationContext(ctx context.Context, cc *CorrelationContext) context.Context {
	return context.WithValue(ctx, correlationContextKey, cc)
}

// WithID opens a correlation scope with the given ID, keeping the
// component of the enclosing scope if any.
func WithID(ctx context.Context, id string) context.Context {
	cc := GetContext(ctx)
	return WithCorrelationContext(ctx, &CorrelationContext{ID: id, Component: cc.Component})
}

// WithNewID opens a correlation scope with a freshly generated ID.
func WithNewID(ctx context.Context) context.Context {
	return WithID(ctx, NewID())
}

// WithComponent tags the scope with a component name, keeping the
// current ID if any.
func WithComponent(ctx context.Context, component string) context.Context {
	cc := GetContext(ctx)
	return WithCorrelationContext(ctx, &CorrelationContext{ID: cc.ID, Component: component})
}

// EnsureID returns the context unchanged when a correlation ID is
// already set, otherwise opens a scope with a new one. The returned
// string is the effective ID either way.
func EnsureID(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

func GetContext(ctx context.Context) *CorrelationContext {
	cc, ok := ctx.Value(correlationContextKey).(*CorrelationContext)
	if !ok {
		return new(CorrelationContext)
	}
	return cc
}

// ID returns the correlation ID of the current scope, or "" outside any scope.
func ID(ctx context.Context) string {
	return GetContext(ctx).ID
}

func Component(ctx context.Context) string {
	return GetContext(ctx).Component
}

// Fields returns key-value pairs for logger.With so every line in the
// scope carries the correlation metadata.
func Fields(ctx context.Context) []interface{} {
	cc := GetContext(ctx)
	fields := make([]interface{}, 0, 4)
	if cc.ID != "" {
		fields = append(fields, "correlation_id", cc.ID)
	}
	if cc.Component != "" {
		fields = append(fields, "component", cc.Component)
	}
	return fields
}
