// Package telemetry provides operation tagging and metrics for the remote.
package telemetry

import (
	"context"
)

type contextKey string

const (
	// operationKey is the context key for the remote operation in flight.
	operationKey contextKey = "operation"
	// addressKey is the context key for the bucket address being worked on.
	addressKey contextKey = "address"
)

// Operation names used for tagging.
const (
	OpStore        = "store"
	OpRetrieve     = "retrieve"
	OpCheckPresent = "checkpresent"
	OpRemove       = "remove"
	OpInitialize   = "initialize"
	OpPrepare      = "prepare"
)

// WithOperation returns a context tagged with the remote operation.
// Tool invocations made under this context are attributed to op.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext retrieves the operation tag, or "" when untagged.
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok {
		return op
	}
	return ""
}

// WithAddress returns a context tagged with a bucket address.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, addressKey, address)
}

// AddressFromContext retrieves the bucket address tag, or "" when untagged.
func AddressFromContext(ctx context.Context) string {
	if addr, ok := ctx.Value(addressKey).(string); ok {
		return addr
	}
	return ""
}
