package erp

import "context"

// Adapter executes business-system actions. Implementations translate an
// action name plus loosely typed arguments into one upstream operation and
// return a human-readable result summary.
//
// Adapters must be idempotent for write actions when handed the same
// idempotency key twice; the demo adapter shows the expected dedup shape.
type Adapter interface {
	// Provider identifies the upstream system, used in breaker keys.
	Provider() string

	// Execute performs one action. Errors are returned, never panicked;
	// ErrUnknownAction for unrecognized action names.
	Execute(ctx context.Context, action string, args map[string]interface{}) (string, error)
}
