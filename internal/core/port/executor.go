package port

import (
	"context"
	"time"
)

// QueryExecutor runs a fully validated statement against the store.
// Implementations must hold the session read-only, bound execution by
// timeout, and roll back on every exit path before releasing the connection.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string, timeout time.Duration) ([]map[string]any, error)
}
