package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vergil-db/vergil/internal/core/domain"
)

// Executor runs validated statements on pooled connections. Every execution
// holds a read-only transaction for its single use and rolls back on every
// exit path — the read-only flag alone is not trusted to rule out side
// effects from a misbehaving extension.
type Executor struct {
	pool           *pgxpool.Pool
	defaultTimeout time.Duration
}

func NewExecutor(pool *pgxpool.Pool, defaultTimeout time.Duration) *Executor {
	return &Executor{pool: pool, defaultTimeout: defaultTimeout}
}

// Execute runs sql with the given timeout (zero means the default) and
// returns the rows as column→value maps. A server-side cancellation surfaces
// as domain.ErrTimedOut, distinct from other database failures.
func (e *Executor) Execute(ctx context.Context, sql string, timeout time.Duration) ([]map[string]any, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Acquisition blocks when the pool is exhausted; that is a latency cost,
	// not an error.
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	// Rollback on every path. There is no commit: the transaction only reads,
	// and rolling back returns the connection to the pool with nothing kept.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	// Enforce the timeout at the statement level so PostgreSQL aborts the
	// query server-side even if the client abandons the connection first.
	// SET LOCAL scopes to this transaction only.
	timeoutMS := timeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%d'", timeoutMS)); err != nil {
		return nil, classify(fmt.Errorf("setting statement timeout: %w", err))
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, classify(fmt.Errorf("executing query: %w", err))
	}
	defer rows.Close()

	results, err := collectRows(rows)
	if err != nil {
		return nil, classify(err)
	}
	return results, nil
}

// collectRows drains rows into column-name-keyed maps, the shape the chart
// layer consumes directly.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		m := make(map[string]any, len(fields))
		for i, fd := range fields {
			m[fd.Name] = vals[i]
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result set: %w", err)
	}
	return out, nil
}

// classify maps a server-side cancellation (SQLSTATE 57014) or an expired
// context to domain.ErrTimedOut so callers can suggest narrowing the query
// instead of reporting a generic failure.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimedOut, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57014" {
		return fmt.Errorf("%w: statement cancelled by timeout", domain.ErrTimedOut)
	}
	return err
}
