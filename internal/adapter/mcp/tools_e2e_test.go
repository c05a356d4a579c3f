package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vergil-db/vergil/internal/adapter/postgres"
	"github.com/vergil-db/vergil/internal/audit"
	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/service"
	"github.com/vergil-db/vergil/internal/ratelimit"
	"github.com/vergil-db/vergil/internal/registry"
)

const e2eSchema = `
	CREATE TABLE sales_transactions (
		id      SERIAL PRIMARY KEY,
		date    DATE NOT NULL,
		product TEXT NOT NULL,
		revenue NUMERIC(10,2) NOT NULL
	);

	CREATE TABLE website_visits (
		id         SERIAL PRIMARY KEY,
		date       DATE NOT NULL,
		source     TEXT NOT NULL,
		visitor_id INTEGER NOT NULL
	);

	INSERT INTO sales_transactions (date, product, revenue)
	SELECT
		DATE '2025-01-01' + (i % 31),
		'Product ' || (i % 5),
		(i * 7 % 500)::numeric(10,2)
	FROM generate_series(1, 200) AS i;

	INSERT INTO website_visits (date, source, visitor_id)
	SELECT
		DATE '2025-01-01' + (i % 31),
		CASE (i % 3) WHEN 0 THEN 'organic' WHEN 1 THEN 'paid' ELSE 'referral' END,
		i % 50
	FROM generate_series(1, 300) AS i;
`

const e2eSalesTemplate = `{
  "template_id": "sales_by_date_range",
  "description": "Revenue per day over a date range",
  "category": "sales",
  "sql_structure": "SELECT date, revenue FROM sales_transactions WHERE date BETWEEN {start_date} AND {end_date}",
  "parameters": [
    {"name": "start_date", "type": "date", "required": true},
    {"name": "end_date", "type": "date", "required": true}
  ],
  "whitelisted_tables": ["sales_transactions"],
  "chart_type": "line"
}`

// setupE2E starts a Postgres testcontainer, applies the schema, and returns a
// fully wired MCP server backed by real adapters.
func setupE2E(t *testing.T, rateLimit int) *server.MCPServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(ctx, e2eSchema)
	require.NoError(t, err)

	templateDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(templateDir, "sales_by_date_range.json"),
		[]byte(e2eSalesTemplate), 0644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tables := domain.NewWhitelistValidator([]string{"sales_transactions", "website_visits"}, false)

	reg, err := registry.New(templateDir, tables, audit.NoopAuditor{}, logger)
	require.NoError(t, err)

	limiter := ratelimit.NewSlidingWindow(rateLimit, time.Minute)
	executor := postgres.NewExecutor(pool, 10*time.Second)

	pipeline := service.NewPipeline(
		reg,
		limiter,
		domain.NewStructuralValidator(nil),
		tables,
		domain.NewLimitEnforcer(100, 1000),
		executor,
		audit.NoopAuditor{},
		logger,
		nil,
		nil,
		10*time.Second,
	)

	s := server.NewMCPServer("test", "0.1.0", server.WithToolCapabilities(true))
	RegisterTools(s, pipeline, reg, limiter, nil)
	return s
}

func TestE2E_RunQuery(t *testing.T) {
	s := setupE2E(t, 10)

	result := callTool(t, s, "run_query", map[string]any{
		"template_id": "sales_by_date_range",
		"caller_id":   "e2e-user",
		"parameters": map[string]any{
			"start_date": "2025-01-01",
			"end_date":   "2025-01-31",
		},
	})
	require.False(t, result.IsError, toolText(result))

	var resp runQueryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 100, resp.RowCount, "default limit caps the result")
	assert.Equal(t, "line", resp.ChartType)
}

func TestE2E_RunQuery_LimitClamped(t *testing.T) {
	s := setupE2E(t, 10)

	result := callTool(t, s, "run_query", map[string]any{
		"template_id": "sales_by_date_range",
		"caller_id":   "e2e-user",
		"parameters": map[string]any{
			"start_date": "2025-01-01",
			"end_date":   "2025-01-31",
		},
		"limit": 5000,
	})
	require.False(t, result.IsError, toolText(result))

	var resp runQueryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &resp))
	assert.LessOrEqual(t, resp.RowCount, 1000)
}

func TestE2E_RateLimitExhaustion(t *testing.T) {
	s := setupE2E(t, 2)

	args := map[string]any{
		"template_id": "sales_by_date_range",
		"caller_id":   "greedy-user",
		"parameters": map[string]any{
			"start_date": "2025-01-01",
			"end_date":   "2025-01-02",
		},
	}

	for i := 0; i < 2; i++ {
		result := callTool(t, s, "run_query", args)
		require.False(t, result.IsError, toolText(result))
	}

	result := callTool(t, s, "run_query", args)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "wait")
}

func TestE2E_BadParameterNeverExecutes(t *testing.T) {
	s := setupE2E(t, 10)

	result := callTool(t, s, "run_query", map[string]any{
		"template_id": "sales_by_date_range",
		"caller_id":   "e2e-user",
		"parameters": map[string]any{
			"start_date": "'; DROP TABLE sales_transactions; --",
			"end_date":   "2025-01-31",
		},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "start_date")
}
