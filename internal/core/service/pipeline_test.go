package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
)

type fakeRegistry struct {
	templates map[string]*domain.QueryTemplate
}

func (r *fakeRegistry) Load(id string) (*domain.QueryTemplate, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, nil
}

func (r *fakeRegistry) LoadAll() map[string]*domain.QueryTemplate { return r.templates }

func (r *fakeRegistry) IDs() []string {
	out := make([]string, 0, len(r.templates))
	for id := range r.templates {
		out = append(out, id)
	}
	return out
}

func (r *fakeRegistry) ByCategory(domain.Category) []domain.TemplateMetadata { return nil }
func (r *fakeRegistry) Search(string) []domain.TemplateMetadata              { return nil }
func (r *fakeRegistry) Reload(context.Context) (int, error)                  { return len(r.templates), nil }

type fakeLimiter struct {
	remaining int
	err       error
	calls     int
}

func (l *fakeLimiter) Allow(string) (int, error) {
	l.calls++
	return l.remaining, l.err
}

func (l *fakeLimiter) Status(string) port.RateLimitStatus { return port.RateLimitStatus{} }
func (l *fakeLimiter) Reset(string)                       {}

type fakeExecutor struct {
	rows    []map[string]any
	err     error
	gotSQL  string
	timeout time.Duration
	calls   int
}

func (e *fakeExecutor) Execute(_ context.Context, sql string, timeout time.Duration) ([]map[string]any, error) {
	e.calls++
	e.gotSQL = sql
	e.timeout = timeout
	return e.rows, e.err
}

type recordingAuditor struct {
	entries []port.AuditEntry
}

func (a *recordingAuditor) Record(_ context.Context, entry port.AuditEntry) {
	a.entries = append(a.entries, entry)
}

func (a *recordingAuditor) Close() error { return nil }

func (a *recordingAuditor) byEvent(event string) []port.AuditEntry {
	var out []port.AuditEntry
	for _, e := range a.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type testPipeline struct {
	pipeline *Pipeline
	limiter  *fakeLimiter
	executor *fakeExecutor
	auditor  *recordingAuditor
}

func newTestPipeline(t *testing.T, rows []map[string]any) *testPipeline {
	t.Helper()
	reqTrue := true
	reqFalse := false
	registry := &fakeRegistry{templates: map[string]*domain.QueryTemplate{
		"sales_by_date_range": {
			ID:           "sales_by_date_range",
			Description:  "Revenue per day over a date range",
			Category:     domain.CategorySales,
			SQLStructure: "SELECT date, revenue FROM sales_transactions WHERE date BETWEEN {start_date} AND {end_date}",
			Parameters: []domain.ParameterDefinition{
				{Name: "start_date", Type: domain.ParamDate, Required: true},
				{Name: "end_date", Type: domain.ParamDate, Required: true},
			},
			WhitelistedTables: []string{"sales_transactions"},
			ChartType:         "line",
			RequiresLimit:     &reqTrue,
		},
		"total_revenue": {
			ID:                "total_revenue",
			Description:       "Total revenue over all time",
			Category:          domain.CategorySales,
			SQLStructure:      "SELECT SUM(revenue) AS total FROM sales_transactions",
			Parameters:        []domain.ParameterDefinition{},
			WhitelistedTables: []string{"sales_transactions"},
			ChartType:         "number",
			RequiresLimit:     &reqFalse,
		},
		"slow_report": {
			ID:                "slow_report",
			Description:       "Heavy report with its own timeout",
			Category:          domain.CategorySales,
			SQLStructure:      "SELECT date FROM sales_transactions",
			Parameters:        []domain.ParameterDefinition{},
			WhitelistedTables: []string{"sales_transactions"},
			ChartType:         "table",
			TimeoutSeconds:    5,
		},
	}}

	limiter := &fakeLimiter{remaining: 9}
	executor := &fakeExecutor{rows: rows}
	auditor := &recordingAuditor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := NewPipeline(
		registry,
		limiter,
		domain.NewStructuralValidator(nil),
		domain.NewWhitelistValidator([]string{"sales_transactions", "website_visits"}, false),
		domain.NewLimitEnforcer(100, 1000),
		executor,
		auditor,
		logger,
		nil,
		nil,
		30*time.Second,
	)
	return &testPipeline{pipeline: p, limiter: limiter, executor: executor, auditor: auditor}
}

func salesRequest() Request {
	return Request{
		CallerID:   "caller-1",
		TemplateID: "sales_by_date_range",
		Parameters: map[string]any{"start_date": "2025-01-01", "end_date": "2025-01-31"},
	}
}

func TestPipeline_SuccessfulRun(t *testing.T) {
	t.Parallel()
	rows := []map[string]any{
		{"date": "2025-01-01", "revenue": 100.0},
		{"date": "2025-01-02", "revenue": 250.0},
	}
	tp := newTestPipeline(t, rows)

	res, err := tp.pipeline.Process(context.Background(), salesRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, "line", res.ChartType)
	assert.Equal(t, 9, res.Remaining)
	assert.Equal(t,
		"SELECT date, revenue FROM sales_transactions WHERE date BETWEEN '2025-01-01' AND '2025-01-31' LIMIT 100",
		tp.executor.gotSQL,
	)

	execs := tp.auditor.byEvent("query_execution")
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Success)
	assert.Equal(t, 2, execs[0].RowCount)
	assert.Equal(t, res.RowCount, execs[0].RowCount)
	assert.NotEmpty(t, execs[0].RequestID)
}

func TestPipeline_RateLimitShortCircuits(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)
	tp.limiter.err = &domain.RateLimitError{Limit: 10, WaitSeconds: 30}

	_, err := tp.pipeline.Process(context.Background(), salesRequest())
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageRateLimit, pipeErr.Stage)
	assert.Contains(t, pipeErr.UserMessage, "30 seconds")

	assert.Zero(t, tp.executor.calls)
	require.Len(t, tp.auditor.byEvent("rate_limit_exceeded"), 1)
	assert.Empty(t, tp.auditor.byEvent("query_execution"))
}

func TestPipeline_UnknownTemplate(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	req := salesRequest()
	req.TemplateID = "nope"
	_, err := tp.pipeline.Process(context.Background(), req)
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageTemplate, pipeErr.Stage)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	assert.Zero(t, tp.executor.calls)
}

func TestPipeline_BadParameterNeverReachesExecutor(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	req := salesRequest()
	req.Parameters["start_date"] = "'; DROP TABLE sales_transactions; --"
	_, err := tp.pipeline.Process(context.Background(), req)
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageParams, pipeErr.Stage)
	assert.Zero(t, tp.executor.calls)

	rejections := tp.auditor.byEvent("validation_failure")
	require.Len(t, rejections, 1)
	assert.Equal(t, string(domain.StageParams), rejections[0].Stage)
	assert.False(t, rejections[0].Success)
}

func TestPipeline_PolicyColumnsApplyWhenTemplateDeclaresNone(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{templates: map[string]*domain.QueryTemplate{
		"sales_by_date_range": {
			ID:           "sales_by_date_range",
			Category:     domain.CategorySales,
			SQLStructure: "SELECT date, revenue FROM sales_transactions WHERE date BETWEEN {start_date} AND {end_date}",
			Parameters: []domain.ParameterDefinition{
				{Name: "start_date", Type: domain.ParamDate, Required: true},
				{Name: "end_date", Type: domain.ParamDate, Required: true},
			},
			WhitelistedTables: []string{"sales_transactions"},
			ChartType:         "line",
		},
	}}
	validator := domain.NewWhitelistValidator([]string{"sales_transactions"}, true)
	validator.SetTableColumns(map[string][]string{"sales_transactions": {"date"}})
	executor := &fakeExecutor{}
	auditor := &recordingAuditor{}
	p := NewPipeline(
		registry,
		&fakeLimiter{remaining: 9},
		domain.NewStructuralValidator(nil),
		validator,
		domain.NewLimitEnforcer(100, 1000),
		executor,
		auditor,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		nil,
		nil,
		30*time.Second,
	)

	// The template names no columns of its own, so the deployment lists
	// govern: revenue is not among them.
	_, err := p.Process(context.Background(), salesRequest())
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageWhitelist, pipeErr.Stage)
	var wlErr *domain.WhitelistError
	require.ErrorAs(t, err, &wlErr)
	assert.Equal(t, []string{"revenue"}, wlErr.Names)
	assert.Zero(t, executor.calls)

	validator.SetTableColumns(map[string][]string{"sales_transactions": {"date", "revenue"}})
	_, err = p.Process(context.Background(), salesRequest())
	assert.NoError(t, err)
}

func TestPipeline_AggregateSkipsLimit(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, []map[string]any{{"total": 12345.0}})

	res, err := tp.pipeline.Process(context.Background(), Request{
		CallerID:   "caller-1",
		TemplateID: "total_revenue",
		Parameters: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, "SELECT SUM(revenue) AS total FROM sales_transactions", tp.executor.gotSQL)
}

func TestPipeline_RequestedLimitClamped(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	req := salesRequest()
	req.RequestedLimit = 5000
	_, err := tp.pipeline.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, tp.executor.gotSQL, "LIMIT 1000")

	adjustments := tp.auditor.byEvent("limit_adjusted")
	require.Len(t, adjustments, 1)
	assert.True(t, adjustments[0].Success)
}

func TestPipeline_NegativeLimitRejected(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	req := salesRequest()
	req.RequestedLimit = -5
	_, err := tp.pipeline.Process(context.Background(), req)
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageLimit, pipeErr.Stage)
	assert.Zero(t, tp.executor.calls)
}

func TestPipeline_TemplateTimeoutOverride(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	_, err := tp.pipeline.Process(context.Background(), Request{
		CallerID:   "caller-1",
		TemplateID: "slow_report",
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tp.executor.timeout)
}

func TestPipeline_DefaultTimeout(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	_, err := tp.pipeline.Process(context.Background(), salesRequest())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, tp.executor.timeout)
}

func TestPipeline_ExecutionFailureAudited(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)
	tp.executor.err = errors.New("connection reset")

	_, err := tp.pipeline.Process(context.Background(), salesRequest())
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, domain.StageExecution, pipeErr.Stage)

	execs := tp.auditor.byEvent("query_execution")
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)
}

func TestPipeline_TimeoutUserMessage(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)
	tp.executor.err = domain.ErrTimedOut

	_, err := tp.pipeline.Process(context.Background(), salesRequest())
	var pipeErr *domain.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Contains(t, pipeErr.UserMessage, "shorter time period")
}

func TestPipeline_StageOrderAudited(t *testing.T) {
	t.Parallel()
	tp := newTestPipeline(t, nil)

	_, err := tp.pipeline.Process(context.Background(), salesRequest())
	require.NoError(t, err)

	var stages []string
	for _, e := range tp.auditor.byEvent("pipeline_stage") {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{
		"rate_limit",
		"template_lookup",
		"parameter_validation",
		"sql_render",
		"sql_validation",
		"whitelist_validation",
		"limit_enforcement",
	}, stages)
}
