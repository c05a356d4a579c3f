package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Request is one query attempt from a caller. Parameters are the raw values
// the NLU layer extracted — untrusted until validation.
type Request struct {
	CallerID       string
	TemplateID     string
	Parameters     map[string]any
	RequestedLimit int
}

// Result is a successful pipeline run.
type Result struct {
	Rows      []map[string]any
	RowCount  int
	ChartType string
	Duration  time.Duration
	Remaining int // rate-limit quota left in the current window
}

// Pipeline sequences the query-safety stages in fixed order: rate check,
// template lookup, parameter validation, placeholder substitution, structural
// validation, whitelist validation, limit injection, execution. Any stage
// failure short-circuits; no SQL is ever executed after a failed validation.
type Pipeline struct {
	registry       port.TemplateRegistry
	limiter        port.RateLimiter
	sqlValidator   port.SQLValidator
	tableValidator port.TableValidator
	limits         port.LimitEnforcer
	executor       port.QueryExecutor
	auditor        port.Auditor
	logger         *slog.Logger
	tracer         trace.Tracer
	inst           port.Instrumentation
	defaultTimeout time.Duration
}

func NewPipeline(
	registry port.TemplateRegistry,
	limiter port.RateLimiter,
	sqlValidator port.SQLValidator,
	tableValidator port.TableValidator,
	limits port.LimitEnforcer,
	executor port.QueryExecutor,
	auditor port.Auditor,
	logger *slog.Logger,
	tracer trace.Tracer,
	inst port.Instrumentation,
	defaultTimeout time.Duration,
) *Pipeline {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &Pipeline{
		registry:       registry,
		limiter:        limiter,
		sqlValidator:   sqlValidator,
		tableValidator: tableValidator,
		limits:         limits,
		executor:       executor,
		auditor:        auditor,
		logger:         logger,
		tracer:         tracer,
		inst:           inst,
		defaultTimeout: defaultTimeout,
	}
}

// Process runs req through every stage. On failure the returned error is a
// *domain.PipelineError whose UserMessage is safe to show the caller; the
// cause lands only in logs and the audit trail.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Process",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("template.id", req.TemplateID),
		),
	)
	defer span.End()

	requestID := uuid.NewString()
	run := &pipelineRun{p: p, ctx: ctx, span: span, requestID: requestID, req: req, start: time.Now()}

	// Stage 1: rate limit.
	remaining, err := p.limiter.Allow(req.CallerID)
	if err != nil {
		p.inst.IncrementRateLimited(ctx)
		return nil, run.reject(domain.StageRateLimit, "rate_limit_exceeded", err)
	}
	run.stageOK(domain.StageRateLimit)

	// Stage 2: template lookup.
	tmpl, err := p.registry.Load(req.TemplateID)
	if err != nil {
		return nil, run.reject(domain.StageTemplate, "validation_failure", err)
	}
	run.stageOK(domain.StageTemplate)

	// Stage 3: parameter validation (all-or-nothing).
	params, err := domain.ValidateParams(tmpl.Parameters, req.Parameters)
	if err != nil {
		return nil, run.reject(domain.StageParams, "validation_failure", err)
	}
	run.params = params.Plain()
	run.stageOK(domain.StageParams)

	// Stage 4: placeholder substitution.
	sql, err := tmpl.RenderSQL(params)
	if err != nil {
		return nil, run.reject(domain.StageRender, "validation_failure", err)
	}
	run.stageOK(domain.StageRender)

	// Stage 5: structural validation of the substituted text.
	if err := p.sqlValidator.Validate(sql); err != nil {
		return nil, run.reject(domain.StageSQL, "validation_failure", err)
	}
	run.stageOK(domain.StageSQL)

	// Stage 6: whitelist validation.
	if err := p.tableValidator.ValidateTables(sql, tmpl.WhitelistedTables); err != nil {
		return nil, run.reject(domain.StageWhitelist, "validation_failure", err)
	}
	if p.tableValidator.ColumnsEnforced() {
		allowedColumns := tmpl.WhitelistedColumns
		if len(allowedColumns) == 0 {
			// Template declares no column list; the policy file's per-table
			// lists for the tables it reads apply instead.
			allowedColumns = p.tableValidator.ColumnsForTables(tmpl.WhitelistedTables)
		}
		if len(allowedColumns) > 0 {
			if err := p.tableValidator.ValidateColumns(sql, allowedColumns); err != nil {
				return nil, run.reject(domain.StageWhitelist, "validation_failure", err)
			}
		}
	}
	run.stageOK(domain.StageWhitelist)

	// Stage 7: limit enforcement. An over-maximum request is clamped, not
	// rejected; the adjustment is audited as info.
	if req.RequestedLimit != 0 {
		if ok, _, note := p.limits.ValidateLimit(req.RequestedLimit); ok && note != "" {
			run.info("limit_adjusted", note)
		} else if !ok {
			return nil, run.reject(domain.StageLimit, "validation_failure",
				&domain.ParamError{Name: "limit", Reason: note})
		}
	}
	sql = p.limits.Inject(sql, req.RequestedLimit, tmpl.NeedsLimit())
	run.stageOK(domain.StageLimit)

	// Stage 8: execution.
	timeout := p.defaultTimeout
	if tmpl.TimeoutSeconds > 0 {
		timeout = time.Duration(tmpl.TimeoutSeconds) * time.Second
	}
	execStart := time.Now()
	rows, err := p.executor.Execute(ctx, sql, timeout)
	execDuration := time.Since(execStart)
	p.inst.RecordQueryDuration(ctx, float64(execDuration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, run.rejectExec(err, execDuration)
	}

	p.inst.IncrementQueryCount(ctx)
	span.SetAttributes(attribute.Int("db.response.rows", len(rows)))

	p.auditor.Record(ctx, port.AuditEntry{
		Event:           "query_execution",
		RequestID:       requestID,
		CallerID:        req.CallerID,
		TemplateID:      req.TemplateID,
		Stage:           string(domain.StageExecution),
		Parameters:      run.params,
		ExecutionTimeMS: execDuration.Milliseconds(),
		RowCount:        len(rows),
		Success:         true,
	})

	return &Result{
		Rows:      rows,
		RowCount:  len(rows),
		ChartType: tmpl.ChartType,
		Duration:  time.Since(run.start),
		Remaining: remaining,
	}, nil
}

// pipelineRun carries per-request audit state through the stages.
type pipelineRun struct {
	p         *Pipeline
	ctx       context.Context
	span      trace.Span
	requestID string
	req       Request
	params    map[string]any
	start     time.Time
}

func (r *pipelineRun) stageOK(stage domain.Stage) {
	r.p.auditor.Record(r.ctx, port.AuditEntry{
		Event:      "pipeline_stage",
		RequestID:  r.requestID,
		CallerID:   r.req.CallerID,
		TemplateID: r.req.TemplateID,
		Stage:      string(stage),
		Parameters: r.params,
		Success:    true,
	})
}

func (r *pipelineRun) info(event, detail string) {
	r.p.auditor.Record(r.ctx, port.AuditEntry{
		Event:      event,
		RequestID:  r.requestID,
		CallerID:   r.req.CallerID,
		TemplateID: r.req.TemplateID,
		Stage:      string(domain.StageLimit),
		Parameters: map[string]any{"detail": detail},
		Success:    true,
	})
}

func (r *pipelineRun) reject(stage domain.Stage, event string, cause error) error {
	r.p.logger.WarnContext(r.ctx, "pipeline stage rejected",
		slog.String("stage", string(stage)),
		slog.String("template_id", r.req.TemplateID),
		slog.String("caller_id", r.req.CallerID),
		slog.String("error", cause.Error()),
	)
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, cause.Error())
	r.p.inst.IncrementStageRejections(r.ctx, string(stage))

	r.p.auditor.Record(r.ctx, port.AuditEntry{
		Event:      event,
		RequestID:  r.requestID,
		CallerID:   r.req.CallerID,
		TemplateID: r.req.TemplateID,
		Stage:      string(stage),
		Parameters: r.params,
		Success:    false,
		Err:        cause,
	})
	return domain.NewPipelineError(stage, cause)
}

func (r *pipelineRun) rejectExec(cause error, execDuration time.Duration) error {
	r.p.logger.ErrorContext(r.ctx, "query execution failed",
		slog.String("template_id", r.req.TemplateID),
		slog.String("caller_id", r.req.CallerID),
		slog.Duration("duration", execDuration),
		slog.String("error", cause.Error()),
	)
	r.p.inst.IncrementQueryErrors(r.ctx)

	r.p.auditor.Record(r.ctx, port.AuditEntry{
		Event:           "query_execution",
		RequestID:       r.requestID,
		CallerID:        r.req.CallerID,
		TemplateID:      r.req.TemplateID,
		Stage:           string(domain.StageExecution),
		Parameters:      r.params,
		ExecutionTimeMS: execDuration.Milliseconds(),
		Success:         false,
		Err:             cause,
	})
	return domain.NewPipelineError(domain.StageExecution, cause)
}
