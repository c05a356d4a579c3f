package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/vergil-db/vergil"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	QueryCount      metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	QueryErrors     metric.Int64Counter
	StageRejections metric.Int64Counter
	RateLimited     metric.Int64Counter
	ToolDuration    metric.Float64Histogram
}

// NewInstruments creates metric instruments from the global MeterProvider.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	queryCount, _ := meter.Int64Counter("vergil.query.count",
		metric.WithDescription("Total number of template queries executed"),
	)
	queryDuration, _ := meter.Float64Histogram("vergil.query.duration",
		metric.WithDescription("SQL execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	queryErrors, _ := meter.Int64Counter("vergil.query.errors",
		metric.WithDescription("Total number of failed SQL executions"),
	)
	stageRejections, _ := meter.Int64Counter("vergil.pipeline.rejections",
		metric.WithDescription("Pipeline stage rejections, by stage"),
	)
	rateLimited, _ := meter.Int64Counter("vergil.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	toolDuration, _ := meter.Float64Histogram("vergil.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		QueryCount:      queryCount,
		QueryDuration:   queryDuration,
		QueryErrors:     queryErrors,
		StageRejections: stageRejections,
		RateLimited:     rateLimited,
		ToolDuration:    toolDuration,
	}
}

func (i *Instruments) RecordQueryDuration(ctx context.Context, ms float64) {
	i.QueryDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementQueryCount(ctx context.Context) {
	i.QueryCount.Add(ctx, 1)
}

func (i *Instruments) IncrementQueryErrors(ctx context.Context) {
	i.QueryErrors.Add(ctx, 1)
}

func (i *Instruments) IncrementStageRejections(ctx context.Context, stage string) {
	i.StageRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (i *Instruments) IncrementRateLimited(ctx context.Context) {
	i.RateLimited.Add(ctx, 1)
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}
