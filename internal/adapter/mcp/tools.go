package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
	"github.com/vergil-db/vergil/internal/core/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "vergil"

// Tool descriptions
const (
	descRunQuery = "Run a vetted analytics query template with extracted parameter values and return rows as a JSON array. " +
		"Templates are the only way to reach the database: free-form SQL is not accepted. " +
		"Use list_templates to discover templates and describe_template to see which parameters one needs. " +
		"Queries are rate-limited per caller; a rejected call explains what to try next."

	descRunQueryTemplateID = "Identifier of the template to run (see list_templates)"
	descRunQueryParams     = "Object mapping parameter names to extracted values, e.g. {\"start_date\":\"2024-01-01\"}"
	descRunQueryCallerID   = "Stable identifier of the end user asking the question, used for rate limiting and audit"
	descRunQueryLimit      = "Optional row limit; values above the server maximum are clamped, not rejected"

	descListTemplates = "List available query templates with description, category (sales, traffic, conversion), " +
		"chart type, and example questions. Filter by category or search descriptions and examples by keyword. " +
		"Use this to pick the template that best matches the user's question."

	descDescribeTemplate = "Describe one template: its parameters with types, required flags, and validation rules " +
		"(allowed values, ranges, patterns), plus the tables it reads and its chart type. " +
		"Call this before run_query to learn exactly which parameter values to extract."

	descReloadTemplates = "Re-read and re-validate the template library from disk, swapping the registry atomically. " +
		"Templates that fail validation are excluded and logged. Returns the number of templates installed."

	descRateLimitStatus = "Report a caller's sliding-window quota: queries used, queries remaining, and window size. " +
		"Use this to warn users before they hit the limit."
)

// describeResponse is the wire form of describe_template. TableDescriptions
// carries the policy file's business descriptions for the tables the template
// reads, when the operator provided any.
type describeResponse struct {
	TemplateID        string                       `json:"template_id"`
	Description       string                       `json:"description"`
	Category          domain.Category              `json:"category"`
	Parameters        []domain.ParameterDefinition `json:"parameters"`
	WhitelistedTables []string                     `json:"whitelisted_tables"`
	TableDescriptions map[string]string            `json:"table_descriptions,omitempty"`
	ChartType         string                       `json:"chart_type"`
	ExampleQuestions  []string                     `json:"example_questions,omitempty"`
}

// runQueryResponse is the wire form of run_query.
type runQueryResponse struct {
	Success    bool             `json:"success"`
	Rows       []map[string]any `json:"rows,omitempty"`
	RowCount   int              `json:"row_count"`
	ChartType  string           `json:"chart_type,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	Remaining  int              `json:"rate_limit_remaining"`
}

func RegisterTools(s *server.MCPServer, pipeline *service.Pipeline, registry port.TemplateRegistry, limiter port.RateLimiter, tableDocs map[string]string) {
	s.AddTool(
		mcp.NewTool("run_query",
			mcp.WithDescription(descRunQuery),
			mcp.WithString("template_id",
				mcp.Required(),
				mcp.Description(descRunQueryTemplateID),
			),
			mcp.WithObject("parameters",
				mcp.Description(descRunQueryParams),
			),
			mcp.WithString("caller_id",
				mcp.Required(),
				mcp.Description(descRunQueryCallerID),
			),
			mcp.WithNumber("limit",
				mcp.Description(descRunQueryLimit),
			),
		),
		runQueryHandler(pipeline),
	)

	s.AddTool(
		mcp.NewTool("list_templates",
			mcp.WithDescription(descListTemplates),
			mcp.WithString("category",
				mcp.Description("Filter by category: sales, traffic, or conversion"),
			),
			mcp.WithString("search",
				mcp.Description("Keyword to match against descriptions and example questions"),
			),
		),
		listTemplatesHandler(registry),
	)

	s.AddTool(
		mcp.NewTool("describe_template",
			mcp.WithDescription(descDescribeTemplate),
			mcp.WithString("template_id",
				mcp.Required(),
				mcp.Description("Identifier of the template to describe"),
			),
		),
		describeTemplateHandler(registry, tableDocs),
	)

	s.AddTool(
		mcp.NewTool("reload_templates",
			mcp.WithDescription(descReloadTemplates),
		),
		reloadTemplatesHandler(registry),
	)

	s.AddTool(
		mcp.NewTool("rate_limit_status",
			mcp.WithDescription(descRateLimitStatus),
			mcp.WithString("caller_id",
				mcp.Required(),
				mcp.Description("Caller to report quota for"),
			),
		),
		rateLimitStatusHandler(limiter),
	)
}

func runQueryHandler(pipeline *service.Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		templateID, ok := args["template_id"].(string)
		if !ok || templateID == "" {
			return mcp.NewToolResultError("template_id is required"), nil
		}
		callerID, ok := args["caller_id"].(string)
		if !ok || callerID == "" {
			return mcp.NewToolResultError("caller_id is required"), nil
		}
		params, _ := args["parameters"].(map[string]any)

		limit := 0
		if n, ok := args["limit"].(float64); ok {
			limit = int(n)
		}

		result, err := pipeline.Process(ctx, service.Request{
			CallerID:       callerID,
			TemplateID:     templateID,
			Parameters:     params,
			RequestedLimit: limit,
		})
		if err != nil {
			// Only the user-safe phrasing crosses the transport; the cause
			// stays in logs and the audit trail.
			var pipeErr *domain.PipelineError
			if errors.As(err, &pipeErr) {
				return mcp.NewToolResultError(pipeErr.UserMessage), nil
			}
			return mcp.NewToolResultError("I couldn't process that question. Please try rephrasing it."), nil
		}

		data, err := json.Marshal(runQueryResponse{
			Success:    true,
			Rows:       result.Rows,
			RowCount:   result.RowCount,
			ChartType:  result.ChartType,
			DurationMS: result.Duration.Milliseconds(),
			Remaining:  result.Remaining,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func listTemplatesHandler(registry port.TemplateRegistry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		var metas []domain.TemplateMetadata
		if search, _ := args["search"].(string); search != "" {
			metas = registry.Search(search)
		} else if category, _ := args["category"].(string); category != "" {
			if !domain.ValidCategories[domain.Category(category)] {
				return mcp.NewToolResultError(fmt.Sprintf("unknown category %q: must be sales, traffic, or conversion", category)), nil
			}
			metas = registry.ByCategory(domain.Category(category))
		} else {
			all := registry.LoadAll()
			for _, id := range registry.IDs() {
				metas = append(metas, all[id].Metadata())
			}
		}

		data, err := json.Marshal(metas)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func describeTemplateHandler(registry port.TemplateRegistry, tableDocs map[string]string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		templateID, ok := request.GetArguments()["template_id"].(string)
		if !ok || templateID == "" {
			return mcp.NewToolResultError("template_id is required"), nil
		}

		tmpl, err := registry.Load(templateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template %q not found", templateID)), nil
		}

		var docs map[string]string
		for _, table := range tmpl.WhitelistedTables {
			if desc, ok := tableDocs[table]; ok && desc != "" {
				if docs == nil {
					docs = make(map[string]string)
				}
				docs[table] = desc
			}
		}

		data, err := json.Marshal(describeResponse{
			TemplateID:        tmpl.ID,
			Description:       tmpl.Description,
			Category:          tmpl.Category,
			Parameters:        tmpl.Parameters,
			WhitelistedTables: tmpl.WhitelistedTables,
			TableDescriptions: docs,
			ChartType:         tmpl.ChartType,
			ExampleQuestions:  tmpl.ExampleQuestions,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func reloadTemplatesHandler(registry port.TemplateRegistry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		count, err := registry.Reload(ctx)
		if err != nil {
			return mcp.NewToolResultError("template reload failed; the previous registry is still active"), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"templates_loaded":%d}`, count)), nil
	}
}

func rateLimitStatusHandler(limiter port.RateLimiter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callerID, ok := request.GetArguments()["caller_id"].(string)
		if !ok || callerID == "" {
			return mcp.NewToolResultError("caller_id is required"), nil
		}

		data, err := json.Marshal(limiter.Status(callerID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
