// Package mcp exposes the query pipeline as MCP tools.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/vergil-db/vergil/internal/core/port"
	"github.com/vergil-db/vergil/internal/core/service"
	"go.opentelemetry.io/otel/trace"
)

// NewServer creates an MCPServer with tools and logging hooks. tableDocs
// carries the policy file's table descriptions for discovery responses; nil
// when no policy file is configured.
func NewServer(version string, pipeline *service.Pipeline, registry port.TemplateRegistry, limiter port.RateLimiter, tableDocs map[string]string, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)

	RegisterTools(s, pipeline, registry, limiter, tableDocs)

	return s
}
