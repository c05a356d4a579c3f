package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vergil-db/vergil/internal/adapter/mcp"
	"github.com/vergil-db/vergil/internal/adapter/policy"
	"github.com/vergil-db/vergil/internal/adapter/postgres"
	"github.com/vergil-db/vergil/internal/audit"
	"github.com/vergil-db/vergil/internal/config"
	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
	"github.com/vergil-db/vergil/internal/core/service"
	"github.com/vergil-db/vergil/internal/ratelimit"
	"github.com/vergil-db/vergil/internal/registry"
	"github.com/vergil-db/vergil/internal/telemetry"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var version = "dev"

const (
	rateWindow    = time.Minute
	sweepInterval = 5 * time.Minute
)

func main() {
	overrides, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(overrides); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (config.Overrides, error) {
	fs := flag.NewFlagSet("vergil", flag.ContinueOnError)

	databaseURL := fs.String("database-url", "", "database connection URL (overrides DATABASE_URL)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	queryTimeout := fs.Duration("query-timeout", 0, "statement timeout (overrides QUERY_TIMEOUT_SECONDS)")
	defaultRowLimit := fs.Int("default-row-limit", 0, "row limit injected when a query has none")
	maxRowLimit := fs.Int("max-row-limit", 0, "hard ceiling on any row limit")
	rateLimit := fs.Int("rate-limit", 0, "queries per caller per minute")
	templateDir := fs.String("template-dir", "", "directory of query template JSON files")
	policyFile := fs.String("policy-file", "", "path to YAML safety policy file")
	transport := fs.String("transport", "", "transport: stdio or http")
	httpAddr := fs.String("http-addr", "", "listen address for HTTP transport")
	httpBearerToken := fs.String("http-bearer-token", "", "bearer token required by the HTTP transport")
	enforceColumns := fs.Bool("enforce-columns", false, "enable column-level whitelist checks")
	otelEnabled := fs.Bool("otel", false, "enable OpenTelemetry tracing and metrics")
	auditLog := fs.String("audit-log", "", "path to NDJSON audit log file")
	poolMaxConns := fs.Int("pool-max-conns", 0, "maximum pooled connections")
	poolMinConns := fs.Int("pool-min-conns", -1, "minimum pooled connections")
	poolMaxConnLifetime := fs.Duration("pool-max-conn-lifetime", 0, "maximum connection lifetime")

	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}

	o := config.Overrides{
		EnforceColumns: *enforceColumns,
		OTelEnabled:    *otelEnabled,
		AuditLog:       *auditLog,
	}
	if *databaseURL != "" {
		o.DatabaseURL = databaseURL
	}
	if *logLevel != "" {
		o.LogLevel = logLevel
	}
	if *queryTimeout != 0 {
		o.QueryTimeout = queryTimeout
	}
	if *defaultRowLimit != 0 {
		o.DefaultRowLimit = defaultRowLimit
	}
	if *maxRowLimit != 0 {
		o.MaxRowLimit = maxRowLimit
	}
	if *rateLimit != 0 {
		o.RateLimitPerMinute = rateLimit
	}
	if *templateDir != "" {
		o.TemplateDir = templateDir
	}
	if *policyFile != "" {
		o.PolicyFile = policyFile
	}
	if *transport != "" {
		o.Transport = transport
	}
	if *httpAddr != "" {
		o.HTTPAddr = httpAddr
	}
	if *httpBearerToken != "" {
		o.HTTPBearerToken = httpBearerToken
	}
	if *poolMaxConns != 0 {
		n := int32(*poolMaxConns)
		o.PoolMaxConns = &n
	}
	if *poolMinConns >= 0 {
		n := int32(*poolMinConns)
		o.PoolMinConns = &n
	}
	if *poolMaxConnLifetime != 0 {
		o.PoolMaxConnLifetime = poolMaxConnLifetime
	}
	return o, nil
}

func run(overrides config.Overrides) error {
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr — stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting vergil",
		slog.String("version", version),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.String("query_timeout", cfg.QueryTimeout.String()),
		slog.Int("default_row_limit", cfg.DefaultRowLimit),
		slog.Int("max_row_limit", cfg.MaxRowLimit),
		slog.Int("rate_limit_per_minute", cfg.RateLimitPerMinute),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Observability (optional).
	var tracer trace.Tracer
	var inst port.Instrumentation
	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, "vergil", version)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
		tracer = otel.Tracer("vergil")
		inst = telemetry.NewInstruments()
	} else {
		tracer = telemetry.NoopTracer()
		inst = telemetry.NoopInstruments()
	}

	// Safety policy file (optional) extends the env-derived lists and
	// supplies per-table column allow-lists and business descriptions.
	whitelist := cfg.WhitelistedTables
	blocked := cfg.BlockedKeywords
	var policyColumns map[string][]string
	var tableDocs map[string]string
	if cfg.PolicyFile != "" {
		pol, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		whitelist = append(whitelist, pol.TableNames()...)
		blocked = append(blocked, pol.BlockedKeywords...)
		policyColumns = make(map[string][]string, len(pol.Tables))
		tableDocs = make(map[string]string, len(pol.Tables))
		for _, name := range pol.TableNames() {
			if cols := pol.ColumnsFor(name); len(cols) > 0 {
				policyColumns[name] = cols
			}
			if desc := pol.Tables[name].Description; desc != "" {
				tableDocs[name] = desc
			}
		}
		logger.Info("policy loaded",
			slog.String("file", cfg.PolicyFile),
			slog.Int("tables", len(pol.Tables)),
		)
	}

	// Audit sink.
	var auditor port.Auditor = audit.NoopAuditor{}
	if cfg.AuditLog != "" {
		fa, err := audit.NewFileAuditor(cfg.AuditLog)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer fa.Close()
		auditor = fa
		logger.Info("audit log enabled", slog.String("file", cfg.AuditLog))
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxConns:        cfg.PoolMaxConns,
		MinConns:        cfg.PoolMinConns,
		MaxConnLifetime: cfg.PoolMaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logger.Info("database pool connected",
		slog.String("db.system", "postgresql"),
		slog.String("dsn", redactDSN(cfg.DatabaseURL)),
	)

	// Domain validators.
	tableValidator := domain.NewWhitelistValidator(whitelist, cfg.EnforceColumns)
	if len(policyColumns) > 0 {
		tableValidator.SetTableColumns(policyColumns)
	}
	sqlValidator := domain.NewStructuralValidator(blocked)
	limits := domain.NewLimitEnforcer(cfg.DefaultRowLimit, cfg.MaxRowLimit)

	// Template registry.
	reg, err := registry.New(cfg.TemplateDir, tableValidator, auditor, logger)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	logger.Info("template registry loaded",
		slog.String("dir", cfg.TemplateDir),
		slog.Int("templates", len(reg.IDs())),
	)

	// Rate limiter with background sweep.
	limiter := ratelimit.NewSlidingWindow(cfg.RateLimitPerMinute, rateWindow)
	go limiter.Run(ctx, sweepInterval)

	executor := postgres.NewExecutor(pool, cfg.QueryTimeout)

	pipeline := service.NewPipeline(
		reg, limiter, sqlValidator, tableValidator, limits,
		executor, auditor, logger, tracer, inst, cfg.QueryTimeout,
	)

	mcpServer := mcp.NewServer(version, pipeline, reg, limiter, tableDocs, logger, tracer, inst)

	switch cfg.Transport {
	case "http":
		return serveHTTP(ctx, mcpServer, cfg, logger)
	default:
		return serveStdio(ctx, mcpServer, logger)
	}
}

func serveStdio(ctx context.Context, s *mcpserver.MCPServer, logger *slog.Logger) error {
	stdioServer := mcpserver.NewStdioServer(s)

	logger.Info("serving MCP over stdio")
	if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func serveHTTP(ctx context.Context, s *mcpserver.MCPServer, cfg *config.Config, logger *slog.Logger) error {
	streamable := mcpserver.NewStreamableHTTPServer(s)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/mcp", bearerAuthMiddleware(streamable, cfg.HTTPBearerToken))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           recoveryMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over HTTP", slog.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
