// Package mcp implements a Model Context Protocol server exposing stylesheet
// compilation and reference resolution as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/internal/observability"
	"github.com/Sumatoshi-tech/stylefang/internal/version"
)

const (
	serverName = "stylefang"

	toolCount = 2

	mcpSpanPrefix  = "mcp."
	traceIDMetaKey = "trace_id"
)

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Fs is the filesystem stylesheets are read from. Nil uses the OS filesystem.
	Fs afero.Fs

	// Defaults are the build options tool inputs are layered onto.
	Defaults asset.Options

	Logger  *slog.Logger
	Metrics *observability.CompileMetrics

	// Tracer creates one span per tool call. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the stylefang tools.
type Server struct {
	inner    *mcpsdk.Server
	fs       afero.Fs
	defaults asset.Options
	logger   *slog.Logger
	metrics  *observability.CompileMetrics
	tracer   trace.Tracer

	mu    sync.RWMutex
	tools []string
}

// NewServer creates an MCP server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	inner := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: version.Version,
	}, opts)

	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		inner:    inner,
		fs:       fs,
		defaults: deps.Defaults,
		logger:   logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		tools:    make([]string, 0, toolCount),
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run serves on stdio until ctx is canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves on transport until ctx is canceled or the
// connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameCompile,
		Description: compileToolDescription,
	}, withTracing(s.tracer, ToolNameCompile, s.handleCompile))
	s.trackTool(ToolNameCompile)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameResolve,
		Description: resolveToolDescription,
	}, withTracing(s.tracer, ToolNameResolve, s.handleResolve))
	s.trackTool(ToolNameResolve)
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

// withTracing wraps a tool handler in a span and appends the trace_id to
// sampled results.
func withTracing[Input any](
	tracer trace.Tracer,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		if err != nil || (result != nil && result.IsError) {
			span.SetStatus(codes.Error, "tool error")
		}

		if sc := span.SpanContext(); sc.IsSampled() && result != nil {
			result.Content = append(result.Content,
				&mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())})
		}

		return result, output, err
	}
}

const (
	compileToolDescription = "Compile a LESS, CSS or Sass stylesheet. " +
		"Returns the CSS and every dependency: imports inlined into the output " +
		"and url() references rewritten to content-addressed names. " +
		"Optional inline source replaces the file's contents."

	resolveToolDescription = "Resolve a stylesheet import reference to a file path " +
		"the way the compiler does, including extension and index fallbacks."
)
