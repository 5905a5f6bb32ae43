// Package observability provides OpenTelemetry tracing, compile metrics and
// structured logging for the stylefang CLI and MCP server.
package observability

import (
	"io"
	"log/slog"
)

// AppMode identifies how the binary was launched.
type AppMode string

const (
	// ModeCLI is a one-shot CLI command.
	ModeCLI AppMode = "cli"
	// ModeMCP is the MCP stdio server.
	ModeMCP AppMode = "mcp"
)

const (
	defaultServiceName        = "stylefang"
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Mode           AppMode

	// OTLPEndpoint is the OTLP gRPC collector address (e.g. "localhost:4317").
	// Empty disables export.
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool

	// SampleRatio is the trace sampling ratio. Zero samples every root span.
	SampleRatio float64

	// DebugTrace forces full sampling and logs attributes dropped by the filter.
	DebugTrace bool

	// MetricsTextfile, when set, receives the final metrics in the Prometheus
	// text format on shutdown.
	MetricsTextfile string

	LogLevel slog.Level
	LogJSON  bool

	// LogWriter receives log output. Nil writes to stderr.
	LogWriter io.Writer

	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}
