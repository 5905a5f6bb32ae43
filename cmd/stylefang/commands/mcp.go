package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stylefang/internal/mcp"
)

const mcpCmdName = "mcp"

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   mcpCmdName,
		Short: "Start an MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

Tools:
  - stylefang_compile: compile a stylesheet and report its dependencies
  - stylefang_resolve: resolve an import reference to a file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := mcp.NewServer(mcp.ServerDeps{
				Fs:       a.fs,
				Defaults: a.buildOptions(),
				Logger:   a.providers.Logger,
				Metrics:  a.providers.Metrics,
				Tracer:   a.providers.Tracer,
			})

			return srv.Run(cmd.Context())
		},
	}
}
