// Package commands implements the stylefang CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/config"
	"github.com/Sumatoshi-tech/stylefang/internal/observability"
	"github.com/Sumatoshi-tech/stylefang/internal/version"
)

const rootLong = `stylefang compiles LESS, CSS and Sass stylesheets.

Nested imports are inlined and reported as dependencies of the compiled file;
url() references are rewritten to content-addressed names.

Commands:
  compile   Compile a stylesheet to CSS
  deps      List the dependencies of a stylesheet
  resolve   Resolve an import reference to a file
  mcp       Serve the compiler over the Model Context Protocol`

// app carries state shared by every command of one invocation.
type app struct {
	fs afero.Fs

	configPath      string
	otlpEndpoint    string
	metricsTextfile string
	verbose         bool
	quiet           bool
	logJSON         bool

	cfg       *config.Config
	providers observability.Providers
	started   bool
}

// Run executes the CLI with args and flushes telemetry before returning.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return run(ctx, afero.NewOsFs(), args, stdout, stderr)
}

func run(ctx context.Context, fs afero.Fs, args []string, stdout, stderr io.Writer) error {
	a := &app{fs: fs}

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	execErr := root.ExecuteContext(ctx)

	return errors.Join(execErr, a.shutdown())
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stylefang",
		Short:         "Stylesheet compiler with dependency tracking",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: ./stylefang.yaml, ./config, ~/.config)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "suppress status output")
	flags.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")
	flags.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces and metrics")
	flags.StringVar(&a.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file at exit")

	root.AddCommand(
		a.compileCommand(),
		a.depsCommand(),
		a.resolveCommand(),
		a.mcpCommand(),
		versionCommand(),
	)

	return root
}

// setup loads configuration and starts observability for the running command.
func (a *app) setup(cmd *cobra.Command) error {
	version.InitBinaryVersion()

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	a.cfg = cfg

	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return err
	}

	obs := observability.DefaultConfig()
	obs.ServiceVersion = version.Version
	obs.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obs.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obs.SampleRatio = cfg.Telemetry.SampleRatio
	obs.MetricsTextfile = cfg.Telemetry.MetricsTextfile
	obs.LogJSON = cfg.Logging.JSON() || a.logJSON
	obs.LogLevel = level
	obs.LogWriter = cmd.ErrOrStderr()

	if a.otlpEndpoint != "" {
		obs.OTLPEndpoint = a.otlpEndpoint
	}

	if a.metricsTextfile != "" {
		obs.MetricsTextfile = a.metricsTextfile
	}

	switch {
	case a.verbose:
		obs.LogLevel = slog.LevelDebug
	case a.quiet:
		obs.LogLevel = slog.LevelError
	}

	if cmd.Name() == mcpCmdName {
		obs.Mode = observability.ModeMCP
		obs.LogJSON = true
	}

	providers, err := observability.Init(obs)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	a.providers = providers
	a.started = true

	slog.SetDefault(providers.Logger)

	return nil
}

func (a *app) shutdown() error {
	if !a.started {
		return nil
	}

	return a.providers.Shutdown(context.Background())
}

// buildOptions returns the asset options from configuration.
func (a *app) buildOptions() asset.Options {
	return asset.Options{
		Fs:         a.fs,
		RootDir:    a.cfg.Resolver.RootDir,
		PublicURL:  a.cfg.Output.PublicURL,
		Extensions: a.cfg.Resolver.Extensions,
		Minify:     a.cfg.Output.Minify,
		Strict:     a.cfg.Output.Strict,
		Logger:     a.providers.Logger,
	}
}

// status prints a colored status line to stderr unless --quiet is set.
func (a *app) status(cmd *cobra.Command, attr color.Attribute, format string, args ...any) {
	if a.quiet {
		return
	}

	color.New(attr).Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}
