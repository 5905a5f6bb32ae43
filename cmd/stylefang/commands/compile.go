package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stylefang/internal/safeconv"
	"github.com/Sumatoshi-tech/stylefang/pkg/stylesheet"
)

const (
	compileOutputFlag    = "output"
	compileMinifyFlag    = "minify"
	compileRootFlag      = "root"
	compilePublicURLFlag = "public-url"
	compileCheckFlag     = "check"
	compileCacheDirFlag  = "cache-dir"
	compileNoCacheFlag   = "no-cache"

	outputPerm = 0o644
	outDirPerm = 0o750
)

var (
	// ErrCheckNeedsOutput is returned when --check is used without --output.
	ErrCheckNeedsOutput = errors.New("--check requires --output")
	// ErrOutputStale is returned by --check when the output differs.
	ErrOutputStale = errors.New("compiled output is out of date")
)

type compileFlags struct {
	output    string
	root      string
	publicURL string
	minify    bool
	cacheDir  string
	check     bool
	noCache   bool
}

func (a *app) compileCommand() *cobra.Command {
	var flags compileFlags

	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a stylesheet to CSS",
		Long: `Compile a LESS, CSS or Sass stylesheet.

Imports are inlined and url() references rewritten. The CSS is written to
stdout, or to --output. With --check the output file is compared instead of
written and the command fails with a diff when it is stale.

With --cache-dir (or output.cache_dir) the result is cached and reused while
the source, its imports and its project config are unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCompile(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, compileOutputFlag, "o", "", "output file")
	cmd.Flags().BoolVar(&flags.minify, compileMinifyFlag, false, "minify the generated CSS")
	cmd.Flags().StringVar(&flags.root, compileRootFlag, "", "project root for root-relative references")
	cmd.Flags().StringVar(&flags.publicURL, compilePublicURLFlag, "", "prefix for rewritten url() references")
	cmd.Flags().BoolVar(&flags.check, compileCheckFlag, false, "fail if --output is not up to date")
	cmd.Flags().StringVar(&flags.cacheDir, compileCacheDirFlag, "", "build cache directory")
	cmd.Flags().BoolVar(&flags.noCache, compileNoCacheFlag, false, "bypass the build cache")

	return cmd
}

func (a *app) runCompile(cmd *cobra.Command, file string, flags compileFlags) error {
	if flags.check && flags.output == "" {
		return ErrCheckNeedsOutput
	}

	opts := a.buildOptions()

	if cmd.Flags().Changed(compileMinifyFlag) {
		opts.Minify = flags.minify
	}

	if flags.root != "" {
		opts.RootDir = flags.root
	}

	if flags.publicURL != "" {
		opts.PublicURL = flags.publicURL
	}

	out, cached, err := stylesheet.CompileFileCached(cmd.Context(), file, opts, a.providers.Metrics, a.buildCache(flags))
	if err != nil {
		return err
	}

	switch {
	case flags.check:
		return a.check(cmd, flags.output, out.CSS)
	case flags.output != "":
		writeErr := a.writeOutput(flags.output, out.CSS)
		if writeErr != nil {
			return writeErr
		}
	default:
		_, printErr := fmt.Fprint(cmd.OutOrStdout(), out.CSS)
		if printErr != nil {
			return fmt.Errorf("write css: %w", printErr)
		}
	}

	size := humanize.Bytes(safeconv.MustIntToUint64(len(out.CSS)))

	if cached {
		a.status(cmd, color.FgCyan, "cached %s (%s, %d dependencies)", filepath.Base(out.Asset), size, len(out.Dependencies))

		return nil
	}

	a.status(cmd, color.FgGreen, "compiled %s (%s, %d dependencies) in %s",
		filepath.Base(out.Asset), size, len(out.Dependencies), out.Duration.Round(time.Microsecond))

	return nil
}

// buildCache returns the cache selected by flags and configuration, or nil.
func (a *app) buildCache(flags compileFlags) *stylesheet.BuildCache {
	dir := a.cfg.Output.CacheDir
	if flags.cacheDir != "" {
		dir = flags.cacheDir
	}

	if dir == "" || flags.noCache {
		return nil
	}

	return stylesheet.NewBuildCache(a.fs, dir)
}

func (a *app) writeOutput(path, css string) error {
	err := a.fs.MkdirAll(filepath.Dir(path), outDirPerm)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	err = afero.WriteFile(a.fs, path, []byte(css), outputPerm)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	return nil
}

// check compares css with the file at path and prints a line diff when they differ.
func (a *app) check(cmd *cobra.Command, path, css string) error {
	existing, err := afero.ReadFile(a.fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read output: %w", err)
	}

	if string(existing) == css {
		a.status(cmd, color.FgGreen, "%s is up to date", path)

		return nil
	}

	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToRunes(string(existing), css)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(src, dst, false), lines)

	_, printErr := fmt.Fprintln(cmd.OutOrStdout(), dmp.DiffPrettyText(diffs))
	if printErr != nil {
		return fmt.Errorf("write diff: %w", printErr)
	}

	return fmt.Errorf("%w: %s", ErrOutputStale, path)
}
