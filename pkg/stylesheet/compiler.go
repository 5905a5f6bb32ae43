// Package stylesheet compiles LESS and CSS assets with esbuild. Nested
// imports are loaded through the project resolver, url() references are
// rewritten to content-addressed names, and every file the asset depends on
// is reported to the host asset.
package stylesheet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
	"github.com/Sumatoshi-tech/stylefang/pkg/urlrewrite"
)

const (
	tracerName = "stylefang"

	// outputType is the type of every generated output.
	outputType = "css"

	// syntaxErrorID marks recoverable CSS syntax errors in esbuild warnings.
	syntaxErrorID = "css-syntax-error"

	// invalidImportID marks @import rules esbuild ignored.
	invalidImportID = "invalid-@import"

	kindImportRule   = "import-rule"
	kindComposesFrom = "composes-from"
)

// Host is the asset a Compiler reports dependencies to.
type Host interface {
	Name() string
	GetConfig(filenames []string, packageKey string) (map[string]any, error)
	AddDependency(name string, opts asset.DependencyOptions)
	AddURLDependency(ref, from string) string
	Invalidate()
}

// Import is one statically included file reported by the compiler.
type Import struct {
	// Specifier is the reference as written in Importer.
	Specifier string `json:"specifier"`
	Importer  string `json:"importer"`
	Resolved  string `json:"resolved"`
}

// Result is the outcome of a successful compile.
type Result struct {
	CSS     string
	Imports []Import
	Options Options

	Warnings []string
	Duration time.Duration
}

// Compiler compiles one asset.
type Compiler struct {
	host     Host
	fs       afero.Fs
	reader   filemanager.Reader
	rootDir  string
	defaults Options
	logger   *slog.Logger
	tracer   trace.Tracer

	lesscPath string
	lesscSet  bool

	mu     sync.Mutex
	result *Result
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithFs sets the filesystem imports are resolved and read from.
func WithFs(fs afero.Fs) Option {
	return func(c *Compiler) { c.fs = fs }
}

// WithReader sets the raw file reader used for imports.
func WithReader(reader filemanager.Reader) Option {
	return func(c *Compiler) { c.reader = reader }
}

// WithRootDir sets the directory anchoring root-relative imports.
func WithRootDir(dir string) Option {
	return func(c *Compiler) { c.rootDir = dir }
}

// WithDefaults sets the options project configuration is merged onto.
func WithDefaults(opts Options) Option {
	return func(c *Compiler) { c.defaults = opts }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) { c.logger = logger }
}

// WithLessc sets the lessc executable LESS sources are compiled with. An
// empty path disables it; sources are then compiled as CSS and LESS-only
// constructs are reported. By default lessc is used when it is on PATH.
func WithLessc(path string) Option {
	return func(c *Compiler) { c.lesscPath, c.lesscSet = path, true }
}

// WithTracer sets the tracer used for compile spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Compiler) { c.tracer = tracer }
}

// DefaultOptions returns the built-in options.
func DefaultOptions() Options {
	return Options{
		Extensions: slices.Clone(resolver.DefaultExtensions),
		Strict:     true,
	}
}

// New creates a Compiler reporting to host.
func New(host Host, opts ...Option) *Compiler {
	c := &Compiler{
		host:     host,
		defaults: DefaultOptions(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	if !c.lesscSet {
		c.lesscPath, _ = exec.LookPath(DefaultLessBinary)
	}

	return c
}

// NewForAsset creates a Compiler for a host asset, taking the filesystem,
// root directory and defaults from the asset's build options. The asset's
// type becomes "css".
func NewForAsset(a *asset.Asset, opts ...Option) *Compiler {
	a.SetType(outputType)

	defaults := DefaultOptions()
	build := a.Options()

	if len(build.Extensions) > 0 {
		defaults.Extensions = slices.Clone(build.Extensions)
	}

	defaults.Minify = build.Minify
	defaults.Strict = build.Strict

	base := []Option{
		WithFs(a.Fs()),
		WithRootDir(build.RootDir),
		WithDefaults(defaults),
		WithLogger(a.Logger()),
	}

	return New(a, append(base, opts...)...)
}

// Compile parses source and registers the reported imports with the host.
func (c *Compiler) Compile(ctx context.Context, source string) (*Result, error) {
	err := c.Parse(ctx, source)
	if err != nil {
		return nil, err
	}

	c.CollectDependencies()

	return c.Result(), nil
}

// Parse compiles source. url() references are registered with the host while
// compiling; imports are registered by CollectDependencies. Every parse starts
// from no dependencies, and a failed parse leaves none and no result.
func (c *Compiler) Parse(ctx context.Context, source string) error {
	c.host.Invalidate()
	c.setResult(nil)

	ctx, span := c.tracer.Start(ctx, "stylefang.compile",
		trace.WithAttributes(attribute.String("stylefang.asset", c.host.Name())),
	)
	defer span.End()

	opts, err := c.options(ConfigFilenames, PackageKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "config")

		return err
	}

	res, err := c.compile(ctx, source, opts)
	if err != nil {
		c.host.Invalidate()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile")

		return err
	}

	span.SetAttributes(
		attribute.Int("stylefang.imports", len(res.Imports)),
		attribute.Int("stylefang.bytes", len(res.CSS)),
	)

	c.setResult(res)

	return nil
}

// CollectDependencies registers every import of the last successful parse as
// a dependency included in the parent.
func (c *Compiler) CollectDependencies() {
	res := c.Result()
	if res == nil {
		return
	}

	for _, imp := range res.Imports {
		c.host.AddDependency(imp.Specifier, asset.DependencyOptions{
			IncludedInParent: true,
			Resolved:         imp.Resolved,
			From:             imp.Importer,
		})
	}
}

// Generate returns the compiled CSS, or an empty value before any successful
// compile.
func (c *Compiler) Generate() []asset.Generated {
	value := ""
	if res := c.Result(); res != nil {
		value = res.CSS
	}

	return []asset.Generated{{Type: outputType, Value: value, HasDependencies: false}}
}

// Result returns the last successful result, or nil.
func (c *Compiler) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.result
}

func (c *Compiler) setResult(res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.result = res
}

// options merges project configuration onto the defaults. The filename is
// always the asset and the URL-rewrite plugin always ends the plugin list.
func (c *Compiler) options(filenames []string, packageKey string) (Options, error) {
	project, err := c.host.GetConfig(filenames, packageKey)
	if err != nil {
		return Options{}, err
	}

	opts, err := merge(c.defaults, project)
	if err != nil {
		return Options{}, err
	}

	opts.Filename = c.host.Name()
	opts.Plugins = append(slices.DeleteFunc(opts.Plugins, func(name string) bool {
		return name == urlPluginName
	}), urlPluginName)

	return opts, nil
}

// compile runs the LESS stage for LESS sources and then the esbuild pass.
func (c *Compiler) compile(ctx context.Context, source string, opts Options) (*Result, error) {
	if !isLess(opts.Filename) {
		return c.run(ctx, source, opts, nil)
	}

	exp, err := c.expandLess(ctx, source, opts)
	if err != nil {
		return nil, err
	}

	var warnings []string

	css, pass := exp.text, exp

	switch {
	case c.lesscPath != "":
		css, err = c.lessc(ctx, exp, opts.Filename)
		if err != nil {
			return nil, err
		}

		// lessc output lines no longer match the expanded source.
		pass = &expansion{urls: exp.urls}

	case opts.Strict && len(exp.features) > 0:
		return nil, exp.features[0]

	default:
		for _, f := range exp.features {
			warnings = append(warnings, f.Error())
			c.logger.WarnContext(ctx, "less feature left uncompiled",
				"file", f.File, "line", f.Line, "message", f.Message)
		}
	}

	res, err := c.run(ctx, css, opts, pass)
	if err != nil {
		return nil, err
	}

	res.Imports = append(slices.Clone(exp.imports), res.Imports...)
	res.Warnings = append(warnings, res.Warnings...)

	return res, nil
}

// run executes esbuild over source with the URL-rewrite plugin installed. exp,
// when set, maps expanded lines and rebased url() values back to their files.
func (c *Compiler) run(ctx context.Context, source string, opts Options, exp *expansion) (*Result, error) {
	start := time.Now()

	res := resolver.New(c.fs, resolver.Config{Extensions: opts.Extensions, RootDir: c.rootDir})
	files := filemanager.New(res, c.reader)
	imports := newImportLog()

	userPlugins, err := lookupPlugins(opts.Plugins, opts.Filename)
	if err != nil {
		return nil, err
	}

	engines, err := parseTargets(opts.Targets, opts.Filename)
	if err != nil {
		return nil, err
	}

	// The tracking plugin goes first so configured plugins cannot shadow its
	// resolve hooks.
	var origins map[string]urlOrigin
	if exp != nil {
		origins = exp.urls
	}

	tracking := urlPlugin(ctx, opts.Filename, files, urlrewrite.New(c.host), imports, origins)

	buildOpts := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			ResolveDir: filepath.Dir(opts.Filename),
			Loader:     api.LoaderCSS,
		},
		Bundle:           true,
		Write:            false,
		Metafile:         true,
		LogLevel:         api.LogLevelSilent,
		MinifyWhitespace: opts.Minify,
		MinifySyntax:     opts.Minify,
		Engines:          engines,
		Plugins:          append([]api.Plugin{tracking}, userPlugins...),
	}

	built, err := build(ctx, buildOpts)
	if err != nil {
		return nil, err
	}

	if len(built.Errors) > 0 {
		return nil, c.compileError(built.Errors[0], exp)
	}

	warnings := make([]string, 0, len(built.Warnings))

	for _, w := range built.Warnings {
		if opts.Strict && (w.ID == syntaxErrorID || w.ID == invalidImportID) {
			return nil, c.compileError(w, exp)
		}

		warnings = append(warnings, c.compileError(w, exp).Error())
		c.logger.WarnContext(ctx, "stylesheet warning", "id", w.ID, "message", w.Text)
	}

	css := ""
	if len(built.OutputFiles) > 0 {
		css = string(built.OutputFiles[0].Contents)
	}

	reported, err := c.imports(built.Metafile, imports)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)

	c.logger.DebugContext(ctx, "compiled stylesheet",
		"imports", len(reported), "bytes", len(css), "duration", duration)

	return &Result{
		CSS:      css,
		Imports:  reported,
		Options:  opts,
		Warnings: warnings,
		Duration: duration,
	}, nil
}

// build runs one esbuild build, cancelling it when ctx is done.
func build(ctx context.Context, opts api.BuildOptions) (api.BuildResult, error) {
	bctx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		if len(ctxErr.Errors) > 0 {
			return api.BuildResult{Errors: ctxErr.Errors}, nil
		}

		return api.BuildResult{}, errContext
	}
	defer bctx.Dispose()

	stop := context.AfterFunc(ctx, bctx.Cancel)
	defer stop()

	result := bctx.Rebuild()

	if err := ctx.Err(); err != nil {
		return api.BuildResult{}, err
	}

	return result, nil
}

// compileError converts an esbuild message to a CompileError. Positions in
// an expanded LESS source are mapped back to the file they came from.
func (c *Compiler) compileError(msg api.Message, exp *expansion) *CompileError {
	ce := &CompileError{Message: msg.Text, File: c.host.Name()}

	if loc := msg.Location; loc != nil {
		ce.File = c.displayPath(loc.File)
		ce.Line = loc.Line
		ce.Column = loc.Column + 1
		ce.LineText = loc.LineText

		if loc.File == stdinPath {
			if origin, ok := exp.origin(loc.Line); ok {
				ce.File, ce.Line = origin.file, origin.line
			}
		}
	}

	if err, ok := msg.Detail.(error); ok {
		ce.Err = err
	}

	return ce
}

// displayPath maps esbuild's pretty paths back to filesystem paths.
func (c *Compiler) displayPath(p string) string {
	if p == "" || p == stdinPath {
		return c.host.Name()
	}

	if rest, ok := strings.CutPrefix(p, styleNamespace+":"); ok {
		return rest
	}

	return p
}

type metafile struct {
	Inputs map[string]metaInput `json:"inputs"`
}

type metaInput struct {
	Imports []metaImport `json:"imports"`
}

type metaImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Original string `json:"original"`
	External bool   `json:"external"`
}

// imports walks the metafile from the entry, in source order, and returns every
// file esbuild inlined.
func (c *Compiler) imports(raw string, log *importLog) ([]Import, error) {
	if raw == "" {
		return nil, nil
	}

	var meta metafile

	err := json.Unmarshal([]byte(raw), &meta)
	if err != nil {
		return nil, fmt.Errorf("decode metafile: %w", err)
	}

	var (
		out  []Import
		seen = map[string]bool{stdinPath: true}
		walk func(key string)
	)

	walk = func(key string) {
		importer := c.displayPath(key)

		for _, imp := range meta.Inputs[key].Imports {
			if imp.External || (imp.Kind != kindImportRule && imp.Kind != kindComposesFrom) {
				continue
			}

			resolved := c.displayPath(imp.Path)

			spec := imp.Original
			if spec == "" {
				spec, _ = log.lookup(importer, resolved)
			}

			if spec == "" {
				spec = resolved
			}

			out = append(out, Import{Specifier: spec, Importer: importer, Resolved: resolved})

			if !seen[imp.Path] {
				seen[imp.Path] = true
				walk(imp.Path)
			}
		}
	}

	walk(stdinPath)

	return out, nil
}
