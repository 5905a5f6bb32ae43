package stylesheet

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bep/godartsass/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
)

// SassPackageKey is the package manifest key and schema key for Sass options.
const SassPackageKey = "sass"

// SassConfigFilenames are the project files searched for Sass options.
var SassConfigFilenames = []string{".sassrc", ".sassrc.json", ".sassrc.yaml", ".sassrc.yml"}

// SassExtensions is the default import extension order for Sass sources.
var SassExtensions = []string{".scss", ".sass", ".css"}

// DefaultSassBinary is the Dart Sass executable started for each compile.
const DefaultSassBinary = "sass"

const (
	fileScheme    = "file://"
	partialPrefix = "_"
)

// SassCompiler compiles SCSS and indented Sass sources with Dart Sass, then
// passes the CSS through the esbuild pass so url() references are rewritten
// like any other stylesheet.
type SassCompiler struct {
	*Compiler

	binary string
}

// NewSass creates a SassCompiler reporting to host. binary names the Dart Sass
// executable; empty uses DefaultSassBinary.
func NewSass(host Host, binary string, opts ...Option) *SassCompiler {
	defaults := DefaultOptions()
	defaults.Extensions = slices.Clone(SassExtensions)

	c := New(host, append([]Option{WithDefaults(defaults)}, opts...)...)

	if binary == "" {
		binary = DefaultSassBinary
	}

	return &SassCompiler{Compiler: c, binary: binary}
}

// NewSassForAsset creates a SassCompiler for a host asset. Import extensions
// always start from SassExtensions; project configuration may override them.
func NewSassForAsset(a *asset.Asset, binary string, opts ...Option) *SassCompiler {
	base := NewForAsset(a, opts...)
	base.defaults.Extensions = slices.Clone(SassExtensions)

	if binary == "" {
		binary = DefaultSassBinary
	}

	return &SassCompiler{Compiler: base, binary: binary}
}

// Compile parses source and registers the reported imports with the host.
func (s *SassCompiler) Compile(ctx context.Context, source string) (*Result, error) {
	err := s.Parse(ctx, source)
	if err != nil {
		return nil, err
	}

	s.CollectDependencies()

	return s.Result(), nil
}

// Parse compiles source with Dart Sass and then rewrites its url() references.
func (s *SassCompiler) Parse(ctx context.Context, source string) error {
	s.host.Invalidate()
	s.setResult(nil)

	ctx, span := s.tracer.Start(ctx, "stylefang.compile.sass",
		trace.WithAttributes(attribute.String("stylefang.asset", s.host.Name())),
	)
	defer span.End()

	opts, err := s.options(SassConfigFilenames, SassPackageKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "config")

		return err
	}

	css, imports, err := s.transpile(ctx, source, opts)
	if err != nil {
		s.host.Invalidate()
		span.RecordError(err)
		span.SetStatus(codes.Error, "sass")

		return err
	}

	res, err := s.run(ctx, css, opts, nil)
	if err != nil {
		s.host.Invalidate()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile")

		return err
	}

	res.Imports = append(imports, res.Imports...)

	span.SetAttributes(attribute.Int("stylefang.imports", len(res.Imports)))

	s.setResult(res)

	return nil
}

// transpile runs one Dart Sass compile over source.
func (s *SassCompiler) transpile(ctx context.Context, source string, opts Options) (string, []Import, error) {
	transpiler, err := godartsass.Start(godartsass.Options{DartSassEmbeddedFilename: s.binary})
	if err != nil {
		return "", nil, fmt.Errorf("start dart sass: %w", err)
	}
	defer transpiler.Close()

	res := resolver.New(s.fs, resolver.Config{
		Extensions:    opts.Extensions,
		RootDir:       s.rootDir,
		PartialPrefix: partialPrefix,
	})

	importer := &sassImporter{
		ctx:   ctx,
		files: filemanager.New(res, s.reader),
		entry: opts.Filename,
	}

	style := godartsass.OutputStyleExpanded
	if opts.Minify {
		style = godartsass.OutputStyleCompressed
	}

	out, execErr := transpiler.Execute(godartsass.Args{
		Source:         source,
		URL:            fileScheme + opts.Filename,
		OutputStyle:    style,
		SourceSyntax:   sassSyntax(opts.Filename),
		ImportResolver: importer,
	})
	if execErr != nil {
		ce := &CompileError{Message: execErr.Error(), File: opts.Filename, Err: execErr}

		if cause := importer.failure(); cause != nil {
			ce.Err = cause
		}

		return "", nil, ce
	}

	return out.CSS, importer.imports(), nil
}

func sassSyntax(filename string) godartsass.SourceSyntax {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".sass":
		return godartsass.SourceSyntaxSASS
	case ".css":
		return godartsass.SourceSyntaxCSS
	default:
		return godartsass.SourceSyntaxSCSS
	}
}

// sassImporter loads Sass imports through the file manager. Dart Sass hands it
// either the reference as written or, for relative references, an absolute
// file URL resolved against the importing file.
type sassImporter struct {
	ctx   context.Context
	files filemanager.FileManager
	entry string

	mu     sync.Mutex
	loaded []Import
	seen   map[string]bool
	err    error
}

func (i *sassImporter) CanonicalizeURL(ref string) (string, error) {
	spec, dir := ref, filepath.Dir(i.entry)

	if rest, ok := strings.CutPrefix(ref, fileScheme); ok {
		spec, dir = "./"+filepath.Base(rest), filepath.Dir(rest)
	}

	file, err := filemanager.Await(i.ctx, i.files, spec, dir)
	if err != nil {
		i.fail(err)

		return "", err
	}

	i.record(Import{Specifier: strings.TrimPrefix(ref, fileScheme), Importer: i.entry, Resolved: file.Filename})

	return fileScheme + file.Filename, nil
}

func (i *sassImporter) Load(canonical string) (godartsass.Import, error) {
	filename := strings.TrimPrefix(canonical, fileScheme)

	file, err := filemanager.Await(i.ctx, i.files, "./"+filepath.Base(filename), filepath.Dir(filename))
	if err != nil {
		i.fail(err)

		return godartsass.Import{}, err
	}

	return godartsass.Import{Content: file.Contents, SourceSyntax: sassSyntax(file.Filename)}, nil
}

func (i *sassImporter) record(imp Import) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.seen == nil {
		i.seen = map[string]bool{}
	}

	if i.seen[imp.Resolved] {
		return
	}

	i.seen[imp.Resolved] = true
	i.loaded = append(i.loaded, imp)
}

func (i *sassImporter) imports() []Import {
	i.mu.Lock()
	defer i.mu.Unlock()

	return slices.Clone(i.loaded)
}

func (i *sassImporter) fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.err == nil {
		i.err = err
	}
}

func (i *sassImporter) failure() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.err
}
