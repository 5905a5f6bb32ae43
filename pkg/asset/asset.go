// Package asset provides the host side of a compiled asset: its identity,
// its dependency edges, project configuration lookup and the lifecycle that
// drives a type-specific [Handler] through parse, dependency collection and
// generation.
package asset

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/Sumatoshi-tech/stylefang/pkg/config"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
	"github.com/Sumatoshi-tech/stylefang/pkg/urlrewrite"
)

// hashLen is the number of hex digits kept from a content hash.
const hashLen = 8

// Options are shared by every asset of one build.
type Options struct {
	// Fs is the filesystem assets are read from. Nil uses the OS filesystem.
	Fs afero.Fs

	// RootDir is the project root anchoring root-relative references.
	RootDir string

	// PublicURL prefixes rewritten URL references.
	PublicURL string

	// Extensions overrides the resolver extension order for style sources.
	Extensions []string

	// Minify requests minified output.
	Minify bool

	// Strict turns recoverable syntax errors into compile failures.
	Strict bool

	// Logger receives build diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// DependencyOptions tag a dependency edge.
type DependencyOptions struct {
	// IncludedInParent marks dependencies inlined into this asset's output.
	IncludedInParent bool

	// URL marks embedded resource references rewritten in output.
	URL bool

	// Resolved is the absolute path of the dependency when known.
	Resolved string

	// From is the file holding the reference.
	From string
}

// Dependency is one edge from this asset to another file.
type Dependency struct {
	// Name is the reference exactly as written in source.
	Name string `json:"name" yaml:"name"`

	IncludedInParent bool   `json:"included_in_parent" yaml:"included_in_parent"`
	URL              bool   `json:"url"                yaml:"url"`
	Resolved         string `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	From             string `json:"from,omitempty"     yaml:"from,omitempty"`
}

// Generated is one output produced by an asset.
type Generated struct {
	Type            string `json:"type"`
	Value           string `json:"value"`
	HasDependencies bool   `json:"has_dependencies"`
}

// Asset is a single source file tracked by the build.
type Asset struct {
	name    string
	typ     string
	options Options
	fs      afero.Fs
	logger  *slog.Logger

	mu    sync.Mutex
	deps  []Dependency
	index map[string]int
}

// New creates an asset for the file at name. Relative names are made absolute.
func New(name string, opts Options) (*Asset, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("asset path %s: %w", name, err)
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Asset{
		name:    abs,
		typ:     strings.TrimPrefix(filepath.Ext(abs), "."),
		options: opts,
		fs:      fs,
		logger:  logger.With("asset", abs),
		index:   map[string]int{},
	}, nil
}

// Name returns the absolute path of the asset.
func (a *Asset) Name() string {
	return a.name
}

// Type returns the asset's type tag.
func (a *Asset) Type() string {
	return a.typ
}

// SetType changes the type tag, e.g. to "css" for a LESS source.
func (a *Asset) SetType(typ string) {
	a.typ = typ
}

// Options returns the build options.
func (a *Asset) Options() Options {
	return a.options
}

// Fs returns the filesystem the asset lives on.
func (a *Asset) Fs() afero.Fs {
	return a.fs
}

// Logger returns the asset-scoped logger.
func (a *Asset) Logger() *slog.Logger {
	return a.logger
}

// Invalidate drops every recorded dependency.
func (a *Asset) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deps = nil
	a.index = map[string]int{}
}

// AddDependency records a dependency edge. Adding a name twice replaces the
// earlier edge in place.
func (a *Asset) AddDependency(name string, opts DependencyOptions) {
	dep := Dependency{
		Name:             name,
		IncludedInParent: opts.IncludedInParent,
		URL:              opts.URL,
		Resolved:         opts.Resolved,
		From:             opts.From,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if i, ok := a.index[name]; ok {
		a.deps[i] = dep

		return
	}

	a.index[name] = len(a.deps)
	a.deps = append(a.deps, dep)
}

// Dependencies returns a copy of the recorded edges in insertion order.
func (a *Asset) Dependencies() []Dependency {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Dependency, len(a.deps))
	copy(out, a.deps)

	return out
}

// AddURLDependency records an embedded resource reference written in from and
// returns the content-addressed reference to emit instead. References leaving
// the project are returned unchanged and not recorded.
func (a *Asset) AddURLDependency(ref, from string) string {
	if urlrewrite.IsURL(ref) {
		return ref
	}

	if from == "" {
		from = a.name
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		a.logger.Warn("unparsable url reference", "ref", ref, "error", err)

		return ref
	}

	filename, err := url.PathUnescape(parsed.Path)
	if err != nil {
		filename = parsed.Path
	}

	resolved := a.resolveURLPath(filename, filepath.Dir(from))

	a.AddDependency(ref, DependencyOptions{URL: true, Resolved: resolved, From: from})

	parsed.Path = a.bundleName(resolved)

	return parsed.String()
}

// resolveURLPath maps a url() path to an absolute file path without touching
// the filesystem, except for package-relative "~" references.
func (a *Asset) resolveURLPath(filename, dir string) string {
	switch {
	case strings.HasPrefix(filename, "/") && a.options.RootDir != "":
		return filepath.Join(a.options.RootDir, filepath.FromSlash(filename))
	case strings.HasPrefix(filename, "/"):
		return filepath.Clean(filepath.FromSlash(filename))
	case strings.HasPrefix(filename, "~"):
		res := resolver.New(a.fs, resolver.Config{RootDir: a.options.RootDir, Extensions: []string{filepath.Ext(filename)}})

		found, err := res.Resolve(filename, dir)
		if err == nil {
			return found
		}

		return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(strings.TrimPrefix(filename, "~"), "/")))
	default:
		return filepath.Join(dir, filepath.FromSlash(filename))
	}
}

// bundleName returns the content-addressed output name for a resolved path.
func (a *Asset) bundleName(resolved string) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(resolved))
	name := sum[len(sum)-hashLen:] + filepath.Ext(resolved)

	if a.options.PublicURL == "" {
		return name
	}

	if strings.Contains(a.options.PublicURL, "://") {
		return strings.TrimSuffix(a.options.PublicURL, "/") + "/" + name
	}

	return path.Join(a.options.PublicURL, name)
}

// GetConfig returns the project options for this asset: the packageKey entry of
// the nearest package manifest, or the nearest file named one of filenames.
// It returns nil when no configuration exists.
func (a *Asset) GetConfig(filenames []string, packageKey string) (map[string]any, error) {
	finder := config.ProjectFinder{Fs: a.fs, RootDir: a.options.RootDir}

	opts, path, err := finder.Find(a.name, filenames, packageKey)
	if err != nil {
		return nil, err
	}

	if path != "" {
		a.logger.Debug("loaded project config", "path", path)
	}

	return opts, nil
}

// ReadSource reads the asset's source text.
func (a *Asset) ReadSource() (string, error) {
	data, err := afero.ReadFile(a.fs, a.name)
	if err != nil {
		return "", fmt.Errorf("read asset %s: %w", a.name, err)
	}

	return string(data), nil
}

// Handler implements one asset type.
type Handler interface {
	// Parse compiles source into the handler's internal result.
	Parse(ctx context.Context, source string) error

	// CollectDependencies registers dependencies reported by Parse.
	CollectDependencies()

	// Generate returns the outputs of the last successful Parse.
	Generate() []Generated
}

// Process runs h over a's current source: dependencies are reset, the source is
// parsed, dependencies collected and the output generated. When parsing fails
// nothing is generated and the asset is left with no dependencies.
func Process(ctx context.Context, a *Asset, h Handler) ([]Generated, error) {
	source, err := a.ReadSource()
	if err != nil {
		return nil, err
	}

	a.Invalidate()

	parseErr := h.Parse(ctx, source)
	if parseErr != nil {
		// Edges recorded before the failure describe no output.
		a.Invalidate()

		return nil, parseErr
	}

	h.CollectDependencies()

	return h.Generate(), nil
}
