package stylesheet

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/config"
	"github.com/Sumatoshi-tech/stylefang/internal/observability"
	"github.com/Sumatoshi-tech/stylefang/internal/persist"
	"github.com/Sumatoshi-tech/stylefang/internal/version"
)

// Output is the outcome of compiling one file with CompileFile.
type Output struct {
	Asset        string             `json:"asset"        yaml:"asset"`
	Type         string             `json:"type"         yaml:"type"`
	CSS          string             `json:"css"          yaml:"-"`
	Dependencies []asset.Dependency `json:"dependencies" yaml:"dependencies"`
	Duration     time.Duration      `json:"duration_ns"  yaml:"duration"`
}

// CompileFile compiles the file at name with the handler registered for its
// extension and records compile metrics. metrics may be nil.
func CompileFile(ctx context.Context, name string, opts asset.Options, metrics *observability.CompileMetrics) (*Output, error) {
	a, err := asset.New(name, opts)
	if err != nil {
		return nil, err
	}

	sourceType := a.Type()

	h, err := asset.HandlerFor(a)
	if err != nil {
		return nil, err
	}

	done := metrics.TrackInflight(ctx, sourceType)
	defer done()

	start := time.Now()

	generated, err := asset.Process(ctx, a, h)

	stats := observability.CompileStats{Type: sourceType, Status: observability.StatusOK, Duration: time.Since(start)}

	if err != nil {
		stats.Status = observability.StatusError
		metrics.RecordCompile(ctx, stats)

		return nil, err
	}

	out := &Output{
		Asset:        a.Name(),
		Type:         a.Type(),
		Dependencies: a.Dependencies(),
		Duration:     stats.Duration,
	}

	for _, g := range generated {
		if g.Type == outputType {
			out.CSS = g.Value
		}
	}

	for _, dep := range out.Dependencies {
		if dep.URL {
			stats.URLDeps++
		} else {
			stats.Imports++
		}
	}

	stats.Bytes = len(out.CSS)
	metrics.RecordCompile(ctx, stats)

	return out, nil
}

// BuildCache persists compile outputs between runs.
type BuildCache = persist.Cache[Output]

// NewBuildCache creates a build cache in dir on fs.
func NewBuildCache(fs afero.Fs, dir string) *BuildCache {
	return persist.NewCache[Output](fs, dir)
}

// CompileFileCached is CompileFile backed by cache. An entry is reused while
// the source, its inlined imports and its project config file are unchanged
// and the build options match. cached reports a hit. A nil cache always compiles.
func CompileFileCached(
	ctx context.Context, name string, opts asset.Options, metrics *observability.CompileMetrics, cache *BuildCache,
) (out *Output, cached bool, err error) {
	if cache == nil {
		out, err = CompileFile(ctx, name, opts, metrics)

		return out, false, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, false, err
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	typ := strings.TrimPrefix(filepath.Ext(abs), ".")

	key, configPath, keyErr := cacheKey(fs, abs, opts)
	if keyErr != nil {
		// Invalid project config; the compile reports it.
		out, err = CompileFile(ctx, name, opts, metrics)

		return out, false, err
	}

	hit, ok, getErr := cache.Get(key)
	if getErr != nil {
		logger.Warn("discarding build cache entry", "asset", abs, "error", getErr)
	}

	metrics.RecordCacheLookup(ctx, typ, ok)

	if ok {
		logger.Debug("build cache hit", "asset", abs, "key", key)

		return &hit, true, nil
	}

	out, err = CompileFile(ctx, name, opts, metrics)
	if err != nil {
		return nil, false, err
	}

	putErr := cache.Put(key, *out, cacheInputs(abs, configPath, out.Dependencies))
	if putErr != nil {
		logger.Warn("build cache write failed", "asset", abs, "error", putErr)
	}

	return out, false, nil
}

// cacheKey derives the entry key from everything besides file contents that
// changes the output, and returns the project config file in effect.
func cacheKey(fs afero.Fs, abs string, opts asset.Options) (key, configPath string, err error) {
	filenames, packageKey := ConfigFilenames, PackageKey
	if ext := filepath.Ext(abs); ext == ".scss" || ext == ".sass" {
		filenames, packageKey = SassConfigFilenames, SassPackageKey
	}

	finder := config.ProjectFinder{Fs: fs, RootDir: opts.RootDir}

	project, configPath, err := finder.Find(abs, filenames, packageKey)
	if err != nil {
		return "", "", err
	}

	projectJSON, err := json.Marshal(project)
	if err != nil {
		return "", "", err
	}

	key = persist.Key(
		version.Version,
		abs,
		opts.RootDir,
		opts.PublicURL,
		strings.Join(opts.Extensions, ","),
		strconv.FormatBool(opts.Minify),
		strconv.FormatBool(opts.Strict),
		string(projectJSON),
	)

	return key, configPath, nil
}

// cacheInputs lists the files whose contents an output was built from.
func cacheInputs(abs, configPath string, deps []asset.Dependency) []string {
	inputs := []string{abs}

	if configPath != "" {
		inputs = append(inputs, configPath)
	}

	for _, dep := range deps {
		if dep.IncludedInParent && dep.Resolved != "" {
			inputs = append(inputs, dep.Resolved)
		}
	}

	return inputs
}
