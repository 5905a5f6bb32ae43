package stylesheet_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/config"
	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/internal/observability"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
	"github.com/Sumatoshi-tech/stylefang/pkg/stylesheet"
)

const entry = "/project/src/app.less"

func newAsset(t *testing.T, opts asset.Options, files map[string]string) *asset.Asset {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, contents := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(contents), 0o644))
	}

	opts.Fs = fs

	a, err := asset.New(entry, opts)
	require.NoError(t, err)

	return a
}

func TestCompile_ImportIncludedInParent(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		"/project/src/colors.less": ".c { color: blue; }\n",
	})

	c := stylesheet.NewForAsset(a)

	res, err := c.Compile(context.Background(), `@import "colors"; .btn { color: red; }`)
	require.NoError(t, err)

	assert.Equal(t, "css", a.Type())
	assert.Contains(t, res.CSS, ".btn")
	assert.Contains(t, res.CSS, "color: blue")
	assert.NotContains(t, res.CSS, "@import")

	require.Len(t, res.Imports, 1)
	assert.Equal(t, stylesheet.Import{
		Specifier: "colors",
		Importer:  entry,
		Resolved:  "/project/src/colors.less",
	}, res.Imports[0])

	deps := a.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "colors", deps[0].Name)
	assert.True(t, deps[0].IncludedInParent)
	assert.False(t, deps[0].URL)
}

func TestCompile_ReportsImportsAndURLs(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		"/project/src/theme/base.less": ".hero { background: url(bg.png); }\n",
	})

	c := stylesheet.NewForAsset(a)

	res, err := c.Compile(context.Background(), `@import "theme/base"; .logo { background: url("img/logo.png"); }`)
	require.NoError(t, err)

	deps := a.Dependencies()
	require.Len(t, deps, 3)

	byName := map[string]asset.Dependency{}
	for _, dep := range deps {
		byName[dep.Name] = dep
	}

	assert.True(t, byName["theme/base"].IncludedInParent)
	assert.Equal(t, "/project/src/theme/base.less", byName["theme/base"].Resolved)

	assert.True(t, byName["bg.png"].URL)
	assert.Equal(t, "/project/src/theme/bg.png", byName["bg.png"].Resolved)
	assert.Equal(t, "/project/src/theme/base.less", byName["bg.png"].From)

	assert.True(t, byName["img/logo.png"].URL)
	assert.Equal(t, "/project/src/img/logo.png", byName["img/logo.png"].Resolved)

	assert.NotContains(t, res.CSS, "img/logo.png")
	assert.Regexp(t, `url\("?[0-9a-f]{8}\.png"?\)`, res.CSS)
}

func TestCompile_ExternalReferencesUntouched(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, nil)

	res, err := stylesheet.NewForAsset(a).Compile(context.Background(),
		`@import "https://fonts.example.com/a.css"; .x { background: url(https://cdn.example.com/x.png); }`)
	require.NoError(t, err)

	assert.Contains(t, res.CSS, "https://cdn.example.com/x.png")
	assert.Contains(t, res.CSS, "https://fonts.example.com/a.css")
	assert.Empty(t, res.Imports)
	assert.Empty(t, a.Dependencies())
}

func TestGenerate_BeforeCompile(t *testing.T) {
	t.Parallel()

	c := stylesheet.NewForAsset(newAsset(t, asset.Options{}, nil))

	out := c.Generate()
	require.Len(t, out, 1)
	assert.Equal(t, asset.Generated{Type: "css", Value: "", HasDependencies: false}, out[0])
	assert.Nil(t, c.Result())
}

func TestCompile_MatchesPlainBuildWithoutReferences(t *testing.T) {
	t.Parallel()

	source := ".a { color: red; }\n.b .c { margin: 0 auto; }\n"

	c := stylesheet.NewForAsset(newAsset(t, asset.Options{Strict: true}, nil), stylesheet.WithLessc(""))

	res, err := c.Compile(context.Background(), source)
	require.NoError(t, err)

	plain := api.Build(api.BuildOptions{
		Stdin:    &api.StdinOptions{Contents: source, ResolveDir: "/project/src", Loader: api.LoaderCSS},
		Bundle:   true,
		LogLevel: api.LogLevelSilent,
	})
	require.Empty(t, plain.Errors)
	require.Len(t, plain.OutputFiles, 1)

	assert.Equal(t, string(plain.OutputFiles[0].Contents), res.CSS)
	assert.Equal(t, res.CSS, c.Generate()[0].Value)
}

func TestCompile_MissingImport(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, nil)
	c := stylesheet.NewForAsset(a)

	_, err := c.Compile(context.Background(), `@import "missing";`)
	require.Error(t, err)
	require.ErrorIs(t, err, stylesheet.ErrCompile)
	require.ErrorIs(t, err, resolver.ErrNotFound)

	var ce *stylesheet.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, entry, ce.File)
	assert.Equal(t, 1, ce.Line)

	var nf *resolver.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.Specifier)

	assert.Nil(t, c.Result())
	assert.Empty(t, c.Generate()[0].Value)
	assert.Empty(t, a.Dependencies())
}

type failingReader struct{}

func (failingReader) ReadFile(path string) (string, error) {
	return "", errors.New("disk on fire")
}

func TestCompile_ReadFailure(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{"/project/src/colors.less": ".c{}"})

	_, err := stylesheet.NewForAsset(a, stylesheet.WithReader(failingReader{})).
		Compile(context.Background(), `@import "colors";`)
	require.ErrorIs(t, err, stylesheet.ErrCompile)
	require.ErrorIs(t, err, filemanager.ErrIO)
	assert.NotErrorIs(t, err, resolver.ErrNotFound)
}

type countingReader struct {
	reads atomic.Int32
	inner filemanager.Reader
}

func (r *countingReader) ReadFile(path string) (string, error) {
	r.reads.Add(1)

	return r.inner.ReadFile(path)
}

func TestCompile_ReadsImportsThroughReader(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		"/project/src/a.less": `@import "b";`,
		"/project/src/b.less": ".b { color: green; }",
	})

	reader := &countingReader{inner: filemanager.FsReader{Fs: a.Fs()}}

	res, err := stylesheet.NewForAsset(a, stylesheet.WithReader(reader)).
		Compile(context.Background(), `@import "a";`)
	require.NoError(t, err)

	assert.Equal(t, int32(2), reader.reads.Load())
	require.Len(t, res.Imports, 2)
	assert.Equal(t, "a", res.Imports[0].Specifier)
	assert.Equal(t, entry, res.Imports[0].Importer)
	assert.Equal(t, "b", res.Imports[1].Specifier)
	assert.Equal(t, "/project/src/a.less", res.Imports[1].Importer)
}

func TestCompile_StrictSyntaxError(t *testing.T) {
	t.Parallel()

	source := "a { color: red; }}"

	strict := stylesheet.NewForAsset(newAsset(t, asset.Options{Strict: true}, nil), stylesheet.WithLessc(""))

	_, err := strict.Compile(context.Background(), source)
	require.ErrorIs(t, err, stylesheet.ErrCompile)

	var ce *stylesheet.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Line)
	assert.Positive(t, ce.Column)
	assert.True(t, strings.HasPrefix(ce.Error(), entry+":1:"))

	lenient := stylesheet.NewForAsset(newAsset(t, asset.Options{Strict: false}, nil), stylesheet.WithLessc(""))

	res, err := lenient.Compile(context.Background(), source)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)
}

func TestCompile_ProjectConfig(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true, RootDir: "/project"}, map[string]string{
		"/project/.lessrc":           `{"minify": true, "javascriptEnabled": false}`,
		"/project/src/colors.less":   ".c { color: blue; }",
		"/project/src/colors.custom": ".never { color: red; }",
	})

	res, err := stylesheet.NewForAsset(a).Compile(context.Background(), ".btn {\n  color: red;\n}\n")
	require.NoError(t, err)

	assert.True(t, res.Options.Minify)
	assert.Equal(t, entry, res.Options.Filename)
	assert.Equal(t, false, res.Options.Extra["javascriptEnabled"])
	assert.Equal(t, "stylefang-url", res.Options.Plugins[len(res.Options.Plugins)-1])
	assert.Equal(t, ".btn{color:red}\n", res.CSS)
}

func TestCompile_ProjectExtensions(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true, RootDir: "/project"}, map[string]string{
		"/project/package.json":      `{"name": "site", "less": {"extensions": [".custom"]}}`,
		"/project/src/colors.less":   ".c { color: blue; }",
		"/project/src/colors.custom": ".k { color: black; }",
	})

	res, err := stylesheet.NewForAsset(a).Compile(context.Background(), `@import "colors";`)
	require.NoError(t, err)

	require.Len(t, res.Imports, 1)
	assert.Equal(t, "/project/src/colors.custom", res.Imports[0].Resolved)
}

func TestCompile_InvalidConfig(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc": `{"minify": "yes"}`,
	})

	c := stylesheet.NewForAsset(a)

	_, err := c.Compile(context.Background(), ".a{}")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.NotErrorIs(t, err, stylesheet.ErrCompile)
	assert.Nil(t, c.Result())
}

func TestCompile_UnknownPlugin(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc": `{"plugins": ["does-not-exist"]}`,
	})

	_, err := stylesheet.NewForAsset(a).Compile(context.Background(), ".a{}")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestCompile_RegisteredPlugin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	stylesheet.RegisterPlugin("test-counter", api.Plugin{
		Name: "test-counter",
		Setup: func(build api.PluginBuild) {
			build.OnStart(func() (api.OnStartResult, error) {
				calls.Add(1)

				return api.OnStartResult{}, nil
			})
		},
	})

	a := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc.yaml": "plugins:\n  - test-counter\n",
	})

	res, err := stylesheet.NewForAsset(a).Compile(context.Background(), ".a { color: red; }")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"test-counter", "stylefang-url"}, res.Options.Plugins)
}

func TestCompile_Targets(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc": `{"targets": ["netscape4"]}`,
	})

	_, err := stylesheet.NewForAsset(a).Compile(context.Background(), ".a{}")
	require.ErrorIs(t, err, config.ErrInvalid)

	b := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc": `{"targets": ["chrome58"]}`,
	})

	res, err := stylesheet.NewForAsset(b).Compile(context.Background(), ".a { .b { color: red; } }")
	require.NoError(t, err)
	assert.Contains(t, res.CSS, ".a .b")
}

func TestCompile_Cancelled(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		"/project/src/colors.less": ".c { color: blue; }",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := stylesheet.NewForAsset(a)

	_, err := c.Compile(ctx, `@import "colors";`)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, c.Result())
}

func TestCompile_RecompileReplacesResult(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		"/project/src/colors.less": ".c { color: blue; }",
		"/project/src/other.less":  ".o { color: green; }",
	})

	c := stylesheet.NewForAsset(a)

	_, err := c.Compile(context.Background(), `@import "colors"; .a { background: url(a.png); }`)
	require.NoError(t, err)
	require.NotNil(t, c.Result())
	require.Len(t, a.Dependencies(), 2)

	_, err = c.Compile(context.Background(), `@import "other";`)
	require.NoError(t, err)

	deps := a.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "other", deps[0].Name)

	_, err = c.Compile(context.Background(), `.b { background: url(b.png); } @import "gone";`)
	require.Error(t, err)
	assert.Nil(t, c.Result())
	assert.Empty(t, a.Dependencies())
}

func TestProcess_FailureLeavesNoDependencies(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		entry: ".x { background: url(a.png); }}\n",
	})

	_, err := asset.Process(context.Background(), a, stylesheet.NewForAsset(a, stylesheet.WithLessc("")))
	require.ErrorIs(t, err, stylesheet.ErrCompile)
	assert.Empty(t, a.Dependencies())

	b := newAsset(t, asset.Options{Strict: true}, map[string]string{
		entry: `.x { background: url(a.png); } @import "missing";`,
	})

	_, err = asset.Process(context.Background(), b, stylesheet.NewForAsset(b))
	require.ErrorIs(t, err, resolver.ErrNotFound)
	assert.Empty(t, b.Dependencies())
}

func TestCompile_StrictInvalidImportInCSS(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	a, err := asset.New("/project/src/app.css", asset.Options{Fs: fs, Strict: true})
	require.NoError(t, err)

	_, err = stylesheet.NewForAsset(a).Compile(context.Background(), ".a { color: red; }\n@import \"b.css\";\n")
	require.ErrorIs(t, err, stylesheet.ErrCompile)

	var ce *stylesheet.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "/project/src/app.css", ce.File)
	assert.Equal(t, 2, ce.Line)

	b, err := asset.New("/project/src/app.css", asset.Options{Fs: fs, Strict: false})
	require.NoError(t, err)

	res, err := stylesheet.NewForAsset(b).Compile(context.Background(), ".a { color: red; }\n@import \"b.css\";\n")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)
}

func TestProcess_UsesRegisteredHandler(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{Strict: true}, map[string]string{
		entry:                      `@import "colors"; .btn { color: red; }`,
		"/project/src/colors.less": ".c { color: blue; }",
	})

	h, err := asset.HandlerFor(a)
	require.NoError(t, err)
	assert.IsType(t, &stylesheet.Compiler{}, h)

	out, err := asset.Process(context.Background(), a, h)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "css", out[0].Type)
	assert.Contains(t, out[0].Value, ".btn")
	require.Len(t, a.Dependencies(), 1)

	for _, ext := range []string{".less", ".css", ".scss", ".sass"} {
		assert.Contains(t, asset.Extensions(), ext)
	}
}

func TestSassCompile(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath(stylesheet.DefaultSassBinary); err != nil {
		t.Skip("dart sass not installed")
	}

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/src/_vars.scss", []byte("$brand: #f00;\n"), 0o644))

	a, err := asset.New("/project/src/app.scss", asset.Options{Fs: fs, Strict: true})
	require.NoError(t, err)

	s := stylesheet.NewSassForAsset(a, "")

	res, err := s.Compile(context.Background(), "@use \"vars\";\n.btn { color: vars.$brand; background: url(img/a.png); }\n")
	require.NoError(t, err)

	assert.Contains(t, res.CSS, ".btn")
	assert.NotContains(t, res.CSS, "img/a.png")
	require.NotEmpty(t, res.Imports)
	assert.Equal(t, "/project/src/_vars.scss", res.Imports[0].Resolved)

	var urls int

	for _, dep := range a.Dependencies() {
		if dep.URL {
			urls++
		}
	}

	assert.Equal(t, 1, urls)
}

func TestCompileFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, entry, []byte(`@import "colors"; .a { background: url(a.png); }`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/project/src/colors.less", []byte(".c { color: blue; }"), 0o644))

	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewCompileMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	out, err := stylesheet.CompileFile(context.Background(), entry, asset.Options{Fs: fs, Strict: true}, metrics)
	require.NoError(t, err)

	assert.Equal(t, entry, out.Asset)
	assert.Equal(t, "css", out.Type)
	assert.Contains(t, out.CSS, "color: blue")
	require.Len(t, out.Dependencies, 2)

	_, err = stylesheet.CompileFile(context.Background(), "/project/src/missing.less", asset.Options{Fs: fs}, metrics)
	require.Error(t, err)

	_, err = stylesheet.CompileFile(context.Background(), "/project/src/app.txt", asset.Options{Fs: fs}, nil)
	require.ErrorIs(t, err, asset.ErrUnsupportedType)

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}

	assert.True(t, names["stylefang.compiles.total"])
	assert.True(t, names["stylefang.compile.errors.total"])
}
