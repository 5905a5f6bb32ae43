package asset_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
)

func newAsset(t *testing.T, opts asset.Options, files map[string]string) *asset.Asset {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, contents := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(contents), 0o644))
	}

	opts.Fs = fs

	a, err := asset.New("/project/src/app.less", opts)
	require.NoError(t, err)

	return a
}

func TestNew_TypeFromExtension(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	assert.Equal(t, "/project/src/app.less", a.Name())
	assert.Equal(t, "less", a.Type())

	a.SetType("css")
	assert.Equal(t, "css", a.Type())
}

func TestAddDependency_KeepsOrderAndReplaces(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	a.AddDependency("colors", asset.DependencyOptions{IncludedInParent: true})
	a.AddDependency("img/a.png", asset.DependencyOptions{URL: true})
	a.AddDependency("colors", asset.DependencyOptions{IncludedInParent: true, Resolved: "/project/src/colors.less"})

	deps := a.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "colors", deps[0].Name)
	assert.Equal(t, "/project/src/colors.less", deps[0].Resolved)
	assert.Equal(t, "img/a.png", deps[1].Name)

	a.Invalidate()
	assert.Empty(t, a.Dependencies())
}

func TestAddURLDependency_RewritesToContentHash(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	got := a.AddURLDependency("img/logo.png?v=2#top", "/project/src/app.less")

	assert.Regexp(t, `^[0-9a-f]{8}\.png\?v=2#top$`, got)

	again := a.AddURLDependency("./img/logo.png", "/project/src/app.less")
	assert.Equal(t, strings.SplitN(got, "?", 2)[0], again)

	deps := a.Dependencies()
	require.Len(t, deps, 2)
	assert.True(t, deps[0].URL)
	assert.False(t, deps[0].IncludedInParent)
	assert.Equal(t, "img/logo.png?v=2#top", deps[0].Name)
	assert.Equal(t, "/project/src/img/logo.png", deps[0].Resolved)
	assert.Equal(t, "/project/src/app.less", deps[0].From)
}

func TestAddURLDependency_PublicURLAndRoot(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{PublicURL: "/static/", RootDir: "/project"}, nil)

	got := a.AddURLDependency("/fonts/a.woff2", "/project/src/app.less")
	assert.Regexp(t, `^/static/[0-9a-f]{8}\.woff2$`, got)

	deps := a.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "/project/fonts/a.woff2", deps[0].Resolved)

	cdn := newAsset(t, asset.Options{PublicURL: "https://cdn.example.com/assets/"}, nil)
	assert.Regexp(t, `^https://cdn\.example\.com/assets/[0-9a-f]{8}\.png$`, cdn.AddURLDependency("a.png", ""))
}

func TestAddURLDependency_AbsoluteWithoutRoot(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	a.AddURLDependency("/img/x.png", "/project/src/app.less")
	a.AddURLDependency("/img/../fonts/a.woff", "/project/src/app.less")

	deps := a.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "/img/x.png", deps[0].Resolved)
	assert.Equal(t, "/fonts/a.woff", deps[1].Resolved)
}

func TestAddURLDependency_ExternalUntouched(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	for _, ref := range []string{"https://example.com/a.png", "data:image/gif;base64,R0lG", "#frag", ""} {
		assert.Equal(t, ref, a.AddURLDependency(ref, a.Name()))
	}

	assert.Empty(t, a.Dependencies())
}

func TestGetConfig(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{RootDir: "/project"}, map[string]string{
		"/project/.lessrc": `{"minify": true}`,
	})

	opts, err := a.GetConfig([]string{".lessrc"}, "")
	require.NoError(t, err)
	assert.Equal(t, true, opts["minify"])

	none := newAsset(t, asset.Options{RootDir: "/project"}, nil)

	opts, err = none.GetConfig([]string{".lessrc"}, "")
	require.NoError(t, err)
	assert.Nil(t, opts)
}

type fakeHandler struct {
	parseErr  error
	source    string
	collected bool
	a         *asset.Asset
}

func (h *fakeHandler) Parse(_ context.Context, source string) error {
	h.source = source
	h.a.AddDependency("img/x.png", asset.DependencyOptions{URL: true})

	return h.parseErr
}

func (h *fakeHandler) CollectDependencies() {
	h.collected = true
	h.a.AddDependency("colors", asset.DependencyOptions{IncludedInParent: true})
}

func (h *fakeHandler) Generate() []asset.Generated {
	return []asset.Generated{{Type: "css", Value: h.source}}
}

func TestProcess_RunsLifecycle(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, map[string]string{"/project/src/app.less": ".a{}"})
	a.AddDependency("stale", asset.DependencyOptions{})

	h := &fakeHandler{a: a}

	out, err := asset.Process(context.Background(), a, h)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ".a{}", out[0].Value)
	assert.True(t, h.collected)

	deps := a.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "img/x.png", deps[0].Name)
	assert.Equal(t, "colors", deps[1].Name)
}

func TestProcess_ParseFailureStops(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, map[string]string{"/project/src/app.less": ".a{}"})

	errBoom := errors.New("boom")
	h := &fakeHandler{a: a, parseErr: errBoom}

	out, err := asset.Process(context.Background(), a, h)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, out)
	assert.False(t, h.collected)
	assert.Empty(t, a.Dependencies(), "edges recorded before the failure are dropped")
}

func TestProcess_MissingSource(t *testing.T) {
	t.Parallel()

	a := newAsset(t, asset.Options{}, nil)

	_, err := asset.Process(context.Background(), a, &fakeHandler{a: a})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	asset.Register(".fake", func(a *asset.Asset) asset.Handler { return &fakeHandler{a: a} })

	fs := afero.NewMemMapFs()

	a, err := asset.New("/project/x.FAKE", asset.Options{Fs: fs})
	require.NoError(t, err)

	h, err := asset.HandlerFor(a)
	require.NoError(t, err)
	assert.IsType(t, &fakeHandler{}, h)
	assert.Contains(t, asset.Extensions(), ".fake")

	b, err := asset.New("/project/x.unknown", asset.Options{Fs: fs})
	require.NoError(t, err)

	_, err = asset.HandlerFor(b)
	require.ErrorIs(t, err, asset.ErrUnsupportedType)
}
