package stylesheet

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/pkg/urlrewrite"
)

const (
	// urlPluginName is the name of the dependency tracking plugin.
	urlPluginName = "stylefang-url"

	// styleNamespace holds every file loaded through the file manager.
	styleNamespace = "stylefang"

	// stdinPath is the path esbuild gives the entry source.
	stdinPath = "<stdin>"
)

// importKey identifies one resolved import edge.
type importKey struct {
	importer string
	resolved string
}

// importLog remembers the specifier behind every resolved import. esbuild
// calls resolve hooks from several goroutines.
type importLog struct {
	mu         sync.Mutex
	specifiers map[importKey]string
}

func newImportLog() *importLog {
	return &importLog{specifiers: map[importKey]string{}}
}

func (l *importLog) record(importer, resolved, specifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.specifiers[importKey{importer: importer, resolved: resolved}] = specifier
}

func (l *importLog) lookup(importer, resolved string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	spec, ok := l.specifiers[importKey{importer: importer, resolved: resolved}]

	return spec, ok
}

// urlPlugin installs the file manager for import rules and the visitor for
// url() tokens into an esbuild build. Files it loads live in styleNamespace.
func urlPlugin(
	ctx context.Context,
	entry string,
	files filemanager.FileManager,
	visit urlrewrite.Visitor,
	imports *importLog,
	origins map[string]urlOrigin,
) api.Plugin {
	importer := func(args api.OnResolveArgs) string {
		if args.Namespace == styleNamespace {
			return args.Importer
		}

		if args.Importer == "" || args.Importer == stdinPath {
			return entry
		}

		return args.Importer
	}

	return api.Plugin{
		Name: urlPluginName,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					switch args.Kind {
					case api.ResolveCSSURLToken:
						node := &urlrewrite.Node{Value: args.Path, Filename: importer(args)}
						if o, ok := origins[args.Path]; ok {
							node = &urlrewrite.Node{Value: o.ref, Filename: o.from}
						}

						node = visit(node)

						return api.OnResolveResult{Path: node.Value, External: true}, nil

					case api.ResolveCSSImportRule, api.ResolveCSSComposesFrom:
						if urlrewrite.IsURL(args.Path) {
							return api.OnResolveResult{Path: args.Path, External: true}, nil
						}

						from := importer(args)

						file, err := filemanager.Await(ctx, files, args.Path, args.ResolveDir)
						if err != nil {
							return api.OnResolveResult{
								Errors: []api.Message{{Text: err.Error(), Detail: err}},
							}, nil
						}

						imports.record(from, file.Filename, args.Path)

						return api.OnResolveResult{
							Path:       file.Filename,
							Namespace:  styleNamespace,
							PluginData: file,
						}, nil

					default:
						return api.OnResolveResult{}, nil
					}
				})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: styleNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					file, ok := args.PluginData.(*filemanager.LoadedFile)
					if !ok {
						loaded, err := filemanager.Await(ctx, files, args.Path, filepath.Dir(args.Path))
						if err != nil {
							return api.OnLoadResult{
								Errors: []api.Message{{Text: err.Error(), Detail: err}},
							}, nil
						}

						file = loaded
					}

					contents := file.Contents

					return api.OnLoadResult{
						Contents:   &contents,
						ResolveDir: filepath.Dir(file.Filename),
						Loader:     api.LoaderCSS,
					}, nil
				})
		},
	}
}
