// Package resolver maps import specifiers written in style sheets to files on
// disk. It applies the host project's lookup rules: configured extension
// fallback, directory index fallback, root-relative and package-relative
// specifiers, and node_modules lookup for bare names.
package resolver

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

const (
	// indexName is the base name tried inside a directory.
	indexName = "index"

	// modulesDir is the directory searched for bare package specifiers.
	modulesDir = "node_modules"

	// manifestName marks a package root for "~/" specifiers.
	manifestName = "package.json"

	rootPrefix    = "/"
	pkgRootPrefix = "~/"
	modulePrefix  = "~"
)

// DefaultExtensions is the extension fallback order for LESS and CSS sources.
var DefaultExtensions = []string{".css", ".less"}

// Config is the resolver configuration. It is copied by [New]; later changes
// to the caller's value have no effect.
type Config struct {
	// Extensions are tried in order when a specifier has no recognized extension.
	Extensions []string

	// RootDir anchors "/"-prefixed specifiers. Empty disables them.
	RootDir string

	// PartialPrefix, when set, adds "<dir>/<prefix><name>" candidates (Sass partials).
	PartialPrefix string
}

// Resolver resolves specifiers against an [afero.Fs]. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	fs            afero.Fs
	extensions    []string
	rootDir       string
	partialPrefix string
}

// New creates a Resolver over fs. A nil fs uses the OS filesystem and empty
// extensions use [DefaultExtensions].
func New(fs afero.Fs, cfg Config) *Resolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	rootDir := cfg.RootDir
	if rootDir != "" {
		rootDir = filepath.Clean(rootDir)
	}

	return &Resolver{
		fs:            fs,
		extensions:    slices.Clone(exts),
		rootDir:       rootDir,
		partialPrefix: cfg.PartialPrefix,
	}
}

// Extensions returns a copy of the configured extension order.
func (r *Resolver) Extensions() []string {
	return slices.Clone(r.extensions)
}

// RootDir returns the configured root directory.
func (r *Resolver) RootDir() string {
	return r.rootDir
}

// Fs returns the filesystem the resolver looks files up in.
func (r *Resolver) Fs() afero.Fs {
	return r.fs
}

// Resolve returns the path of the first existing candidate for specifier,
// looked up from fromDir. It fails with [*NotFoundError] when nothing exists
// and with [*AmbiguousRootError] for root-relative specifiers without a root.
func (r *Resolver) Resolve(specifier, fromDir string) (string, error) {
	var tried []string

	notFound := func() error {
		return &NotFoundError{Specifier: specifier, Dir: fromDir, Tried: tried}
	}

	if specifier == "" {
		return "", notFound()
	}

	switch {
	case strings.HasPrefix(specifier, rootPrefix):
		if r.rootDir == "" {
			return "", &AmbiguousRootError{Specifier: specifier}
		}

		if found, ok := r.loadAsFileOrDir(filepath.Join(r.rootDir, filepath.FromSlash(specifier)), &tried); ok {
			return found, nil
		}

		return "", notFound()

	case strings.HasPrefix(specifier, pkgRootPrefix):
		root := r.packageRoot(fromDir)
		if root == "" {
			return "", &AmbiguousRootError{Specifier: specifier}
		}

		rest := strings.TrimPrefix(specifier, pkgRootPrefix)
		if found, ok := r.loadAsFileOrDir(filepath.Join(root, filepath.FromSlash(rest)), &tried); ok {
			return found, nil
		}

		return "", notFound()

	case strings.HasPrefix(specifier, modulePrefix):
		if found, ok := r.loadFromModules(strings.TrimPrefix(specifier, modulePrefix), fromDir, &tried); ok {
			return found, nil
		}

		return "", notFound()
	}

	if found, ok := r.loadAsFileOrDir(filepath.Join(fromDir, filepath.FromSlash(specifier)), &tried); ok {
		return found, nil
	}

	if isBare(specifier) {
		if found, ok := r.loadFromModules(specifier, fromDir, &tried); ok {
			return found, nil
		}
	}

	return "", notFound()
}

// loadAsFileOrDir tries base as a file, then as a directory holding an index file.
func (r *Resolver) loadAsFileOrDir(base string, tried *[]string) (string, bool) {
	if found, ok := r.loadAsFile(base, tried); ok {
		return found, true
	}

	if r.isDir(base) {
		return r.loadAsFile(filepath.Join(base, indexName), tried)
	}

	return "", false
}

func (r *Resolver) loadAsFile(base string, tried *[]string) (string, bool) {
	for _, candidate := range r.candidates(base) {
		*tried = append(*tried, candidate)

		if r.isFile(candidate) {
			return candidate, true
		}
	}

	return "", false
}

// candidates lists the paths tried for base, in priority order.
func (r *Resolver) candidates(base string) []string {
	known := r.hasKnownExt(base)

	out := []string{base}
	if !known {
		for _, ext := range r.extensions {
			out = append(out, base+ext)
		}
	}

	if r.partialPrefix == "" {
		return out
	}

	dir, name := filepath.Split(base)
	if strings.HasPrefix(name, r.partialPrefix) {
		return out
	}

	partial := filepath.Join(dir, r.partialPrefix+name)

	out = append(out, partial)
	if !known {
		for _, ext := range r.extensions {
			out = append(out, partial+ext)
		}
	}

	return out
}

// loadFromModules walks fromDir and its ancestors looking for name inside a
// node_modules directory.
func (r *Resolver) loadFromModules(name, fromDir string, tried *[]string) (string, bool) {
	pkgName, subpath := splitPackage(name)
	if pkgName == "" {
		return "", false
	}

	for dir := filepath.Clean(fromDir); ; {
		if filepath.Base(dir) != modulesDir {
			pkgDir := filepath.Join(dir, modulesDir, filepath.FromSlash(pkgName))

			if r.isDir(pkgDir) {
				target := pkgDir
				if subpath != "" {
					target = filepath.Join(pkgDir, filepath.FromSlash(subpath))
				}

				if found, ok := r.loadAsFileOrDir(target, tried); ok {
					return found, true
				}
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}

		dir = parent
	}
}

// packageRoot returns the nearest ancestor of dir holding a package manifest,
// falling back to the configured root directory.
func (r *Resolver) packageRoot(dir string) string {
	for cur := filepath.Clean(dir); ; {
		if r.isFile(filepath.Join(cur, manifestName)) {
			return cur
		}

		if cur == r.rootDir {
			break
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}

		cur = parent
	}

	return r.rootDir
}

func (r *Resolver) hasKnownExt(path string) bool {
	ext := filepath.Ext(path)
	if ext == "" {
		return false
	}

	return slices.Contains(r.extensions, ext)
}

func (r *Resolver) isFile(path string) bool {
	info, err := r.fs.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

func (r *Resolver) isDir(path string) bool {
	info, err := r.fs.Stat(path)

	return err == nil && info.IsDir()
}

// isBare reports whether specifier is a package-style name rather than a path.
func isBare(specifier string) bool {
	return !strings.HasPrefix(specifier, ".") && !strings.HasPrefix(specifier, "/")
}

// splitPackage splits "pkg/sub/path" and "@scope/pkg/sub/path" into the
// package name and the remaining subpath.
func splitPackage(name string) (pkgName, subpath string) {
	parts := strings.Split(name, "/")

	n := 1
	if strings.HasPrefix(name, "@") {
		n = 2
	}

	if len(parts) < n || parts[0] == "" {
		return "", ""
	}

	return strings.Join(parts[:n], "/"), strings.Join(parts[n:], "/")
}
