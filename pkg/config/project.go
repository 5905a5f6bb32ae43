package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is matched by every [*Error].
var ErrInvalid = errors.New("invalid project configuration")

// manifestName is the package manifest consulted for a package key.
const manifestName = "package.json"

// Error is reported when a project configuration file exists but cannot be
// read, parsed or validated.
type Error struct {
	Path    string
	Err     error
	Details []string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("config ")
	b.WriteString(e.Path)

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}

	return b.String()
}

// Unwrap returns the underlying read or parse error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrInvalid].
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

var (
	schemaMu sync.RWMutex
	schemas  = map[string]*gojsonschema.Schema{}
)

// RegisterSchema registers a JSON schema that project options found under
// packageKey must satisfy. It panics on an invalid schema.
func RegisterSchema(packageKey, schema string) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Errorf("invalid schema for %q: %w", packageKey, err))
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	schemas[packageKey] = compiled
}

func schemaFor(packageKey string) *gojsonschema.Schema {
	schemaMu.RLock()
	defer schemaMu.RUnlock()

	return schemas[packageKey]
}

// ProjectFinder locates project configuration for assets.
type ProjectFinder struct {
	Fs afero.Fs

	// RootDir stops the upward search. Empty searches up to the filesystem root.
	RootDir string
}

// Find looks for project options for the file at assetPath. The nearest
// package manifest holding packageKey wins; otherwise the nearest directory
// holding one of filenames does. It returns nil options and an empty path
// when nothing is found.
func (f ProjectFinder) Find(assetPath string, filenames []string, packageKey string) (map[string]any, string, error) {
	fs := f.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(assetPath)

	if packageKey != "" {
		if manifest := f.nearest(fs, dir, []string{manifestName}); manifest != "" {
			opts, err := readPackageKey(fs, manifest, packageKey)
			if err != nil {
				return nil, manifest, err
			}

			if opts != nil {
				return opts, manifest, validate(manifest, packageKey, opts)
			}
		}
	}

	path := f.nearest(fs, dir, filenames)
	if path == "" {
		return nil, "", nil
	}

	opts, err := readFile(fs, path)
	if err != nil {
		return nil, path, err
	}

	return opts, path, validate(path, packageKey, opts)
}

// nearest returns the first of names found walking up from dir.
func (f ProjectFinder) nearest(fs afero.Fs, dir string, names []string) string {
	root := ""
	if f.RootDir != "" {
		root = filepath.Clean(f.RootDir)
	}

	for cur := filepath.Clean(dir); ; {
		for _, name := range names {
			candidate := filepath.Join(cur, name)

			info, err := fs.Stat(candidate)
			if err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}

		if cur == root {
			return ""
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}

		cur = parent
	}
}

// configTypeFor maps a config file name to a viper config type. Extensionless
// rc files are JSON.
func configTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

func newReader(fs afero.Fs, path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetConfigType(configTypeFor(path))

	readErr := v.ReadInConfig()
	if readErr != nil {
		return nil, &Error{Path: path, Err: readErr}
	}

	return v, nil
}

func readFile(fs afero.Fs, path string) (map[string]any, error) {
	v, err := newReader(fs, path)
	if err != nil {
		return nil, err
	}

	return v.AllSettings(), nil
}

func readPackageKey(fs afero.Fs, path, packageKey string) (map[string]any, error) {
	v, err := newReader(fs, path)
	if err != nil {
		return nil, err
	}

	if !v.IsSet(packageKey) {
		return nil, nil
	}

	sub := v.Sub(packageKey)
	if sub == nil {
		return nil, &Error{Path: path, Details: []string{fmt.Sprintf("%q must be an object", packageKey)}}
	}

	return sub.AllSettings(), nil
}

func validate(path, packageKey string, opts map[string]any) error {
	schema := schemaFor(packageKey)
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(opts))
	if err != nil {
		return &Error{Path: path, Err: err}
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		details = append(details, verr.String())
	}

	return &Error{Path: path, Details: details}
}
