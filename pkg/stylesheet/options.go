package stylesheet

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-viper/mapstructure/v2"

	"github.com/Sumatoshi-tech/stylefang/pkg/config"
)

// PackageKey is the package manifest key and schema key for LESS options.
const PackageKey = "less"

// ConfigFilenames are the project files searched for LESS options.
var ConfigFilenames = []string{".lessrc", ".lessrc.json", ".lessrc.yaml", ".lessrc.yml"}

// optionsSchema constrains the options stylefang interprets. Other keys are
// kept in Options.Extra and ignored.
const optionsSchema = `{
	"type": "object",
	"properties": {
		"filename":   {"type": "string"},
		"minify":     {"type": "boolean"},
		"strict":     {"type": "boolean"},
		"plugins":    {"type": "array", "items": {"type": "string"}},
		"extensions": {"type": "array", "items": {"type": "string", "pattern": "^\\."}},
		"targets":    {"type": "array", "items": {"type": "string", "pattern": "^[a-z]+[0-9][0-9.]*$"}}
	}
}`

func init() {
	config.RegisterSchema(PackageKey, optionsSchema)
	config.RegisterSchema(SassPackageKey, optionsSchema)
}

// Options is the merged configuration of one compile.
type Options struct {
	// Filename is the absolute path of the asset being compiled.
	Filename string `mapstructure:"filename"`

	// Plugins lists plugin names; the URL-rewrite plugin is always last.
	Plugins []string `mapstructure:"plugins"`

	// Extensions is the import extension fallback order.
	Extensions []string `mapstructure:"extensions"`

	// Targets lists browser targets such as "chrome100" used to lower syntax.
	Targets []string `mapstructure:"targets"`

	Minify bool `mapstructure:"minify"`
	Strict bool `mapstructure:"strict"`

	// Extra holds options stylefang does not interpret.
	Extra map[string]any `mapstructure:",remain"`
}

// merge overlays project options onto defaults.
func merge(defaults Options, project map[string]any) (Options, error) {
	merged := defaults
	merged.Plugins = slices.Clone(defaults.Plugins)
	merged.Extensions = slices.Clone(defaults.Extensions)
	merged.Targets = slices.Clone(defaults.Targets)

	if len(project) == 0 {
		return merged, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &merged,
		ZeroFields: true,
	})
	if err != nil {
		return Options{}, fmt.Errorf("options decoder: %w", err)
	}

	decodeErr := decoder.Decode(project)
	if decodeErr != nil {
		return Options{}, &config.Error{Path: defaults.Filename, Err: decodeErr}
	}

	return merged, nil
}

var (
	pluginMu sync.RWMutex
	plugins  = map[string]api.Plugin{}
)

// RegisterPlugin makes an esbuild plugin available to project configuration
// under name.
func RegisterPlugin(name string, plugin api.Plugin) {
	pluginMu.Lock()
	defer pluginMu.Unlock()

	plugins[name] = plugin
}

// lookupPlugins maps configured plugin names to registered plugins.
func lookupPlugins(names []string, filename string) ([]api.Plugin, error) {
	pluginMu.RLock()
	defer pluginMu.RUnlock()

	out := make([]api.Plugin, 0, len(names))

	for _, name := range names {
		if name == urlPluginName {
			continue
		}

		plugin, ok := plugins[name]
		if !ok {
			return nil, &config.Error{Path: filename, Details: []string{fmt.Sprintf("unknown plugin %q", name)}}
		}

		out = append(out, plugin)
	}

	return out, nil
}

var targetPattern = regexp.MustCompile(`^([a-z]+)([0-9][0-9.]*)$`)

var engines = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

// parseTargets converts "chrome100" style targets to esbuild engines.
func parseTargets(targets []string, filename string) ([]api.Engine, error) {
	out := make([]api.Engine, 0, len(targets))

	for _, target := range targets {
		m := targetPattern.FindStringSubmatch(strings.ToLower(target))
		if m == nil {
			return nil, &config.Error{Path: filename, Details: []string{fmt.Sprintf("invalid target %q", target)}}
		}

		name, ok := engines[m[1]]
		if !ok {
			return nil, &config.Error{Path: filename, Details: []string{fmt.Sprintf("unknown target engine %q", m[1])}}
		}

		out = append(out, api.Engine{Name: name, Version: m[2]})
	}

	return out, nil
}
