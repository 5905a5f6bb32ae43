package asset

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupportedType is returned when no handler is registered for an extension.
var ErrUnsupportedType = errors.New("unsupported asset type")

// Factory creates the handler for an asset.
type Factory func(a *Asset) Handler

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register associates an extension (with leading dot) with a handler factory.
// Registering an extension again replaces the earlier factory.
func Register(ext string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[strings.ToLower(ext)] = factory
}

// Extensions returns the sorted list of registered extensions.
func Extensions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	exts := make([]string, 0, len(registry))
	for ext := range registry {
		exts = append(exts, ext)
	}

	sort.Strings(exts)

	return exts
}

// HandlerFor returns the handler registered for a's extension.
func HandlerFor(a *Asset) (Handler, error) {
	ext := strings.ToLower(filepath.Ext(a.Name()))

	registryMu.RLock()
	factory, ok := registry[ext]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	return factory(a), nil
}
