package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched through [errors.Is].
var (
	// ErrNotFound indicates that no candidate path exists for a specifier.
	ErrNotFound = errors.New("cannot resolve dependency")
	// ErrAmbiguousRoot indicates a root-relative specifier without a configured root directory.
	ErrAmbiguousRoot = errors.New("root-relative specifier without a root directory")
)

// NotFoundError is returned when no candidate for a specifier exists on disk.
type NotFoundError struct {
	Specifier string
	Dir       string
	Tried     []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("cannot resolve %q from %s", e.Specifier, e.Dir)
	if len(e.Tried) == 0 {
		return msg
	}

	return msg + " (tried " + strings.Join(e.Tried, ", ") + ")"
}

// Is reports whether target is [ErrNotFound].
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AmbiguousRootError is returned for "/"-prefixed specifiers when the
// resolver has no root directory to anchor them to.
type AmbiguousRootError struct {
	Specifier string
}

func (e *AmbiguousRootError) Error() string {
	return fmt.Sprintf("cannot resolve %q: no root directory configured", e.Specifier)
}

// Is reports whether target is [ErrAmbiguousRoot].
func (e *AmbiguousRootError) Is(target error) bool {
	return target == ErrAmbiguousRoot
}
