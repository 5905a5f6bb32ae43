// Package filemanager implements the callback-shaped file-loading capability
// style compilers call for every nested import. A load resolves the requested
// name with the project resolver, reads the file and reports the outcome
// through a completion callback that fires exactly once.
package filemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
)

// ErrIO is matched by every [*IOError].
var ErrIO = errors.New("read failed")

// IOError is reported when a resolved file cannot be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying filesystem error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrIO].
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// LoadedFile is the successful outcome of a load.
type LoadedFile struct {
	Contents string
	Filename string
}

// Callback receives the outcome of a load: either a non-nil error or a file.
type Callback func(err error, file *LoadedFile)

// FileManager is the file-loading capability handed to a style compiler.
type FileManager interface {
	// SupportsSync reports whether LoadFile may be called for blocking loads.
	SupportsSync() bool

	// LoadFile resolves filename relative to currentDirectory and reports the
	// outcome through cb. It never fails synchronously and invokes cb exactly once.
	LoadFile(filename, currentDirectory string, cb Callback)
}

// Reader reads a file as UTF-8 text.
type Reader interface {
	ReadFile(path string) (string, error)
}

// FsReader reads files from an [afero.Fs].
type FsReader struct {
	Fs afero.Fs
}

// ReadFile implements [Reader]. Failures are reported as [*IOError].
func (r FsReader) ReadFile(path string) (string, error) {
	data, err := afero.ReadFile(r.Fs, path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}

	return string(data), nil
}

// Manager is the [FileManager] backed by a [resolver.Resolver] and a [Reader].
type Manager struct {
	resolver *resolver.Resolver
	reader   Reader
}

// New creates a Manager. A nil reader reads from the resolver's filesystem.
func New(res *resolver.Resolver, reader Reader) *Manager {
	if reader == nil {
		reader = FsReader{Fs: res.Fs()}
	}

	return &Manager{resolver: res, reader: reader}
}

// SupportsSync implements [FileManager]. Loads always go through the callback path.
func (m *Manager) SupportsSync() bool {
	return false
}

// LoadFile implements [FileManager].
func (m *Manager) LoadFile(filename, currentDirectory string, cb Callback) {
	complete := once(cb)

	go func() {
		resolved, err := m.resolver.Resolve(filename, currentDirectory)
		if err != nil {
			complete(err, nil)

			return
		}

		contents, err := m.reader.ReadFile(resolved)
		if err != nil {
			complete(asIOError(resolved, err), nil)

			return
		}

		complete(nil, &LoadedFile{Contents: contents, Filename: resolved})
	}()
}

// once wraps cb so that only the first invocation reaches it.
func once(cb Callback) Callback {
	var guard sync.Once

	return func(err error, file *LoadedFile) {
		guard.Do(func() {
			if cb != nil {
				cb(err, file)
			}
		})
	}
}

func asIOError(path string, err error) error {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}

	return &IOError{Path: path, Err: err}
}

type outcome struct {
	file *LoadedFile
	err  error
}

// Await issues a load on fm and blocks until its callback fires or ctx is
// done. A callback that fires after ctx is done is dropped.
func Await(ctx context.Context, fm FileManager, filename, currentDirectory string) (*LoadedFile, error) {
	done := make(chan outcome, 1)

	fm.LoadFile(filename, currentDirectory, func(err error, file *LoadedFile) {
		select {
		case done <- outcome{file: file, err: err}:
		default:
		}
	})

	select {
	case out := <-done:
		return out.file, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
