package persist

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// ErrCorrupt is returned by Get for an entry that cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// Entry is one cached value with the fingerprints of the files it was built from.
type Entry[T any] struct {
	Value  T                 `json:"value"`
	Inputs map[string]uint64 `json:"inputs"`
}

// Cache stores values under string keys in a directory and only returns an
// entry while every recorded input file still has the content it was built from.
type Cache[T any] struct {
	fs    afero.Fs
	dir   string
	codec Codec
}

// NewCache creates a cache rooted at dir. Entries are LZ4-compressed JSON.
func NewCache[T any](fs afero.Fs, dir string) *Cache[T] {
	return &Cache[T]{fs: fs, dir: dir, codec: NewLZ4Codec()}
}

// Dir returns the cache directory.
func (c *Cache[T]) Dir() string {
	return c.dir
}

// Get returns the value stored under key. ok is false when there is no entry
// or an input file changed or disappeared; stale entries are removed.
// An unreadable entry returns ErrCorrupt and is replaced by the next Put.
func (c *Cache[T]) Get(key string) (value T, ok bool, err error) {
	var entry Entry[T]

	err = LoadState(c.fs, c.dir, key, c.codec, &entry)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return value, false, nil
	case err != nil:
		return value, false, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}

	for path, want := range entry.Inputs {
		got, fpErr := Fingerprint(c.fs, path)
		if fpErr != nil || got != want {
			return value, false, RemoveState(c.fs, c.dir, key, c.codec)
		}
	}

	return entry.Value, true, nil
}

// Put stores value under key, fingerprinting inputs as they are now.
func (c *Cache[T]) Put(key string, value T, inputs []string) error {
	entry := Entry[T]{Value: value, Inputs: make(map[string]uint64, len(inputs))}

	for _, path := range inputs {
		sum, err := Fingerprint(c.fs, path)
		if err != nil {
			return err
		}

		entry.Inputs[path] = sum
	}

	return SaveState(c.fs, c.dir, key, c.codec, entry)
}

// Fingerprint returns the xxhash of the file contents at path.
func Fingerprint(fs afero.Fs, path string) (uint64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()

	_, err = io.Copy(h, f)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %s: %w", path, err)
	}

	return h.Sum64(), nil
}

// Key hashes parts into a cache key. Parts are length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func Key(parts ...string) string {
	h := xxhash.New()

	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s", len(p), p)
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
