// Package persist provides codec-based persistence of build state on an afero
// filesystem, and a content-validated compile cache built on it.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
)

// File extensions for supported codecs.
const (
	jsonExtension = ".json"
	lz4Extension  = ".lz4"
)

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

const (
	stateFilePerm = 0o644
	stateDirPerm  = 0o750
)

// Codec defines how state is serialized and deserialized.
type Codec interface {
	// Encode writes the state to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the state from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json", ".json.lz4").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	decoder := json.NewDecoder(r)

	err := decoder.Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// LZ4Codec compresses the output of an inner codec with the LZ4 frame format.
// Generated CSS is highly repetitive and shrinks well.
type LZ4Codec struct {
	Inner Codec
}

// NewLZ4Codec wraps compact JSON in LZ4 frames.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{Inner: &JSONCodec{}}
}

// Encode implements Codec.Encode.
func (c *LZ4Codec) Encode(w io.Writer, state any) error {
	zw := lz4.NewWriter(w)

	err := c.Inner.Encode(zw, state)
	if err != nil {
		return err
	}

	err = zw.Close()
	if err != nil {
		return fmt.Errorf("lz4 encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode.
func (c *LZ4Codec) Decode(r io.Reader, state any) error {
	return c.Inner.Decode(lz4.NewReader(r), state)
}

// Extension implements Codec.Extension, appending ".lz4" to the inner extension.
func (c *LZ4Codec) Extension() string {
	return c.Inner.Extension() + lz4Extension
}

// SaveState writes state to dir/basename plus the codec's extension. The file is
// written to a temporary name first and renamed, so readers never see a partial file.
func SaveState(fs afero.Fs, dir, basename string, codec Codec, state any) error {
	err := fs.MkdirAll(dir, stateDirPerm)
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, basename+codec.Extension())

	file, err := afero.TempFile(fs, dir, basename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}

	tmp := file.Name()

	err = codec.Encode(file, state)

	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = fs.Remove(tmp)

		return fmt.Errorf("encode state: %w", err)
	}

	err = fs.Chmod(tmp, stateFilePerm)
	if err == nil {
		err = fs.Rename(tmp, path)
	}

	if err != nil {
		_ = fs.Remove(tmp)

		return fmt.Errorf("commit state file: %w", err)
	}

	return nil
}

// LoadState loads state from dir/basename plus the codec's extension.
// The state parameter must be a pointer to the target struct. A missing file
// yields an error matching os.ErrNotExist.
func LoadState(fs afero.Fs, dir, basename string, codec Codec, state any) error {
	path := filepath.Join(dir, basename+codec.Extension())

	file, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	err = codec.Decode(file, state)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	return nil
}

// RemoveState deletes a persisted state file. Missing files are not an error.
func RemoveState(fs afero.Fs, dir, basename string, codec Codec) error {
	err := fs.Remove(filepath.Join(dir, basename+codec.Extension()))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}

	return nil
}
