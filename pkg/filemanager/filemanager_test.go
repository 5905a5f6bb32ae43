package filemanager_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
)

const (
	settleDelay = 50 * time.Millisecond
	waitTimeout = 5 * time.Second
)

var errDiskGone = errors.New("disk gone")

type failingReader struct{}

func (failingReader) ReadFile(string) (string, error) {
	return "", errDiskGone
}

func newManager(t *testing.T, reader filemanager.Reader) *filemanager.Manager {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/colors.less", []byte(".x{color:blue}"), 0o644))

	return filemanager.New(resolver.New(fs, resolver.Config{}), reader)
}

type callRecord struct {
	calls atomic.Int32
	first chan struct{}
	err   error
	file  *filemanager.LoadedFile
}

func load(t *testing.T, fm filemanager.FileManager, name string) *callRecord {
	t.Helper()

	rec := &callRecord{first: make(chan struct{})}

	fm.LoadFile(name, "/project", func(err error, file *filemanager.LoadedFile) {
		if rec.calls.Add(1) == 1 {
			rec.err = err
			rec.file = file
			close(rec.first)
		}
	})

	select {
	case <-rec.first:
	case <-time.After(waitTimeout):
		t.Fatal("callback never invoked")
	}

	time.Sleep(settleDelay)

	return rec
}

func TestLoadFile_Success(t *testing.T) {
	t.Parallel()

	rec := load(t, newManager(t, nil), "colors")

	assert.Equal(t, int32(1), rec.calls.Load())
	require.NoError(t, rec.err)
	require.NotNil(t, rec.file)
	assert.Equal(t, ".x{color:blue}", rec.file.Contents)
	assert.Equal(t, "/project/colors.less", rec.file.Filename)
}

func TestLoadFile_ResolveFailure(t *testing.T) {
	t.Parallel()

	rec := load(t, newManager(t, nil), "missing")

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Nil(t, rec.file)
	require.ErrorIs(t, rec.err, resolver.ErrNotFound)
	assert.NotErrorIs(t, rec.err, filemanager.ErrIO)
}

func TestLoadFile_ReadFailure(t *testing.T) {
	t.Parallel()

	rec := load(t, newManager(t, failingReader{}), "colors")

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Nil(t, rec.file)
	require.ErrorIs(t, rec.err, filemanager.ErrIO)
	require.ErrorIs(t, rec.err, errDiskGone)
	assert.NotErrorIs(t, rec.err, resolver.ErrNotFound)

	var ioErr *filemanager.IOError
	require.ErrorAs(t, rec.err, &ioErr)
	assert.Equal(t, "/project/colors.less", ioErr.Path)
}

func TestManager_DoesNotSupportSync(t *testing.T) {
	t.Parallel()

	assert.False(t, newManager(t, nil).SupportsSync())
}

func TestFsReader_MissingFile(t *testing.T) {
	t.Parallel()

	reader := filemanager.FsReader{Fs: afero.NewMemMapFs()}

	_, err := reader.ReadFile("/nowhere.css")
	require.ErrorIs(t, err, filemanager.ErrIO)
}

func TestAwait_Success(t *testing.T) {
	t.Parallel()

	file, err := filemanager.Await(context.Background(), newManager(t, nil), "./colors.less", "/project")
	require.NoError(t, err)
	assert.Equal(t, "/project/colors.less", file.Filename)
}

// doubleCaller violates the single-callback contract.
type doubleCaller struct{}

func (doubleCaller) SupportsSync() bool { return false }

func (doubleCaller) LoadFile(filename, _ string, cb filemanager.Callback) {
	cb(nil, &filemanager.LoadedFile{Filename: filename, Contents: "first"})
	cb(nil, &filemanager.LoadedFile{Filename: filename, Contents: "second"})
}

func TestAwait_ExtraCallbacksDoNotBlock(t *testing.T) {
	t.Parallel()

	file, err := filemanager.Await(context.Background(), doubleCaller{}, "a.css", "/")
	require.NoError(t, err)
	assert.Equal(t, "first", file.Contents)
}

// stalled never completes until released, then completes late.
type stalled struct {
	release chan struct{}
	fired   chan struct{}
}

func (stalled) SupportsSync() bool { return false }

func (s stalled) LoadFile(filename, _ string, cb filemanager.Callback) {
	go func() {
		<-s.release
		cb(nil, &filemanager.LoadedFile{Filename: filename})
		close(s.fired)
	}()
}

func TestAwait_ContextCancelledIgnoresLateCallback(t *testing.T) {
	t.Parallel()

	fm := stalled{release: make(chan struct{}), fired: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := filemanager.Await(ctx, fm, "late.css", "/")
	require.ErrorIs(t, err, context.Canceled)

	close(fm.release)

	select {
	case <-fm.fired:
	case <-time.After(waitTimeout):
		t.Fatal("late callback blocked")
	}
}
