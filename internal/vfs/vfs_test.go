package vfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
	"github.com/aether-os/aether/internal/store"
)

func newTestFS(t *testing.T) (*FileSystem, *store.Store, *events.Bus) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "aether.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	bus := events.NewBus(logger.Default())
	fsCfg := config.FSConfig{Root: filepath.Join(dir, "fs"), SharedDir: "shared", WatchDebounce: 50}
	f, err := New(fsCfg, s, bus, logger.Default())
	require.NoError(t, err)
	return f, s, bus
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	content := []byte("hello kernel\n")
	require.NoError(t, f.Write(ctx, "u1", "/notes/hello.txt", content))

	got, err := f.Read(ctx, "u1", "/notes/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestZeroLengthWriteIsValid(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Write(ctx, "u1", "/empty.txt", nil))
	got, err := f.Read(ctx, "u1", "/empty.txt")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPathEscapeRejected(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	for _, path := range []string{"../other", "/../../etc/passwd", "a/../../b"} {
		err := f.Write(ctx, "u1", path, []byte("x"))
		require.Error(t, err, path)
		assert.Equal(t, v1.ErrInvalidArgument, errs.Code(err), path)
	}
}

func TestWriteUpsertsMetadataAndEmits(t *testing.T) {
	f, s, bus := newTestFS(t)
	ctx := context.Background()

	var changed []map[string]any
	bus.On(v1.EventFSChanged, func(e *events.Event) { changed = append(changed, e.Payload) })

	require.NoError(t, f.Write(ctx, "u1", "/doc.txt", []byte("abcde")))

	files, err := s.GetFilesByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "u1/doc.txt", files[0].Path)
	assert.Equal(t, int64(5), files[0].Size)

	require.Len(t, changed, 1)
	assert.Equal(t, "/doc.txt", changed[0]["path"])
}

func TestUsersAreIsolated(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Write(ctx, "u1", "/secret.txt", []byte("mine")))
	_, err := f.Read(ctx, "u2", "/secret.txt")
	require.Error(t, err)
	assert.Equal(t, v1.ErrNotFound, errs.Code(err))
}

func TestSharedPrefixVisibleToAllUsers(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Write(ctx, "u1", "/shared/board.md", []byte("shared note")))
	got, err := f.Read(ctx, "u2", "/shared/board.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared note"), got)
}

func TestListAndStat(t *testing.T) {
	f, _, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Mkdir(ctx, "u1", "/proj"))
	require.NoError(t, f.Write(ctx, "u1", "/proj/a.txt", []byte("a")))
	require.NoError(t, f.Write(ctx, "u1", "/proj/.hidden", []byte("h")))

	entries, err := f.List(ctx, "u1", "/proj")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	st, err := f.Stat(ctx, "u1", "/proj/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "file", st.Type)
	assert.Equal(t, int64(1), st.Size)

	st, err = f.Stat(ctx, "u1", "/proj")
	require.NoError(t, err)
	assert.Equal(t, "dir", st.Type)
}

func TestRemoveDirectoryRequiresRecursive(t *testing.T) {
	f, s, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, f.Mkdir(ctx, "u1", "/d"))
	require.NoError(t, f.Write(ctx, "u1", "/d/x.txt", []byte("x")))

	err := f.Remove(ctx, "u1", "/d", false)
	require.Error(t, err)
	assert.Equal(t, v1.ErrInvalidArgument, errs.Code(err))

	require.NoError(t, f.Remove(ctx, "u1", "/d", true))

	files, err := s.GetFilesByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, files)
}
