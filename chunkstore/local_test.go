package chunkstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	internaltesting "github.com/bitrise-io/go-chunkmerge/internal/testing"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T, opts ...LocalStoreOption) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "chunks", log.NewLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, store.EnsureDirectory(context.Background()))
	return store
}

func TestNewLocalStore_Directory(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name      string
		directory string
		wantErr   bool
	}{
		{name: "plain", directory: "chunks"},
		{name: "nested", directory: "app/chunks"},
		{name: "cleaned", directory: "app/../chunks/"},
		{name: "absolute", directory: "/tmp/chunks", wantErr: true},
		{name: "escapes root", directory: "../chunks", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewLocalStore(root, tt.directory, log.NewLogger())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(store.PathPrefix(), root))
			assert.True(t, strings.HasSuffix(store.PathPrefix(), string(filepath.Separator)))
			assert.Equal(t, store.PathPrefix()+"a.part", store.Path("a.part"))
		})
	}
}

func TestLocalStore_EnsureDirectory_Twice(t *testing.T) {
	store := newLocalStore(t)

	require.NoError(t, store.EnsureDirectory(context.Background()))
	require.NoError(t, internaltesting.NewFileChecker(strings.TrimSuffix(store.PathPrefix(), string(filepath.Separator))).IsDir().Check())
}

func TestLocalStore_WriteReadStat(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "video.mp4--section-1.part", strings.NewReader("0123456789")))

	entry, err := store.Stat(ctx, "video.mp4--section-1.part")
	require.NoError(t, err)
	assert.Equal(t, "video.mp4--section-1.part", entry.Name)
	assert.Equal(t, int64(10), entry.Size)
	assert.False(t, entry.ModTime.IsZero())

	rc, err := store.Read(ctx, "video.mp4--section-1.part")
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(content))

	require.NoError(t, internaltesting.NewFileChecker(store.Path("video.mp4--section-1.part")).IsFile().ModeEquals(0o600).Check())
}

func TestLocalStore_WriteOverwrites(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "a.part", strings.NewReader("first version")))
	require.NoError(t, store.Write(ctx, "a.part", strings.NewReader("second")))

	entry, err := store.Stat(ctx, "a.part")
	require.NoError(t, err)
	assert.Equal(t, int64(6), entry.Size)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestLocalStore_WriteFailureLeavesNothing(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	readErr := errors.New("section vanished")

	err := store.Write(ctx, "video.mp4.combined", &failingReader{data: []byte("partial"), err: readErr})

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "write", storageErr.Op)
	assert.ErrorIs(t, err, readErr)

	exists, err := store.Exists(ctx, "video.mp4.combined")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, internaltesting.NewFileChecker(store.PathPrefix()).IsDir().NoTempFiles().Check())
	require.NoError(t, internaltesting.NewFileChecker(store.Path("video.mp4.combined")).Absent().Check())
}

func TestLocalStore_WriteFailureKeepsPreviousContent(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "video.mp4.combined", strings.NewReader("complete")))

	err := store.Write(ctx, "video.mp4.combined", &failingReader{data: []byte("par"), err: errors.New("boom")})
	require.Error(t, err)

	require.NoError(t, internaltesting.NewFileChecker(store.Path("video.mp4.combined")).IsFile().Content("complete").Check())
	require.NoError(t, internaltesting.NewFileChecker(store.PathPrefix()).NoTempFiles().Check())
}

func TestLocalStore_WriteCancelled(t *testing.T) {
	store := newLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Write(ctx, "a.part", strings.NewReader("data"))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStore_List(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	names := []string{
		"video.mp4--section-1.part",
		"video.mp4--section-2.part",
		"video.mp4.combined",
		"video.mp4-sess--section-1.part",
		"other.mp4--section-1.part",
		"glob[*]?.txt--section-1.part",
		"globX.txt--section-1.part",
	}
	for _, name := range names {
		require.NoError(t, store.Write(ctx, name, strings.NewReader(name)))
	}
	require.NoError(t, os.Mkdir(store.Path("video.mp4-dir"), 0o755))
	require.NoError(t, os.WriteFile(store.Path(".chunkmerge-123.tmp"), []byte("tmp"), 0o600))

	tests := []struct {
		prefix string
		want   []string
	}{
		{
			prefix: "video.mp4",
			want: []string{
				"video.mp4--section-1.part",
				"video.mp4--section-2.part",
				"video.mp4-sess--section-1.part",
				"video.mp4.combined",
			},
		},
		{prefix: "other.mp4", want: []string{"other.mp4--section-1.part"}},
		{prefix: "glob[*]?", want: []string{"glob[*]?.txt--section-1.part"}},
		{prefix: "missing", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			entries, err := store.List(ctx, tt.prefix)
			require.NoError(t, err)

			got := []string{}
			for _, e := range entries {
				got = append(got, e.Name)
				assert.Equal(t, int64(len(e.Name)), e.Size)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestLocalStore_ListMissingDirectory(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "never-created", log.NewLogger())
	require.NoError(t, err)

	entries, err := store.List(context.Background(), "video.mp4")

	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_NotFound(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "missing.part")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Stat(ctx, "missing.part")
	assert.True(t, IsNotFound(err))

	_, err = store.Read(ctx, "missing.part")
	assert.True(t, IsNotFound(err))

	err = store.Delete(ctx, "missing.part")
	assert.True(t, IsNotFound(err))
}

func TestLocalStore_Delete(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "a.part", strings.NewReader("a")))

	require.NoError(t, store.Delete(ctx, "a.part"))

	exists, err := store.Exists(ctx, "a.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStore_InvalidName(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "../escape.part", `dir\a.part`} {
		t.Run(name, func(t *testing.T) {
			err := store.Write(ctx, name, strings.NewReader("x"))
			assert.ErrorIs(t, err, errInvalidName)
		})
	}
}

type renameFailingOS struct {
	RealOS
	err error
}

func (o renameFailingOS) Rename(string, string) error {
	return o.err
}

func TestLocalStore_RenameFailure(t *testing.T) {
	renameErr := &fs.PathError{Op: "rename", Path: "x", Err: errors.New("cross-device link")}
	store := newLocalStore(t, WithOsProxy(renameFailingOS{err: renameErr}))
	ctx := context.Background()

	err := store.Write(ctx, "a.part", strings.NewReader("data"))

	assert.ErrorIs(t, err, renameErr)
	require.NoError(t, internaltesting.NewFileChecker(store.PathPrefix()).NoTempFiles().Check())
	require.NoError(t, internaltesting.NewFileChecker(store.Path("a.part")).Absent().Check())
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `video.mp4`, escapeGlob("video.mp4"))
	assert.Equal(t, `a\*b\?c\[d\]e\{f\}g\\h`, escapeGlob(`a*b?c[d]e{f}g\h`))
}
