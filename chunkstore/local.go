package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const (
	dirPerm           = 0o755
	tempFilePrefix    = ".chunkmerge-"
	tempFileSuffix    = ".tmp"
	defaultBufferSize = 1024 * 1024
	globMetaChars     = `*?[]{}\`
)

var errInvalidName = errors.New("invalid entry name")

// LocalStore keeps every entry as a file of one directory on the local disk.
type LocalStore struct {
	directory  string
	dir        string
	bufferSize int
	os         OsProxy
	logger     log.Logger
}

// LocalStoreOption ...
type LocalStoreOption func(*LocalStore)

// WithOsProxy replaces the os package calls, used to inject failures.
func WithOsProxy(p OsProxy) LocalStoreOption {
	return func(s *LocalStore) {
		s.os = p
	}
}

// WithBufferSize sets the copy buffer used by Write.
func WithBufferSize(size int) LocalStoreOption {
	return func(s *LocalStore) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// NewLocalStore returns a store for root/directory. root may contain ~ and env vars;
// directory must be relative to root.
func NewLocalStore(root, directory string, logger log.Logger, opts ...LocalStoreOption) (*LocalStore, error) {
	absRoot, err := pathutil.NewPathModifier().AbsPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}

	cleanDir := filepath.Clean(directory)
	if filepath.IsAbs(cleanDir) || cleanDir == ".." || strings.HasPrefix(cleanDir, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("chunk directory %s must be relative to the storage root", directory)
	}

	s := &LocalStore{
		directory:  cleanDir,
		dir:        filepath.Join(absRoot, cleanDir),
		bufferSize: defaultBufferSize,
		os:         RealOS{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *LocalStore) Directory() string {
	return s.directory
}

func (s *LocalStore) PathPrefix() string {
	return s.dir + string(filepath.Separator)
}

func (s *LocalStore) Path(name string) string {
	return s.PathPrefix() + name
}

func (s *LocalStore) EnsureDirectory(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	// MkdirAll succeeds when another writer created the directory first.
	if err := s.os.MkdirAll(s.dir, dirPerm); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	if _, err := s.os.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	fsys := s.os.DirFS(s.dir)
	matches, err := doublestar.Glob(fsys, escapeGlob(prefix)+"*", doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	entries := make([]Entry, 0, len(matches))
	for _, match := range matches {
		if isTempName(match) {
			continue
		}

		info, err := fs.Stat(fsys, match)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// removed since the directory was read
				continue
			}
			return nil, &StorageError{Op: "list", Path: s.Path(match), Err: err}
		}

		entries = append(entries, Entry{Name: match, Size: info.Size(), ModTime: info.ModTime()})
	}

	return entries, nil
}

func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) Stat(ctx context.Context, name string) (Entry, error) {
	pth, err := s.checkedPath(ctx, "stat", name)
	if err != nil {
		return Entry{}, err
	}

	info, err := s.os.Stat(pth)
	if err != nil {
		return Entry{}, &StorageError{Op: "stat", Path: pth, Err: notFound(err)}
	}
	if info.IsDir() {
		return Entry{}, &StorageError{Op: "stat", Path: pth, Err: fmt.Errorf("%w: is a directory", ErrNotFound)}
	}

	return Entry{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Write copies r into a hidden temporary file of the chunk directory, syncs it and
// renames it over name.
func (s *LocalStore) Write(ctx context.Context, name string, r io.Reader) error {
	target, err := s.checkedPath(ctx, "write", name)
	if err != nil {
		return err
	}

	tmp, err := s.os.CreateTemp(s.dir, tempFilePrefix+"*"+tempFileSuffix)
	if err != nil {
		return &StorageError{Op: "write", Path: target, Err: fmt.Errorf("create temporary file: %w", err)}
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := s.os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf("Failed to remove temporary file %s: %s", tmpPath, err)
		}
	}()

	written, err := io.CopyBuffer(tmp, contextReader{ctx: ctx, r: r}, make([]byte, s.bufferSize))
	if err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: target, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: target, Err: fmt.Errorf("sync: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "write", Path: target, Err: fmt.Errorf("close: %w", err)}
	}

	if err := s.os.Rename(tmpPath, target); err != nil {
		return &StorageError{Op: "write", Path: target, Err: fmt.Errorf("rename: %w", err)}
	}
	committed = true

	s.logger.Debugf("Wrote %d bytes to %s", written, target)
	return nil
}

func (s *LocalStore) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	pth, err := s.checkedPath(ctx, "read", name)
	if err != nil {
		return nil, err
	}

	f, err := s.os.Open(pth)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: pth, Err: notFound(err)}
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	pth, err := s.checkedPath(ctx, "delete", name)
	if err != nil {
		return err
	}

	if err := s.os.Remove(pth); err != nil {
		return &StorageError{Op: "delete", Path: pth, Err: notFound(err)}
	}
	return nil
}

func (s *LocalStore) checkedPath(ctx context.Context, op, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Op: op, Path: s.Path(name), Err: err}
	}
	if err := validateName(name); err != nil {
		return "", &StorageError{Op: op, Path: s.Path(name), Err: err}
	}
	return s.Path(name), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidName, name)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix) && strings.HasSuffix(name, tempFileSuffix)
}

// escapeGlob makes prefix match itself literally in a doublestar pattern.
func escapeGlob(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		if strings.ContainsRune(globMetaChars, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
