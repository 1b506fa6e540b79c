// Package chunkstore holds the storage backends sections and merged artifacts live in.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is wrapped by every StorageError caused by a missing entry.
var ErrNotFound = errors.New("entry not found")

// Entry describes one stored object.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is a flat namespace of named byte blobs inside one chunk directory.
type Store interface {
	// Directory returns the chunk directory, relative to the store root.
	Directory() string
	// PathPrefix returns the absolute location names are resolved against, with a trailing separator.
	PathPrefix() string
	// Path returns the absolute location of name.
	Path(name string) string
	EnsureDirectory(ctx context.Context) error
	// List returns the entries whose name starts with prefix. Temporary write files are never listed.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Exists(ctx context.Context, name string) (bool, error)
	Stat(ctx context.Context, name string) (Entry, error)
	// Write stores the content of r under name. Concurrent readers observe either the
	// previous content or the complete new content, never a partial write.
	Write(ctx context.Context, name string, r io.Reader) error
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

// StorageError is returned by every Store operation that fails.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chunk store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err was caused by a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
