package chunkstore

import (
	"io/fs"
	"os"
)

// OsProxy is the subset of the os package LocalStore touches.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	Open(name string) (*os.File, error)
	CreateTemp(dir, pattern string) (*os.File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	DirFS(dir string) fs.FS
}

// RealOS delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (RealOS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealOS) Open(name string) (*os.File, error) {
	return os.Open(name)
}

func (RealOS) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (RealOS) Remove(name string) error {
	return os.Remove(name)
}

func (RealOS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (RealOS) DirFS(dir string) fs.FS {
	return os.DirFS(dir)
}
