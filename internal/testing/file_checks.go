// Package testing holds assertions on the files a local chunk store leaves on disk.
package testing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileChecker collects checks on one path and runs them together.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs every check and reports all failures at once.
func (fc *FileChecker) Check() error {
	var errs MultiError
	for _, check := range fc.Checks {
		AppendErr(&errs, check(fc.Path))
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (fc *FileChecker) add(check func(string) error) *FileChecker {
	fc.Checks = append(fc.Checks, check)
	return fc
}

func (fc *FileChecker) IsDir() *FileChecker {
	return fc.add(func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("expected directory but not a directory: %s", path)
		}
		return nil
	})
}

func (fc *FileChecker) IsFile() *FileChecker {
	return fc.add(func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
}

// ModeEquals checks the permission bits only.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	return fc.add(func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
}

func (fc *FileChecker) SizeEquals(size int64) *FileChecker {
	return fc.add(func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, size, info.Size())
		}
		return nil
	})
}

func (fc *FileChecker) Content(want string) *FileChecker {
	return fc.add(func(path string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if got := string(b); got != want {
			return fmt.Errorf("file %s content mismatch\nwant:\n%q\n\ngot:\n%q", path, want, got)
		}
		return nil
	})
}

// NoTempFiles checks that a directory holds no leftover temporary file of an interrupted write.
func (fc *FileChecker) NoTempFiles() *FileChecker {
	return fc.add(func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", path, err)
		}
		var errs MultiError
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".tmp") {
				AppendErr(&errs, fmt.Errorf("leftover temporary file: %s", filepath.Join(path, entry.Name())))
			}
		}
		if len(errs) == 0 {
			return nil
		}
		return errs
	})
}

// Absent checks that nothing exists at the path.
func (fc *FileChecker) Absent() *FileChecker {
	return fc.add(func(path string) error {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			return fmt.Errorf("expected %s to not exist", path)
		}
		return nil
	})
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
