package reassembly

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionIncomplete is wrapped when a merge is attempted before every section arrived.
	ErrSessionIncomplete = errors.New("upload session is incomplete")
	// ErrInvalidSectionIndex is returned for section indices below 1.
	ErrInvalidSectionIndex = errors.New("section index must be positive")
)

// MergeFailedError is returned by Merge. No artifact is visible after it.
type MergeFailedError struct {
	Session string
	// Index is the section being read when the merge failed, 0 when no section was involved.
	Index int
	Err   error
}

func (e *MergeFailedError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("merge %s failed at section %d: %v", e.Session, e.Index, e.Err)
	}
	return fmt.Sprintf("merge %s failed: %v", e.Session, e.Err)
}

func (e *MergeFailedError) Unwrap() error {
	return e.Err
}
