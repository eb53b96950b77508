package reconciler

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a reconciler after Close.
var ErrClosed = errors.New("reconciler closed")

// SnapshotLoadError wraps any failure of LoadSnapshot: network, non-2xx
// status or a malformed payload. It is surfaced through View().Error.
type SnapshotLoadError struct {
	Err error
}

func (e *SnapshotLoadError) Error() string {
	return fmt.Sprintf("snapshot load failed: %v", e.Err)
}

func (e *SnapshotLoadError) Unwrap() error {
	return e.Err
}
