package framestore

import (
	"errors"
	"fmt"
)

// ErrTransientIO classifies capture and file failures that cost one frame but
// never stop the pipeline.
var ErrTransientIO = errors.New("transient frame i/o failure")

// TransientIOError records which operation failed on which path.
type TransientIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrTransientIO.
func (e *TransientIOError) Is(target error) bool {
	return target == ErrTransientIO
}

func transient(op, path string, err error) error {
	return &TransientIOError{Op: op, Path: path, Err: err}
}
