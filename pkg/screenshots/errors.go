package screenshots

import (
	"errors"
	"strings"
)

// ErrPermissionRequired indicates screen recording permission is needed.
var ErrPermissionRequired = errors.New("screen recording permission required for screenshot capture")

// ErrNoOutput means the capture primitive exited cleanly but wrote nothing.
var ErrNoOutput = errors.New("capture primitive produced no output file")

type permissionError struct {
	message string
}

func (e *permissionError) Error() string {
	return e.message
}

func (e *permissionError) Is(target error) bool {
	return target == ErrPermissionRequired
}

func newPermissionError(message string) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		trimmed = ErrPermissionRequired.Error()
	}
	return &permissionError{message: trimmed}
}
