package video

import (
	"context"
	"errors"
	"fmt"
)

// ErrCompileInFlight is returned when a compile is requested while another is running.
// It is a rejection, not a failure.
var ErrCompileInFlight = errors.New("compile already in progress")

// ErrNotAllowed is returned when the lifecycle forbids compiling.
var ErrNotAllowed = errors.New("compile not allowed in current state")

// EmptyInputError reports that the frame directory held nothing to compile.
// Skipped counts frames that existed but could not be decoded.
type EmptyInputError struct {
	Dir     string
	Skipped int
}

func (e *EmptyInputError) Error() string {
	if e.Skipped > 0 {
		return fmt.Sprintf("no decodable frames in %s (%d skipped)", e.Dir, e.Skipped)
	}
	return fmt.Sprintf("no frames to compile in %s", e.Dir)
}

// EncoderInitError wraps failures to start the encoder.
type EncoderInitError struct {
	Err error
}

func (e *EncoderInitError) Error() string {
	return fmt.Sprintf("initialise encoder: %v", e.Err)
}

func (e *EncoderInitError) Unwrap() error { return e.Err }

// InputRejectedError reports that the encoder refused a submitted frame.
type InputRejectedError struct {
	Index int
	Err   error
}

func (e *InputRejectedError) Error() string {
	return fmt.Sprintf("encoder rejected frame %d: %v", e.Index, e.Err)
}

func (e *InputRejectedError) Unwrap() error { return e.Err }

// EncoderWriteError wraps failures while finalising or publishing the asset.
type EncoderWriteError struct {
	Err error
}

func (e *EncoderWriteError) Error() string {
	return fmt.Sprintf("finalise video: %v", e.Err)
}

func (e *EncoderWriteError) Unwrap() error { return e.Err }

// Error kinds reported on compile_finished events and in metrics labels.
const (
	KindOK            = "ok"
	KindEmptyInput    = "empty_input"
	KindEncoderInit   = "encoder_init"
	KindInputRejected = "input_rejected"
	KindEncoderWrite  = "encoder_write"
	KindCancelled     = "cancelled"
	KindUnknown       = "unknown"
)

// ErrorKind classifies a compile error.
func ErrorKind(err error) string {
	if err == nil {
		return KindOK
	}
	var (
		empty    *EmptyInputError
		initErr  *EncoderInitError
		rejected *InputRejectedError
		writeErr *EncoderWriteError
	)
	switch {
	case errors.As(err, &empty):
		return KindEmptyInput
	case errors.As(err, &initErr):
		return KindEncoderInit
	case errors.As(err, &rejected):
		return KindInputRejected
	case errors.As(err, &writeErr):
		return KindEncoderWrite
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}
