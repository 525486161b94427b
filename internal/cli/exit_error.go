package cli

import (
	"errors"
	"fmt"

	"cronwrap/internal/domain"
)

// Exit codes of the wrapper itself. Codes of the wrapped command (including
// 124, 126, 127 and 128+n) are passed through unchanged.
const (
	ExitOK             = 0
	ExitUsage          = 64  // EX_USAGE
	ExitWrapperError   = 70  // EX_SOFTWARE
	ExitAlreadyRunning = 75  // EX_TEMPFAIL
	ExitInterrupted    = 130 // 128 + SIGINT
)

// ExitError is an error that carries an explicit process exit code.
// An empty message means the code is exited with silently.
type ExitError struct {
	code  int
	msg   string
	cause error
}

func (e *ExitError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	if e.msg == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e *ExitError) ExitCode() int { return e.code }

// Unwrap enables errors.Is/As to traverse the underlying cause.
func (e *ExitError) Unwrap() error { return e.cause }

// Silent reports whether nothing should be printed for this error.
func (e *ExitError) Silent() bool { return e.msg == "" && e.cause == nil }

// Exit returns an error that only sets the exit code.
func Exit(code int) error {
	return &ExitError{code: code}
}

// Wrap creates an ExitError that wraps an underlying cause.
func Wrap(code int, msg string, cause error) error {
	return &ExitError{code: normalize(code), msg: msg, cause: cause}
}

// ExitCodeOf extracts an exit code from any error. Errors without one are
// wrapper errors.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return ExitWrapperError
}

// IsSilent reports whether err only carries an exit code.
func IsSilent(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Silent()
}

// classify maps a wrap-service error to the wrapper's exit code.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLockNotAcquired):
		return Wrap(ExitAlreadyRunning, "skipped", err)
	case errors.Is(err, domain.ErrInterrupted):
		return Wrap(ExitInterrupted, "interrupted", err)
	case errors.Is(err, domain.ErrCorruptState):
		return Wrap(ExitWrapperError, "state error", err)
	case errors.Is(err, domain.ErrStateIO):
		return Wrap(ExitWrapperError, "state error", err)
	default:
		return Wrap(ExitWrapperError, "wrapper error", err)
	}
}

func normalize(code int) int {
	if code <= 0 {
		return ExitWrapperError
	}
	return code
}
