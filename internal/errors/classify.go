package errors

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// Classify attempts to classify an unknown error into a *CacheError.
// Used at system boundaries (CAS I/O, audit log I/O) to ensure every
// error surfaced by the core carries a Code and RecoveryHint.
func Classify(err error) *CacheError {
	if err == nil {
		return nil
	}

	if ce, ok := err.(*CacheError); ok {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, "operation timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return New(CodeCancelled, "operation cancelled").WithCause(err)
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.EMFILE, syscall.ENFILE:
			return New(CodeCapacityExceeded, "too many open files").WithCause(err)
		case syscall.ENOSPC:
			return New(CodeCapacityExceeded, "no space left on device").WithCause(err)
		case syscall.EACCES, syscall.EPERM:
			return New(CodeIo, "permission denied").WithCause(err).WithHint(HintCheckPermissions).SetRetryable(false)
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return New(CodeCorruption, "expected file not found").WithCause(err)
	}
	if errors.Is(err, os.ErrPermission) {
		return New(CodeIo, "permission denied").WithCause(err).WithHint(HintCheckPermissions).SetRetryable(false)
	}

	return New(CodeUnknown, "an unexpected error occurred").WithCause(err)
}

// MustClassify ensures an error is a *CacheError, returning nil for a nil input.
func MustClassify(err error) *CacheError {
	if err == nil {
		return nil
	}
	return Classify(err)
}

// ClassifyWithCode classifies an error, falling back to defaultCode when
// Classify can't narrow it beyond CodeUnknown.
func ClassifyWithCode(err error, defaultCode Code) *CacheError {
	if err == nil {
		return nil
	}
	classified := Classify(err)
	if classified.Code == CodeUnknown {
		classified.Code = defaultCode
		classified.Hint = defaultHint(defaultCode)
		classified.Retryable = defaultCode.IsRetryable()
	}
	return classified
}
