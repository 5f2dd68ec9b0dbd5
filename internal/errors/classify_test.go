package errors

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedCode Code
		retryable    bool
	}{
		{
			name:         "nil error",
			err:          nil,
			expectedCode: "",
		},
		{
			name:         "already a CacheError",
			err:          New(CodeAccessDenied, "denied"),
			expectedCode: CodeAccessDenied,
		},
		{
			name:         "context deadline exceeded",
			err:          context.DeadlineExceeded,
			expectedCode: CodeTimeout,
			retryable:    true,
		},
		{
			name:         "context cancelled",
			err:          context.Canceled,
			expectedCode: CodeCancelled,
		},
		{
			name:         "file not found",
			err:          os.ErrNotExist,
			expectedCode: CodeCorruption,
		},
		{
			name:         "permission denied",
			err:          os.ErrPermission,
			expectedCode: CodeIo,
		},
		{
			name:         "unknown error",
			err:          errors.New("something weird"),
			expectedCode: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Error("expected nil for nil error")
				}
				return
			}
			if got.Code != tt.expectedCode {
				t.Errorf("Classify() code = %s, want %s", got.Code, tt.expectedCode)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Classify() retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifySyscallErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      syscall.Errno
		expected Code
	}{
		{"too_many_open_files", syscall.EMFILE, CodeCapacityExceeded},
		{"file_table_overflow", syscall.ENFILE, CodeCapacityExceeded},
		{"no_space_left", syscall.ENOSPC, CodeCapacityExceeded},
		{"access_denied", syscall.EACCES, CodeIo},
		{"operation_not_permitted", syscall.EPERM, CodeIo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err)
			if classified.Code != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, classified.Code)
			}
		})
	}

	t.Run("unmapped_syscall_falls_back_to_unknown", func(t *testing.T) {
		classified := Classify(syscall.EWOULDBLOCK)
		if classified.Code != CodeUnknown {
			t.Errorf("expected CodeUnknown for unmapped syscall errno, got %s", classified.Code)
		}
	})
}

func TestMustClassify(t *testing.T) {
	if MustClassify(nil) != nil {
		t.Error("MustClassify(nil) should return nil")
	}

	err := errors.New("test")
	classified := MustClassify(err)
	if classified == nil {
		t.Fatal("MustClassify should return non-nil for non-nil error")
	}
	if classified.Code != CodeUnknown {
		t.Errorf("expected CodeUnknown, got %s", classified.Code)
	}
}

func TestClassifyWithCode(t *testing.T) {
	// Known error should use its own code
	err := context.DeadlineExceeded
	classified := ClassifyWithCode(err, CodeInternal)
	if classified.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout for deadline exceeded, got %s", classified.Code)
	}

	// Unknown error should fall back to the default code, with its hint/retryable refreshed
	err = errors.New("unknown")
	classified = ClassifyWithCode(err, CodeCapacityExceeded)
	if classified.Code != CodeCapacityExceeded {
		t.Errorf("expected CodeCapacityExceeded, got %s", classified.Code)
	}
	if classified.Hint != HintIncreaseCapacity {
		t.Errorf("expected hint %s, got %s", HintIncreaseCapacity, classified.Hint)
	}
	if !classified.Retryable {
		t.Error("expected CodeCapacityExceeded to be retryable")
	}
}
