package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeAccessDenied, "access denied")
	if err.Code != CodeAccessDenied {
		t.Errorf("expected code %s, got %s", CodeAccessDenied, err.Code)
	}
	if err.Message != "access denied" {
		t.Errorf("expected message 'access denied', got %s", err.Message)
	}
	if err.Retryable {
		t.Error("expected non-retryable error")
	}
	if err.Hint != HintRefreshToken {
		t.Errorf("expected default hint %s, got %s", HintRefreshToken, err.Hint)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CodeInternal, "execution %d failed", 42)
	if err.Code != CodeInternal {
		t.Errorf("expected code %s, got %s", CodeInternal, err.Code)
	}
	if !strings.Contains(err.Message, "42") {
		t.Errorf("expected message to contain '42', got %s", err.Message)
	}
}

func TestWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(CodeInternal, "something went wrong").WithCause(cause)

	if err.Cause != cause {
		t.Error("expected cause to be set")
	}
	if !strings.Contains(err.Error(), "underlying error") {
		t.Errorf("expected error to contain cause, got %s", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	err := New(CodeAccessDenied, "access denied").
		WithContext("subject", "token123").
		WithContext("resource", "cache/key/abc")

	if err.Context == nil {
		t.Fatal("expected context to be set")
	}
	if err.Context["subject"] != "token123" {
		t.Errorf("expected subject in context")
	}
}

func TestWithHint(t *testing.T) {
	err := New(CodeCorruption, "index corrupt").WithHint(HintRecreate)
	if err.Hint != HintRecreate {
		t.Errorf("expected overridden hint %s, got %s", HintRecreate, err.Hint)
	}
}

func TestWrap(t *testing.T) {
	original := errors.New("something failed")
	wrapped := Wrap(original, CodeIo, "write failed")

	if wrapped.Code != CodeIo {
		t.Errorf("expected code %s, got %s", CodeIo, wrapped.Code)
	}
	if wrapped.Cause != original {
		t.Error("expected cause to be original error")
	}

	cacheErr := New(CodeAccessDenied, "denied")
	wrapped2 := Wrap(cacheErr, CodeInternal, "internal")
	if wrapped2 != cacheErr {
		t.Error("wrapping a CacheError should return same error")
	}

	if Wrap(nil, CodeInternal, "test") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestIs(t *testing.T) {
	if Is(nil) {
		t.Error("nil should not be a CacheError")
	}
	if Is(errors.New("regular")) {
		t.Error("regular error should not be a CacheError")
	}
	if !Is(New(CodeInternal, "cache error")) {
		t.Error("CacheError should be recognized")
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(nil) != "" {
		t.Error("nil error should return empty code")
	}
	if GetCode(errors.New("regular")) != CodeUnknown {
		t.Error("regular error should return CodeUnknown")
	}
	if GetCode(New(CodeAccessDenied, "denied")) != CodeAccessDenied {
		t.Error("CacheError should return its code")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if IsRetryable(errors.New("regular")) {
		t.Error("regular error should not be retryable")
	}
	if !IsRetryable(New(CodeTimeout, "timeout")) {
		t.Error("timeout should be retryable")
	}
	if IsRetryable(New(CodeAccessDenied, "denied")) {
		t.Error("access denied should not be retryable")
	}
}

func TestSafeError(t *testing.T) {
	cause := errors.New("sensitive details")
	err := New(CodeInternal, "something failed").WithCause(cause)

	safe := err.SafeError()
	if strings.Contains(safe, "sensitive") {
		t.Error("safe error should not contain cause details")
	}
	if !strings.Contains(safe, "INTERNAL_ERROR") {
		t.Error("safe error should contain code")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(CodeAccessDenied, "access denied").
		WithContext("subject", "testuser").
		SetRetryable(false)

	data, err2 := err.MarshalJSON()
	if err2 != nil {
		t.Fatalf("marshal failed: %v", err2)
	}

	if !strings.Contains(string(data), "ACCESS_DENIED") {
		t.Error("JSON should contain code")
	}
	if !strings.Contains(string(data), "access denied") {
		t.Error("JSON should contain message")
	}
	if strings.Contains(string(data), "Cause") {
		t.Error("JSON should not contain Cause field")
	}
}

func TestCodeIsRetryable(t *testing.T) {
	retryableCodes := []Code{
		CodeTimeout,
		CodeConcurrencyConflict,
		CodeRateLimitExceeded,
		CodeIo,
		CodeCapacityExceeded,
	}

	for _, code := range retryableCodes {
		if !code.IsRetryable() {
			t.Errorf("%s should be retryable", code)
		}
	}

	nonRetryableCodes := []Code{
		CodeAccessDenied,
		CodeSignatureVerification,
		CodeInvalidArgument,
	}

	for _, code := range nonRetryableCodes {
		if code.IsRetryable() {
			t.Errorf("%s should not be retryable", code)
		}
	}
}

func TestAllCodes(t *testing.T) {
	codes := AllCodes()
	if len(codes) == 0 {
		t.Fatal("expected non-empty code list")
	}
	seen := make(map[Code]bool)
	for _, c := range codes {
		if seen[c] {
			t.Errorf("duplicate code in AllCodes: %s", c)
		}
		seen[c] = true
	}
}
