// Package errors provides a strict error taxonomy for cachecore.
// All errors returned from core paths must be a *CacheError carrying one
// of the codes below plus a recovery hint (see RecoveryHint).
package errors

// Code is a string-based error code for classification.
type Code string

// Error codes, one per kind in the closed taxonomy. Format: CATEGORY_REASON.
const (
	CodeUnknown         Code = "UNKNOWN_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Io covers filesystem and stream failures.
	CodeIo Code = "IO"

	// Serialization covers encode/decode and schema-version mismatches.
	CodeSerialization Code = "SERIALIZATION"

	// Corruption covers integrity failures in stored data (CAS, index, records).
	CodeCorruption Code = "CORRUPTION"

	// CapacityExceeded covers configured byte-budget overruns.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// ConcurrencyConflict covers in-flight coordination failures, e.g. a
	// waiter observing a vanished sentinel with no recorded result.
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"

	// InvalidKey covers malformed cache keys / digests.
	CodeInvalidKey Code = "INVALID_KEY"

	// Timeout covers deadline overruns (waiter deadlines, body timeouts).
	CodeTimeout   Code = "TIMEOUT"
	CodeCancelled Code = "CANCELLED"

	// IntegrityFailure covers generic content/signature/tree integrity checks.
	CodeIntegrityFailure Code = "INTEGRITY_FAILURE"

	// SignatureVerification covers Ed25519 signature failures.
	CodeSignatureVerification Code = "SIGNATURE_VERIFICATION"

	// AccessDenied / InvalidToken / RateLimitExceeded cover capability auth.
	CodeAccessDenied      Code = "ACCESS_DENIED"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	// MerkleTreeCorruption covers Merkle root/leaf mismatches.
	CodeMerkleTreeCorruption Code = "MERKLE_TREE_CORRUPTION"

	// Configuration covers cache-directory ownership and config validation.
	CodeConfiguration Code = "CONFIGURATION"
)

// RecoveryHint is a machine-readable suggestion for how a caller might
// recover from an error of a given code. Every CacheError carries one.
type RecoveryHint string

const (
	HintCheckPermissions  RecoveryHint = "CHECK_PERMISSIONS"
	HintCheckDiskSpace    RecoveryHint = "CHECK_DISK_SPACE"
	HintManual            RecoveryHint = "MANUAL"
	HintRebuildIndex      RecoveryHint = "REBUILD_INDEX"
	HintRecreate          RecoveryHint = "RECREATE"
	HintIncreaseCapacity  RecoveryHint = "INCREASE_CAPACITY"
	HintRunEviction       RecoveryHint = "RUN_EVICTION"
	HintRetry             RecoveryHint = "RETRY"
	HintRetryWithBackoff  RecoveryHint = "RETRY_WITH_BACKOFF"
	HintUseDefault        RecoveryHint = "USE_DEFAULT"
	HintVerifyIntegrity   RecoveryHint = "VERIFY_INTEGRITY"
	HintRegenerateKeys    RecoveryHint = "REGENERATE_KEYS"
	HintContactSecurity   RecoveryHint = "CONTACT_SECURITY_ADMIN"
	HintRefreshToken      RecoveryHint = "REFRESH_TOKEN"
	HintRebuildMerkleTree RecoveryHint = "REBUILD_MERKLE_TREE"
	HintNone              RecoveryHint = ""
)

// defaultHint returns the canonical recovery hint for a code, used by New
// when the caller doesn't specify one explicitly via WithHint.
func defaultHint(c Code) RecoveryHint {
	switch c {
	case CodeIo:
		return HintCheckPermissions
	case CodeSerialization:
		return HintManual
	case CodeCorruption:
		return HintRebuildIndex
	case CodeCapacityExceeded:
		return HintIncreaseCapacity
	case CodeConcurrencyConflict:
		return HintRetry
	case CodeInvalidKey:
		return HintUseDefault
	case CodeTimeout:
		return HintRetryWithBackoff
	case CodeIntegrityFailure:
		return HintVerifyIntegrity
	case CodeSignatureVerification:
		return HintRegenerateKeys
	case CodeAccessDenied, CodeInvalidToken:
		return HintRefreshToken
	case CodeRateLimitExceeded:
		return HintRetry
	case CodeMerkleTreeCorruption:
		return HintRebuildMerkleTree
	case CodeConfiguration:
		return HintManual
	default:
		return HintNone
	}
}

// IsRetryable returns true if the error code suggests a retry might succeed.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeTimeout, CodeConcurrencyConflict, CodeRateLimitExceeded, CodeIo, CodeCapacityExceeded:
		return true
	default:
		return false
	}
}

// AllCodes returns all defined error codes, for documentation generation.
func AllCodes() []Code {
	return []Code{
		CodeUnknown, CodeInternal, CodeInvalidArgument,
		CodeIo, CodeSerialization, CodeCorruption, CodeCapacityExceeded,
		CodeConcurrencyConflict, CodeInvalidKey, CodeTimeout, CodeCancelled,
		CodeIntegrityFailure, CodeSignatureVerification, CodeAccessDenied,
		CodeInvalidToken, CodeRateLimitExceeded, CodeMerkleTreeCorruption,
		CodeConfiguration,
	}
}
