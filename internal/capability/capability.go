// Package capability implements the capability authority: signed,
// expiring, revocable tokens that scope which cache keys a caller may
// touch and with which permissions, rate-limited per token.
package capability

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecache/cachecore/internal/backpressure"
	"github.com/forgecache/cachecore/internal/signing"
)

// Permission is a coarse-grained right a token can carry.
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
	PermissionDelete Permission = "DELETE"
	PermissionAdmin Permission = "ADMIN"
)

// Operation identifies a cache-level action being authorized. The mapping
// from Operation to the Permission it requires is total and fixed.
type Operation string

const (
	OperationGet     Operation = "GET"
	OperationPut     Operation = "PUT"
	OperationDelete  Operation = "DELETE"
	OperationClear   Operation = "CLEAR"
	OperationGC      Operation = "GC"
	OperationAudit   Operation = "AUDIT"
	OperationManage  Operation = "MANAGE"
)

var operationPermission = map[Operation]Permission{
	OperationGet:    PermissionRead,
	OperationPut:    PermissionWrite,
	OperationDelete: PermissionDelete,
	OperationClear:  PermissionDelete,
	OperationGC:     PermissionAdmin,
	OperationAudit:  PermissionRead,
	OperationManage: PermissionAdmin,
}

// TokenMetadata carries the rate-limit/quota configuration a token was
// issued with. operation_count is tracked server-side by the Authority,
// not embedded in the signed payload, so a token's signed contents never
// change after issuance.
type TokenMetadata struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxOperations      int64
}

// Token is the signed payload of a capability grant.
type Token struct {
	TokenID         string
	Subject         string
	Permissions     []Permission
	KeyPatterns     []string
	IssuedAt        int64 // unix seconds
	ExpiresAt       int64
	IssuerID        string
	Metadata        TokenMetadata
	IssuerPublicKey string
}

// SignedToken is a Token together with its issuing signature.
type SignedToken = signing.SignedRecord[Token]

// VerificationResult is the outcome of checking a token's validity,
// independent of any specific operation.
type VerificationResult string

const (
	VerificationValid            VerificationResult = "VALID"
	VerificationExpired          VerificationResult = "EXPIRED"
	VerificationRevoked          VerificationResult = "REVOKED"
	VerificationInvalidSignature VerificationResult = "INVALID_SIGNATURE"
	VerificationInvalidIssuer    VerificationResult = "INVALID_ISSUER"
	VerificationInvalidPublicKey VerificationResult = "INVALID_PUBLIC_KEY"
)

// AuthorizationResult is the outcome of checking whether a token may
// perform a specific operation against a specific key.
type AuthorizationResult struct {
	Kind           AuthorizationKind
	TokenInvalidAs VerificationResult // set iff Kind == TokenInvalid
}

type AuthorizationKind string

const (
	AuthorizationAuthorized              AuthorizationKind = "AUTHORIZED"
	AuthorizationTokenInvalid            AuthorizationKind = "TOKEN_INVALID"
	AuthorizationInsufficientPermissions AuthorizationKind = "INSUFFICIENT_PERMISSIONS"
	AuthorizationKeyAccessDenied         AuthorizationKind = "KEY_ACCESS_DENIED"
	AuthorizationRateLimitExceeded       AuthorizationKind = "RATE_LIMIT_EXCEEDED"
	AuthorizationOperationLimitExceeded  AuthorizationKind = "OPERATION_LIMIT_EXCEEDED"
)

// Authority issues, verifies, and revokes capability tokens, and enforces
// per-token rate limits and operation quotas.
type Authority struct {
	signer   *signing.Signer
	issuerID string

	defaultTTL        time.Duration
	defaultRatePerSec float64
	defaultBurst      int

	mu       sync.Mutex
	issued   map[string]struct{}
	revoked  map[string]struct{}
	limiters map[string]*backpressure.RateLimiter
	opCounts map[string]int64
}

// Options configures an Authority's default token issuance parameters.
type Options struct {
	DefaultTokenTTL           time.Duration
	DefaultRateLimitPerSecond float64
	DefaultRateLimitBurst     int
}

// NewAuthority constructs an Authority backed by signer, identifying
// itself as issuerID in every token it issues.
func NewAuthority(signer *signing.Signer, issuerID string, opts Options) *Authority {
	return &Authority{
		signer:            signer,
		issuerID:          issuerID,
		defaultTTL:        opts.DefaultTokenTTL,
		defaultRatePerSec: opts.DefaultRateLimitPerSecond,
		defaultBurst:      opts.DefaultRateLimitBurst,
		issued:            make(map[string]struct{}),
		revoked:           make(map[string]struct{}),
		limiters:          make(map[string]*backpressure.RateLimiter),
		opCounts:          make(map[string]int64),
	}
}

// IssueToken mints and signs a fresh token for subject.
func (a *Authority) IssueToken(subject string, permissions []Permission, keyPatterns []string, validity time.Duration, metadata TokenMetadata) (*SignedToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if validity == 0 {
		validity = a.defaultTTL
	}
	if metadata.RateLimitPerSecond <= 0 {
		metadata.RateLimitPerSecond = a.defaultRatePerSec
	}
	if metadata.RateLimitBurst <= 0 {
		metadata.RateLimitBurst = a.defaultBurst
	}

	now := time.Now().UTC()
	token := Token{
		TokenID:         uuid.NewString(),
		Subject:         subject,
		Permissions:     permissions,
		KeyPatterns:     keyPatterns,
		IssuedAt:        now.Unix(),
		ExpiresAt:       now.Add(validity).Unix(),
		IssuerID:        a.issuerID,
		Metadata:        metadata,
		IssuerPublicKey: hex.EncodeToString(a.signer.PublicKey()),
	}

	signed, err := signing.Sign(a.signer, token)
	if err != nil {
		return nil, err
	}

	a.issued[token.TokenID] = struct{}{}
	a.limiters[token.TokenID] = backpressure.NewRateLimiter(metadata.RateLimitPerSecond, metadata.RateLimitBurst)
	return signed, nil
}

// VerifyToken checks revocation, expiration, issuer, public key, and
// signature, in that order, returning the first failure encountered.
func (a *Authority) VerifyToken(t *SignedToken) VerificationResult {
	if t == nil {
		return VerificationInvalidSignature
	}

	a.mu.Lock()
	_, revoked := a.revoked[t.Payload.TokenID]
	a.mu.Unlock()
	if revoked {
		return VerificationRevoked
	}

	if time.Now().UTC().Unix() > t.Payload.ExpiresAt {
		return VerificationExpired
	}

	if t.Payload.IssuerID != a.issuerID {
		return VerificationInvalidIssuer
	}

	if t.Payload.IssuerPublicKey != hex.EncodeToString(a.signer.PublicKey()) {
		return VerificationInvalidPublicKey
	}

	if !signing.Verify(a.signer, t) {
		return VerificationInvalidSignature
	}

	return VerificationValid
}

// RevokeToken adds id to the revocation set, reporting whether the token
// was known to this authority.
func (a *Authority) RevokeToken(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.issued[id]; !ok {
		return false
	}
	a.revoked[id] = struct{}{}
	return true
}

// CheckPermission verifies t, then checks that it carries the permission
// op requires, that one of its key patterns matches key, that it has not
// exceeded its operation quota, and that it is not rate-limited — in
// that order. No result is ever silently downgraded to Authorized.
func (a *Authority) CheckPermission(t *SignedToken, op Operation, key string) AuthorizationResult {
	if v := a.VerifyToken(t); v != VerificationValid {
		return AuthorizationResult{Kind: AuthorizationTokenInvalid, TokenInvalidAs: v}
	}

	required, ok := operationPermission[op]
	if !ok {
		return AuthorizationResult{Kind: AuthorizationInsufficientPermissions}
	}
	if !hasPermission(t.Payload.Permissions, required) {
		return AuthorizationResult{Kind: AuthorizationInsufficientPermissions}
	}

	if !anyPatternMatches(t.Payload.KeyPatterns, key) {
		return AuthorizationResult{Kind: AuthorizationKeyAccessDenied}
	}

	a.mu.Lock()
	count := a.opCounts[t.Payload.TokenID]
	if t.Payload.Metadata.MaxOperations > 0 && count >= t.Payload.Metadata.MaxOperations {
		a.mu.Unlock()
		return AuthorizationResult{Kind: AuthorizationOperationLimitExceeded}
	}
	limiter := a.limiters[t.Payload.TokenID]
	a.mu.Unlock()

	if limiter != nil && !limiter.TryWait() {
		return AuthorizationResult{Kind: AuthorizationRateLimitExceeded}
	}

	a.mu.Lock()
	a.opCounts[t.Payload.TokenID] = count + 1
	a.mu.Unlock()

	return AuthorizationResult{Kind: AuthorizationAuthorized}
}

func hasPermission(granted []Permission, required Permission) bool {
	for _, p := range granted {
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}

func anyPatternMatches(patterns []string, key string) bool {
	for _, p := range patterns {
		if patternMatches(p, key) {
			return true
		}
	}
	return false
}

// patternMatches supports "*" as a single path-segment wildcard and "**"
// as a multi-segment wildcard, with segments separated by "/".
func patternMatches(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(key, "/"))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	head := pattern[0]

	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	}

	if len(key) == 0 {
		return false
	}
	if head != "*" && head != key[0] {
		return false
	}
	return matchSegments(pattern[1:], key[1:])
}
