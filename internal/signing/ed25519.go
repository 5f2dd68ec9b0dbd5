// Package signing provides ed25519-backed authentication for every record
// cachecore signs: action results and capability tokens are signed over
// their canonical byte encoding and verified against a signer whose key
// pair lives once per cache directory. Audit entries are hash-chained,
// not signed.
//
// Key principles:
//   - ed25519 by default (fast, small keys, strong security)
//   - private key material is never printed or serialized in any output
//   - signatures are computed over digest.Canonical(payload), never raw structs
//   - key material is generated once per cache directory and loaded thereafter
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
)

// Algorithm identifies the signing algorithm used. 0 = Ed25519 per the
// on-disk action-record header; the core supports no other algorithm.
type Algorithm uint8

const (
	// AlgorithmEd25519 is the only supported signing algorithm.
	AlgorithmEd25519 Algorithm = 0
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

const (
	secretKeyFile = "secret.key"
	publicKeyFile = "public.key"
	keyIDFile     = "key.id"
)

// SignedRecord pairs a payload with a signature over its canonical
// encoding, plus enough metadata to verify it without external context.
type SignedRecord[T any] struct {
	Payload     T      `json:"payload"`
	SignerKeyID string `json:"signer_key_id"`
	Signature   []byte `json:"signature"`
	Algorithm   Algorithm `json:"algorithm"`
}

// Signer holds an Ed25519 key pair persisted under a cache directory's
// signer/ subdirectory. The secret key is loaded once and held read-only
// for the lifetime of the process.
type Signer struct {
	mu        sync.RWMutex
	keyID     string // hex of SHA-256(public key)[:16]
	publicKey ed25519.PublicKey
	secretKey ed25519.PrivateKey
}

// Open loads the signer key pair from dir, generating and persisting a
// fresh Ed25519 key pair on first use in this directory.
func Open(dir string) (*Signer, error) {
	secretPath := filepath.Join(dir, secretKeyFile)

	if _, err := os.Stat(secretPath); os.IsNotExist(err) {
		return generate(dir)
	} else if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "checking signer key directory").WithContext("dir", dir)
	}

	return load(dir)
}

// KeyID returns the hex key id (SHA-256(public key)[:16]) for this signer.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// PublicKey returns a copy of the Ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk := make(ed25519.PublicKey, len(s.publicKey))
	copy(pk, s.publicKey)
	return pk
}

// Sign produces a SignedRecord over the canonical encoding of payload.
func Sign[T any](s *Signer, payload T) (*SignedRecord[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canon, err := digest.Canonical(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "canonicalizing payload for signing")
	}

	sig := ed25519.Sign(s.secretKey, canon)
	return &SignedRecord[T]{
		Payload:     payload,
		SignerKeyID: s.keyID,
		Signature:   sig,
		Algorithm:   AlgorithmEd25519,
	}, nil
}

// Verify reports whether record.Signature is a valid Ed25519 signature
// over the canonical encoding of record.Payload, under this signer's
// public key. A record signed by a foreign key id always verifies false:
// there is no cross-signer trust in the core.
func Verify[T any](s *Signer, record *SignedRecord[T]) bool {
	if record == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record.Algorithm != AlgorithmEd25519 {
		return false
	}
	if record.SignerKeyID != s.keyID {
		return false
	}
	canon, err := digest.Canonical(record.Payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.publicKey, canon, record.Signature)
}

func generate(dir string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "generating ed25519 key pair")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating signer key directory").WithContext("dir", dir)
	}

	keyID := deriveKeyID(pub)

	if err := os.WriteFile(filepath.Join(dir, secretKeyFile), []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "writing secret key")
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "writing public key")
	}
	if err := os.WriteFile(filepath.Join(dir, keyIDFile), []byte(keyID+"\n"), 0o644); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "writing key id")
	}

	return &Signer{keyID: keyID, publicKey: pub, secretKey: priv}, nil
}

func load(dir string) (*Signer, error) {
	seedHex, err := os.ReadFile(filepath.Join(dir, secretKeyFile))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "reading secret key")
	}
	seed, err := hex.DecodeString(trimNewline(seedHex))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.New(errors.CodeCorruption, "secret key file is malformed").WithContext("dir", dir)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	keyID := deriveKeyID(pub)

	// Cross-check persisted key id, if present, against the derived one.
	if idBytes, err := os.ReadFile(filepath.Join(dir, keyIDFile)); err == nil {
		if trimNewline(idBytes) != keyID {
			return nil, errors.New(errors.CodeCorruption, "persisted key id does not match loaded secret key").WithContext("dir", dir)
		}
	}

	return &Signer{keyID: keyID, publicKey: pub, secretKey: priv}, nil
}

func deriveKeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:16])
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// ActionRecordMagic opens the fixed on-disk prefix for a persisted signed
// action result: "CUENV\0" + u32 version + algorithm tag + 16-byte key id
// + 64-byte signature, followed by the length-prefixed payload in the
// action cache's reversible binary encoding.
var ActionRecordMagic = [6]byte{'C', 'U', 'E', 'N', 'V', 0}

// ActionRecordVersion is the current action-record format version.
const ActionRecordVersion uint32 = 1

// ErrUnknownRecordVersion/ErrUnknownAlgorithm are returned by callers that
// decode an action record header and find a version or algorithm tag they
// don't understand. Defined here, next to the header constants; the
// action-cache package's record decoder is the caller that returns them.
var (
	ErrUnknownRecordVersion = fmt.Errorf("signing: unknown action record version")
	ErrUnknownAlgorithm     = fmt.Errorf("signing: unknown signing algorithm")
)
