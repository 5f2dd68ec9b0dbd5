package signing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgecache/cachecore/internal/signing"
)

type testPayload struct {
	ActionDigest string
	ExitCode     int64
}

func TestOpenGeneratesKeyPair(t *testing.T) {
	dir := t.TempDir()
	s, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	if s.KeyID() == "" {
		t.Error("expected non-empty key id")
	}
	if len(s.KeyID()) != 32 { // 16 bytes hex-encoded
		t.Errorf("expected 32-char hex key id, got %d chars", len(s.KeyID()))
	}

	for _, name := range []string{"secret.key", "public.key", "key.id"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to be persisted: %v", name, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, "secret.key"))
	if err != nil {
		t.Fatalf("stat secret.key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected secret.key mode 0600, got %v", info.Mode().Perm())
	}
}

func TestOpenLoadsExistingKeyPair(t *testing.T) {
	dir := t.TempDir()
	first, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}

	second, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}

	if first.KeyID() != second.KeyID() {
		t.Errorf("expected stable key id across opens, got %s then %s", first.KeyID(), second.KeyID())
	}
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	s, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	payload := testPayload{ActionDigest: "deadbeef1234567890abcdef", ExitCode: 0}
	record, err := signing.Sign(s, payload)
	if err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}

	if record.SignerKeyID != s.KeyID() {
		t.Errorf("expected signer key id %s, got %s", s.KeyID(), record.SignerKeyID)
	}
	if len(record.Signature) == 0 {
		t.Error("expected non-empty signature")
	}

	if !signing.Verify(s, record) {
		t.Error("expected Verify() to succeed for a record signed by this signer")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	record, err := signing.Sign(s, testPayload{ActionDigest: "abc", ExitCode: 0})
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	record.Payload.ExitCode = 1
	if signing.Verify(s, record) {
		t.Error("expected Verify() to fail after payload was tampered with")
	}
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	signerA, err := signing.Open(dirA)
	if err != nil {
		t.Fatalf("Open(dirA) failed: %v", err)
	}
	signerB, err := signing.Open(dirB)
	if err != nil {
		t.Fatalf("Open(dirB) failed: %v", err)
	}

	record, err := signing.Sign(signerA, testPayload{ActionDigest: "xyz", ExitCode: 0})
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	if signing.Verify(signerB, record) {
		t.Error("expected Verify() to fail for a record signed by a different signer's key")
	}
}

func TestVerifyNilRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if signing.Verify[testPayload](s, nil) {
		t.Error("expected Verify() to reject a nil record")
	}
}

func TestKeyIDMatchesPersistedFile(t *testing.T) {
	dir := t.TempDir()
	s, err := signing.Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	pub, err := os.ReadFile(filepath.Join(dir, "public.key"))
	if err != nil {
		t.Fatalf("reading public.key: %v", err)
	}
	if len(pub) == 0 {
		t.Error("expected non-empty public key file")
	}

	id, err := os.ReadFile(filepath.Join(dir, "key.id"))
	if err != nil {
		t.Fatalf("reading key.id: %v", err)
	}
	trimmed := string(id)
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == '\n' || trimmed[len(trimmed)-1] == '\r') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if s.KeyID() != trimmed {
		t.Errorf("signer KeyID() %q does not match persisted key.id %q", s.KeyID(), trimmed)
	}
}
