package digest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBytesDeterministic(t *testing.T) {
	d1 := Bytes([]byte("hello"))
	d2 := Bytes([]byte("hello"))
	if d1 != d2 {
		t.Error("Bytes should be deterministic for identical input")
	}
	if Bytes([]byte("hello")) == Bytes([]byte("world")) {
		t.Error("different inputs should not collide")
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := Bytes([]byte("round trip"))
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != d {
		t.Error("parsed digest does not match original")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("too-short"); err == nil {
		t.Error("expected error for short digest string")
	}
	if _, err := Parse(string(make([]byte, 64))); err == nil {
		t.Error("expected error for non-hex digest string")
	}
}

func TestShardPrefixRest(t *testing.T) {
	d := Bytes([]byte("shard me"))
	s := d.String()
	if d.ShardPrefix()+d.ShardRest() != s {
		t.Errorf("shard prefix+rest should reconstitute the full digest: got %s%s, want %s", d.ShardPrefix(), d.ShardRest(), s)
	}
	if len(d.ShardPrefix()) != 2 {
		t.Errorf("expected 2-char shard prefix, got %d", len(d.ShardPrefix()))
	}
}

func TestReaderMatchesBytes(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100*1024+7) // cross several chunk boundaries
	want := Bytes(data)

	got, size, err := Reader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	if got != want {
		t.Error("streamed digest should match whole-buffer digest")
	}
	if size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), size)
	}
}

func TestFileMatchesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	data := bytes.Repeat([]byte("abc"), 50000)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	want := Bytes(data)
	got, size, err := File(path)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if got != want {
		t.Error("file digest should match in-memory digest")
	}
	if size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), size)
	}
}

func TestFileMissing(t *testing.T) {
	if _, _, err := File("/nonexistent/path/to/blob"); err == nil {
		t.Error("expected error for missing file")
	}
}

type canonicalPair struct {
	Name  string            `json:"name"`
	Count int64             `json:"count"`
	Tags  map[string]string `json:"tags"`
}

func TestCanonicalStructFieldOrder(t *testing.T) {
	a := canonicalPair{Name: "x", Count: 3, Tags: map[string]string{"a": "1", "b": "2"}}
	encA, err := Canonical(a)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	encB, err := Canonical(a)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Error("Canonical should be deterministic for identical structs")
	}
}

func TestCanonicalMapKeyOrderIndependent(t *testing.T) {
	m1 := map[string]string{"z": "1", "a": "2", "m": "3"}
	m2 := map[string]string{"a": "2", "m": "3", "z": "1"}

	enc1, err := Canonical(m1)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	enc2, err := Canonical(m2)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if !bytes.Equal(enc1, enc2) {
		t.Error("Canonical encoding of a map must not depend on insertion order")
	}
}

func TestCanonicalDistinguishesValues(t *testing.T) {
	a := canonicalPair{Name: "x", Count: 1}
	b := canonicalPair{Name: "x", Count: 2}

	encA, _ := Canonical(a)
	encB, _ := Canonical(b)
	if bytes.Equal(encA, encB) {
		t.Error("distinct values should not encode identically")
	}
}

func TestCanonicalUnsupportedType(t *testing.T) {
	ch := make(chan int)
	if _, err := Canonical(ch); err == nil {
		t.Error("expected error encoding an unsupported type")
	}
}
