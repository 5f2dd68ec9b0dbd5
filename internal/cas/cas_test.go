package cas_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgecache/cachecore/internal/cas"
	"github.com/forgecache/cachecore/internal/digest"
)

func open(t *testing.T, opts cas.Options) *cas.Store {
	t.Helper()
	s, err := cas.Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestStoreAndRetrieveInline(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 4096})

	h, err := s.Store(bytes.NewReader([]byte("hello cache")))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.Retrieve(h)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(got) != "hello cache" {
		t.Errorf("expected 'hello cache', got %q", got)
	}

	e, ok := s.Entry(h)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if !e.Inline {
		t.Error("expected small object to be stored inline")
	}
}

func TestStoreSpillsLargeObjectsToShardedFiles(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 8})

	data := bytes.Repeat([]byte("x"), 1024)
	h, err := s.Store(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	e, ok := s.Entry(h)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if e.Inline {
		t.Error("expected large object to spill to a sharded file, not inline")
	}

	got, err := s.Retrieve(h)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("retrieved bytes do not match stored bytes")
	}
}

func TestStoreDedupesIdenticalBytes(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 4096})

	h1, err := s.Store(bytes.NewReader([]byte("same bytes")))
	if err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	h2, err := s.Store(bytes.NewReader([]byte("same bytes")))
	if err != nil {
		t.Fatalf("second Store failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical bytes to produce identical digests, got %s and %s", h1, h2)
	}
}

func TestRetrieveMissingFailsWithCorruption(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 4096})
	d := digest.Bytes([]byte("never stored"))
	if _, err := s.Retrieve(d); err == nil {
		t.Error("expected error retrieving a hash never stored")
	}
}

func TestRetrieveDetectsTamperedBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := cas.Open(dir, cas.Options{InlineThresholdBytes: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	data := bytes.Repeat([]byte("y"), 64)
	h, err := s.Store(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	shardPath := filepath.Join(dir, h.ShardPrefix(), h.ShardRest())
	if err := os.WriteFile(shardPath, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("failed to tamper with blob: %v", err)
	}

	if _, err := s.Retrieve(h); err == nil {
		t.Error("expected tampered blob to fail digest verification on retrieve")
	}
}

func TestGarbageCollectRemovesZeroRefEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := cas.Open(dir, cas.Options{InlineThresholdBytes: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	data := bytes.Repeat([]byte("z"), 64)
	h, err := s.Store(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	removedCount, removedBytes, err := s.GarbageCollect()
	if err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}
	if removedCount != 1 {
		t.Errorf("expected 1 entry removed, got %d", removedCount)
	}
	if removedBytes != int64(len(data)) {
		t.Errorf("expected %d bytes removed, got %d", len(data), removedBytes)
	}
	if s.Contains(h) {
		t.Error("expected entry to be gone after GC")
	}
}

func TestGarbageCollectSparesReferencedEntries(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 1})

	data := bytes.Repeat([]byte("w"), 64)
	h, err := s.Store(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.IncRef(h); err != nil {
		t.Fatalf("IncRef failed: %v", err)
	}

	if _, _, err := s.GarbageCollect(); err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}

	if !s.Contains(h) {
		t.Error("expected referenced entry to survive GC")
	}
}

func TestDecRefThenGarbageCollectRemoves(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 1})

	data := bytes.Repeat([]byte("v"), 64)
	h, err := s.Store(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.IncRef(h); err != nil {
		t.Fatalf("IncRef failed: %v", err)
	}
	if err := s.DecRef(h); err != nil {
		t.Fatalf("DecRef failed: %v", err)
	}

	if _, _, err := s.GarbageCollect(); err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}
	if s.Contains(h) {
		t.Error("expected entry with ref count back to zero to be collected")
	}
}

func TestStoreRejectsOverCapacityBudget(t *testing.T) {
	s := open(t, cas.Options{InlineThresholdBytes: 4096, MaxSizeBytes: 10})

	if _, err := s.Store(bytes.NewReader(bytes.Repeat([]byte("a"), 100))); err == nil {
		t.Error("expected storing past the size budget to fail")
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := cas.Open(dir, cas.Options{InlineThresholdBytes: 4096})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h, err := s1.Store(bytes.NewReader([]byte("persisted")))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	s2, err := cas.Open(dir, cas.Options{InlineThresholdBytes: 4096})
	if err != nil {
		t.Fatalf("reopening Store failed: %v", err)
	}
	got, err := s2.Retrieve(h)
	if err != nil {
		t.Fatalf("Retrieve after reopen failed: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("expected 'persisted', got %q", got)
	}
}

func TestRemoveOrphansDeletesUnindexedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := cas.Open(dir, cas.Options{InlineThresholdBytes: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	orphanDir := filepath.Join(dir, "ab")
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		t.Fatalf("mkdir orphan dir: %v", err)
	}
	orphanPath := filepath.Join(orphanDir, "orphaned-blob")
	if err := os.WriteFile(orphanPath, []byte("orphan"), 0o644); err != nil {
		t.Fatalf("writing orphan file: %v", err)
	}

	removed, err := s.RemoveOrphans()
	if err != nil {
		t.Fatalf("RemoveOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 orphan removed, got %d", removed)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("expected orphan file to be deleted")
	}
}
