package merkle_test

import (
	"testing"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/merkle"
)

func meta(content string, size int64, modified int64) (digest.Digest, merkle.Metadata) {
	h := digest.Bytes([]byte(content))
	return h, merkle.Metadata{SizeBytes: size, ModifiedAt: modified}
}

func TestEmptyTreeHasNoRoot(t *testing.T) {
	tr := merkle.New()
	if _, ok := tr.RootHash(); ok {
		t.Error("expected empty tree to report no root")
	}
}

func TestSingleLeafRootEqualsLeafHashDuplicated(t *testing.T) {
	tr := merkle.New()
	h, m := meta("a", 1, 100)
	tr.Insert("key-a", h, m)

	root, ok := tr.RootHash()
	if !ok {
		t.Fatal("expected a root after one insert")
	}
	if root.IsZero() {
		t.Error("expected non-zero root hash")
	}
}

func TestRootIsDeterministicRegardlessOfInsertOrder(t *testing.T) {
	t1 := merkle.New()
	hA, mA := meta("a", 1, 100)
	hB, mB := meta("b", 2, 200)
	hC, mC := meta("c", 3, 300)
	t1.Insert("key-a", hA, mA)
	t1.Insert("key-b", hB, mB)
	t1.Insert("key-c", hC, mC)

	t2 := merkle.New()
	t2.Insert("key-c", hC, mC)
	t2.Insert("key-a", hA, mA)
	t2.Insert("key-b", hB, mB)

	r1, _ := t1.RootHash()
	r2, _ := t2.RootHash()
	if r1 != r2 {
		t.Error("expected root to be independent of insertion order")
	}
}

func TestInsertReplacesExistingLeaf(t *testing.T) {
	tr := merkle.New()
	h1, m1 := meta("v1", 1, 100)
	tr.Insert("key-a", h1, m1)
	r1, _ := tr.RootHash()

	h2, m2 := meta("v2", 2, 200)
	tr.Insert("key-a", h2, m2)
	r2, _ := tr.RootHash()

	if r1 == r2 {
		t.Error("expected root to change after replacing a leaf's content")
	}
	if tr.StatsSnapshot().LeafCount != 1 {
		t.Errorf("expected 1 leaf after replace, got %d", tr.StatsSnapshot().LeafCount)
	}
}

func TestRemoveReturnsFalseForMissingKey(t *testing.T) {
	tr := merkle.New()
	if tr.Remove("never-inserted") {
		t.Error("expected Remove to return false for an absent key")
	}
}

func TestRemoveRebuildsTree(t *testing.T) {
	tr := merkle.New()
	hA, mA := meta("a", 1, 100)
	hB, mB := meta("b", 2, 200)
	tr.Insert("key-a", hA, mA)
	tr.Insert("key-b", hB, mB)

	if !tr.Remove("key-a") {
		t.Fatal("expected Remove to succeed for a present key")
	}
	if tr.StatsSnapshot().LeafCount != 1 {
		t.Errorf("expected 1 leaf after remove, got %d", tr.StatsSnapshot().LeafCount)
	}
}

func TestGenerateAndVerifyProofForOddLeafCount(t *testing.T) {
	tr := merkle.New()
	keys := []string{"key-a", "key-b", "key-c"}
	for i, k := range keys {
		h, m := meta(k, int64(i+1), int64((i+1)*100))
		tr.Insert(k, h, m)
	}

	for _, k := range keys {
		proof, ok := tr.GenerateProof(k)
		if !ok {
			t.Fatalf("expected proof for %s", k)
		}
		if !merkle.VerifyProof(proof) {
			t.Errorf("expected proof for %s to verify", k)
		}
	}
}

func TestGenerateProofMissingKey(t *testing.T) {
	tr := merkle.New()
	h, m := meta("a", 1, 100)
	tr.Insert("key-a", h, m)

	if _, ok := tr.GenerateProof("nonexistent"); ok {
		t.Error("expected no proof for a key never inserted")
	}
}

func TestVerifyProofRejectsTamperedPath(t *testing.T) {
	tr := merkle.New()
	for i, k := range []string{"key-a", "key-b", "key-c", "key-d"} {
		h, m := meta(k, int64(i+1), int64((i+1)*100))
		tr.Insert(k, h, m)
	}

	proof, ok := tr.GenerateProof("key-b")
	if !ok {
		t.Fatal("expected proof for key-b")
	}
	if len(proof.ProofPath) == 0 {
		t.Fatal("expected a non-empty proof path for 4 leaves")
	}
	proof.ProofPath[0].SiblingHash = digest.Bytes([]byte("tampered"))

	if merkle.VerifyProof(proof) {
		t.Error("expected tampered proof path to fail verification")
	}
}

func TestVerifyIntegrityDetectsHashMismatch(t *testing.T) {
	tr := merkle.New()
	h, m := meta("a", 1, 100)
	tr.Insert("key-a", h, m)

	report := tr.VerifyIntegrity()
	if !report.Valid {
		t.Fatalf("expected a freshly built tree to be valid, got corrupted: %+v", report.Corrupted)
	}
	if report.LeafCount != 1 {
		t.Errorf("expected leaf count 1, got %d", report.LeafCount)
	}
}

func TestStatsReflectHeightAndCounts(t *testing.T) {
	tr := merkle.New()
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		h, m := meta(k, int64(i+1), int64((i+1)*100))
		tr.Insert(k, h, m)
	}
	stats := tr.StatsSnapshot()
	if stats.LeafCount != 5 {
		t.Errorf("expected 5 leaves, got %d", stats.LeafCount)
	}
	if stats.Height == 0 {
		t.Error("expected nonzero height for a 5-leaf tree")
	}
	if stats.InternalCount == 0 {
		t.Error("expected at least one internal node for a 5-leaf tree")
	}
}
