// Package merkle gives a compact, verifiable proof that a (cache_key ->
// content) mapping existed at a given tree root, and lets a caller detect
// tampering in a stored set of such mappings.
package merkle

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/forgecache/cachecore/internal/digest"
)

// Metadata describes the entry a leaf commits to.
type Metadata struct {
	ContentHash digest.Digest
	SizeBytes   int64
	ModifiedAt  int64 // unix seconds
	ExpiresAt   *int64
}

type leafRecord struct {
	cacheKey string
	meta     Metadata
	hash     digest.Digest
}

// Stats summarizes the current tree shape.
type Stats struct {
	LeafCount     int
	InternalCount int
	Height        int
}

// ProofStep is one level of a Merkle proof: the sibling hash encountered
// while climbing from a leaf to the root, and which side it sits on.
type ProofStep struct {
	SiblingHash   digest.Digest
	IsLeftSibling bool
}

// Proof is a compact membership proof for a single cache key.
type Proof struct {
	EntryHash digest.Digest
	CacheKey  string
	ProofPath []ProofStep
	RootHash  digest.Digest
	TreeSize  int
}

// CorruptedEntry names a leaf or internal node whose recomputed hash
// didn't match the stored one.
type CorruptedEntry struct {
	CacheKey string // empty for a corrupted internal node
	Reason   string
}

// IntegrityReport is the result of a full recomputation pass.
type IntegrityReport struct {
	Valid      bool
	Corrupted  []CorruptedEntry
	LeafCount  int
	RootHash   digest.Digest
}

// Tree is a Merkle tree over cache_key-indexed leaves, rebuilt from
// scratch on every insert/remove. Leaves are always processed in
// sorted-by-cache-key order so the root is a pure function of the
// current key set (I4).
type Tree struct {
	mu     sync.RWMutex
	leaves map[string]*leafRecord
	order  []string            // cache keys, sorted, kept in sync with levels
	levels [][]digest.Digest   // levels[0] = leaf hashes in `order`; last = [root]
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{leaves: make(map[string]*leafRecord)}
}

// Insert replaces any existing leaf for cacheKey and rebuilds the tree.
func (t *Tree) Insert(cacheKey string, contentHash digest.Digest, meta Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta.ContentHash = contentHash
	rec := &leafRecord{cacheKey: cacheKey, meta: meta}
	rec.hash = leafHash(cacheKey, meta)

	if _, existed := t.leaves[cacheKey]; !existed {
		t.order = append(t.order, cacheKey)
		sort.Strings(t.order)
	}
	t.leaves[cacheKey] = rec
	t.rebuild()
}

// Remove deletes the leaf for cacheKey, rebuilds the tree, and reports
// whether a leaf was actually present.
func (t *Tree) Remove(cacheKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.leaves[cacheKey]; !ok {
		return false
	}
	delete(t.leaves, cacheKey)
	for i, k := range t.order {
		if k == cacheKey {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.rebuild()
	return true
}

// RootHash returns the current root, or false if the tree is empty.
func (t *Tree) RootHash() (digest.Digest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.levels) == 0 {
		return digest.Digest{}, false
	}
	top := t.levels[len(t.levels)-1]
	if len(top) != 1 {
		return digest.Digest{}, false
	}
	return top[0], true
}

// StatsSnapshot returns the current tree shape.
func (t *Tree) StatsSnapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{LeafCount: len(t.order)}
	if len(t.levels) > 0 {
		s.Height = len(t.levels) - 1
		for _, lvl := range t.levels[1:] {
			s.InternalCount += len(lvl)
		}
	}
	return s
}

// GenerateProof builds a membership proof for cacheKey by walking the
// sibling at each level from the leaf up to the root.
func (t *Tree) GenerateProof(cacheKey string) (*Proof, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.leaves[cacheKey]
	if !ok {
		return nil, false
	}
	idx := sort.SearchStrings(t.order, cacheKey)
	if idx >= len(t.order) || t.order[idx] != cacheKey {
		return nil, false
	}

	proof := &Proof{
		EntryHash: rec.hash,
		CacheKey:  cacheKey,
		TreeSize:  len(t.order),
	}

	curIdx := idx
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling digest.Digest
		isLeftSibling := false
		if curIdx%2 == 0 {
			if curIdx+1 < len(nodes) {
				sibling = nodes[curIdx+1]
			} else {
				sibling = nodes[curIdx] // duplicate-left: self plays the role of the right sibling
			}
			isLeftSibling = false
		} else {
			sibling = nodes[curIdx-1]
			isLeftSibling = true
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{SiblingHash: sibling, IsLeftSibling: isLeftSibling})
		curIdx /= 2
	}

	root, ok := t.RootHashLocked()
	if ok {
		proof.RootHash = root
	}
	return proof, true
}

// RootHashLocked is RootHash without re-acquiring the read lock; callers
// must already hold t.mu for reading.
func (t *Tree) RootHashLocked() (digest.Digest, bool) {
	if len(t.levels) == 0 {
		return digest.Digest{}, false
	}
	top := t.levels[len(t.levels)-1]
	if len(top) != 1 {
		return digest.Digest{}, false
	}
	return top[0], true
}

// VerifyProof recomputes the root from proof.EntryHash and proof.ProofPath
// and compares it against proof.RootHash.
func VerifyProof(proof *Proof) bool {
	if proof == nil {
		return false
	}
	current := proof.EntryHash
	for _, step := range proof.ProofPath {
		if step.IsLeftSibling {
			current = internalHash(step.SiblingHash, current)
		} else {
			current = internalHash(current, step.SiblingHash)
		}
	}
	return current == proof.RootHash
}

// VerifyIntegrity recomputes every leaf hash and every internal node from
// its children, reporting any cache key whose stored hash no longer
// matches its recomputed one.
func (t *Tree) VerifyIntegrity() IntegrityReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := IntegrityReport{Valid: true, LeafCount: len(t.order)}

	for _, key := range t.order {
		rec := t.leaves[key]
		want := leafHash(key, rec.meta)
		if want != rec.hash {
			report.Valid = false
			report.Corrupted = append(report.Corrupted, CorruptedEntry{CacheKey: key, Reason: "leaf hash mismatch"})
		}
	}

	for level := 0; level+1 < len(t.levels); level++ {
		nodes := t.levels[level]
		next := t.levels[level+1]
		for i := 0; i < len(next); i++ {
			leftIdx := i * 2
			rightIdx := leftIdx + 1
			var want digest.Digest
			if rightIdx < len(nodes) {
				want = internalHash(nodes[leftIdx], nodes[rightIdx])
			} else {
				want = internalHash(nodes[leftIdx], nodes[leftIdx])
			}
			if want != next[i] {
				report.Valid = false
				report.Corrupted = append(report.Corrupted, CorruptedEntry{Reason: "internal node hash mismatch"})
			}
		}
	}

	if root, ok := t.RootHashLocked(); ok {
		report.RootHash = root
	}
	return report
}

// rebuild recomputes every level from t.order/t.leaves. Must be called
// with t.mu held for writing.
func (t *Tree) rebuild() {
	if len(t.order) == 0 {
		t.levels = nil
		return
	}

	leafLevel := make([]digest.Digest, len(t.order))
	for i, key := range t.order {
		leafLevel[i] = t.leaves[key].hash
	}

	levels := [][]digest.Digest{leafLevel}
	current := leafLevel
	for len(current) > 1 {
		next := make([]digest.Digest, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, internalHash(current[i], current[i+1]))
			} else {
				next = append(next, internalHash(current[i], current[i]))
			}
		}
		levels = append(levels, next)
		current = next
	}
	t.levels = levels
}

func leafHash(cacheKey string, meta Metadata) digest.Digest {
	var buf bytes.Buffer
	buf.WriteString("LEAF:")
	buf.WriteString(cacheKey)
	buf.Write(meta.ContentHash[:])
	binary.Write(&buf, binary.LittleEndian, uint64(meta.SizeBytes))
	binary.Write(&buf, binary.LittleEndian, uint64(meta.ModifiedAt))
	if meta.ExpiresAt != nil {
		binary.Write(&buf, binary.LittleEndian, uint64(*meta.ExpiresAt))
	}
	return digest.Bytes(buf.Bytes())
}

func internalHash(left, right digest.Digest) digest.Digest {
	var buf bytes.Buffer
	buf.WriteString("INTERNAL:")
	buf.Write(left[:])
	buf.Write(right[:])
	return digest.Bytes(buf.Bytes())
}
