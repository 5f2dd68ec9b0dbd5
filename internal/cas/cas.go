// Package cas implements the content-addressed store: a durable
// hash-to-bytes mapping with small-object inlining, reference counting,
// and crash-safe garbage collection.
package cas

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
)

const indexFileName = "index"

// flag bits for an index record.
const (
	flagInline    byte = 1 << 0
	flagTombstone byte = 1 << 1
)

// Entry describes a stored object's metadata, without its bytes.
type Entry struct {
	Hash     digest.Digest
	Size     int64
	RefCount int64
	Inline   bool
}

// Store is the content-addressed store rooted at a single cache directory.
// store()/garbage_collect() coordinate through a per-hash lock so a GC pass
// can never race a concurrent store of the same hash.
type Store struct {
	root                 string
	inlineThresholdBytes int64
	maxSizeBytes         int64

	mu      sync.RWMutex
	entries map[digest.Digest]*indexEntry

	hashLocksMu sync.Mutex
	hashLocks   map[digest.Digest]*sync.Mutex

	indexMu   sync.Mutex // serializes appends to the on-disk index log
	indexPath string
}

type indexEntry struct {
	size     int64
	inline   []byte // non-nil iff stored inline
	refCount int64
	tomb     bool
}

// Options configures inline-threshold and size-cap behavior.
type Options struct {
	InlineThresholdBytes int64
	MaxSizeBytes         int64
}

// Open opens (or creates) a content-addressed store rooted at dir,
// replaying its on-disk index log to rebuild the in-memory index.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating CAS root").WithContext("dir", dir)
	}

	s := &Store{
		root:                 dir,
		inlineThresholdBytes: opts.InlineThresholdBytes,
		maxSizeBytes:         opts.MaxSizeBytes,
		entries:              make(map[digest.Digest]*indexEntry),
		hashLocks:            make(map[digest.Digest]*sync.Mutex),
		indexPath:            filepath.Join(dir, indexFileName),
	}

	if err := s.replayIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) lockFor(h digest.Digest) *sync.Mutex {
	s.hashLocksMu.Lock()
	defer s.hashLocksMu.Unlock()
	l, ok := s.hashLocks[h]
	if !ok {
		l = &sync.Mutex{}
		s.hashLocks[h] = l
	}
	return l
}

// Store reads all of r, computing its digest while reading, and records it
// in the index — inline if small enough, else as a sharded file written
// atomically (temp file + fsync + rename). Storing an already-present hash
// is a no-op (dedupe); storing a new hash that happens to collide with an
// existing one under different bytes is impossible by construction (the
// digest is computed from the bytes themselves), but a corrupt on-disk
// blob found at retrieve time is reported as Corruption.
func (s *Store) Store(r io.Reader) (digest.Digest, error) {
	buf := &bytes.Buffer{}
	d, size, err := digest.Reader(io.TeeReader(r, buf))
	if err != nil {
		return digest.Digest{}, errors.Wrap(err, errors.CodeIo, "reading input for CAS store")
	}

	lock := s.lockFor(d)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, exists := s.entries[d]
	s.mu.RUnlock()
	if exists {
		return d, nil
	}

	data := buf.Bytes()
	inline := size <= s.inlineThresholdBytes

	if s.maxSizeBytes > 0 {
		used, err := s.totalBytesLocked()
		if err != nil {
			return digest.Digest{}, err
		}
		if used+size > s.maxSizeBytes {
			return digest.Digest{}, errors.New(errors.CodeCapacityExceeded, "storing this object would exceed the configured CAS size budget").
				WithContext("hash", d.String())
		}
	}

	if inline {
		if err := s.appendIndexRecord(d, 0, int64(len(data)), data); err != nil {
			return digest.Digest{}, err
		}
		s.mu.Lock()
		s.entries[d] = &indexEntry{size: int64(len(data)), inline: append([]byte(nil), data...)}
		s.mu.Unlock()
		return d, nil
	}

	path := s.shardPath(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return digest.Digest{}, errors.Wrap(err, errors.CodeIo, "creating CAS shard directory")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return digest.Digest{}, err
	}
	if err := s.appendIndexRecord(d, 0, size, nil); err != nil {
		return digest.Digest{}, err
	}
	s.mu.Lock()
	s.entries[d] = &indexEntry{size: size}
	s.mu.Unlock()

	return d, nil
}

// Retrieve returns the stored bytes for hash, or Corruption{Missing} if
// absent or the on-disk blob no longer matches its digest.
func (s *Store) Retrieve(h digest.Digest) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[h]
	s.mu.RUnlock()
	if !ok || e.tomb {
		return nil, errors.New(errors.CodeCorruption, "CAS entry missing").WithContext("hash", h.String())
	}

	if e.inline != nil {
		return append([]byte(nil), e.inline...), nil
	}

	path := s.shardPath(h)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading CAS blob").WithContext("hash", h.String())
	}
	if digest.Bytes(data) != h {
		return nil, errors.New(errors.CodeCorruption, "stored blob digest mismatch").WithContext("hash", h.String())
	}
	return data, nil
}

// Contains reports whether hash is present and not tombstoned.
func (s *Store) Contains(h digest.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	return ok && !e.tomb
}

// IncRef increments the reference count for hash.
func (s *Store) IncRef(h digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.New(errors.CodeCorruption, "cannot inc_ref unknown CAS entry").WithContext("hash", h.String())
	}
	e.refCount++
	return nil
}

// DecRef decrements the reference count for hash. Ref counts never go
// negative; decrementing an already-zero count is a no-op.
func (s *Store) DecRef(h digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.New(errors.CodeCorruption, "cannot dec_ref unknown CAS entry").WithContext("hash", h.String())
	}
	if e.refCount > 0 {
		e.refCount--
	}
	return nil
}

// Entry returns a snapshot of the index entry for hash.
func (s *Store) Entry(h digest.Digest) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	if !ok || e.tomb {
		return Entry{}, false
	}
	return Entry{Hash: h, Size: e.size, RefCount: e.refCount, Inline: e.inline != nil}, true
}

// GarbageCollect removes every entry with ref_count == 0: its file (if
// any) and its index record, tombstoning the record until the next
// compaction rewrites the log. A per-hash lock is held for each candidate
// so GC never races a concurrent Store of that same hash.
func (s *Store) GarbageCollect() (removedCount int, removedBytes int64, err error) {
	s.mu.RLock()
	candidates := make([]digest.Digest, 0)
	for h, e := range s.entries {
		if !e.tomb && e.refCount == 0 {
			candidates = append(candidates, h)
		}
	}
	s.mu.RUnlock()

	for _, h := range candidates {
		lock := s.lockFor(h)
		lock.Lock()

		s.mu.Lock()
		e, ok := s.entries[h]
		if !ok || e.tomb || e.refCount != 0 {
			s.mu.Unlock()
			lock.Unlock()
			continue
		}
		size := e.size
		inline := e.inline != nil
		e.tomb = true
		s.mu.Unlock()

		if !inline {
			if rmErr := os.Remove(s.shardPath(h)); rmErr != nil && !os.IsNotExist(rmErr) {
				lock.Unlock()
				return removedCount, removedBytes, errors.Wrap(rmErr, errors.CodeIo, "removing CAS blob during GC").WithContext("hash", h.String())
			}
		}
		if appendErr := s.appendIndexRecord(h, flagTombstone, size, nil); appendErr != nil {
			lock.Unlock()
			return removedCount, removedBytes, appendErr
		}

		removedCount++
		removedBytes += size
		lock.Unlock()
	}

	if removedCount > 0 {
		if err := s.compact(); err != nil {
			return removedCount, removedBytes, err
		}
	}

	return removedCount, removedBytes, nil
}

// RemoveOrphans deletes any sharded blob file on disk that the index does
// not reference — the residue of a crash between writing the blob and
// appending its index record.
func (s *Store) RemoveOrphans() (int, error) {
	removed := 0
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeIo, "reading CAS root")
	}

	s.mu.RLock()
	known := make(map[string]struct{}, len(s.entries))
	for h, e := range s.entries {
		if e.inline == nil && !e.tomb {
			known[s.shardPath(h)] = struct{}{}
		}
	}
	s.mu.RUnlock()

	for _, shardDir := range entries {
		if !shardDir.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shardDir.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			full := filepath.Join(shardPath, f.Name())
			if _, ok := known[full]; !ok {
				if err := os.Remove(full); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

// Stats reports the store's live (non-tombstoned) entry count and total
// byte size.
func (s *Store) Stats() (entryCount int, totalBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if !e.tomb {
			entryCount++
			totalBytes += e.size
		}
	}
	return entryCount, totalBytes
}

func (s *Store) totalBytesLocked() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.entries {
		if !e.tomb {
			total += e.size
		}
	}
	return total, nil
}

func (s *Store) shardPath(h digest.Digest) string {
	return filepath.Join(s.root, h.ShardPrefix(), h.ShardRest())
}

// appendIndexRecord appends {hash(32B), flags(1B), size(u64-LE), [inline bytes]}
// to the on-disk index log.
func (s *Store) appendIndexRecord(h digest.Digest, flags byte, size int64, inline []byte) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	f, err := os.OpenFile(s.indexPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "opening CAS index for append")
	}
	defer f.Close()

	if flags&flagInline == 0 && inline != nil {
		flags |= flagInline
	}

	var buf bytes.Buffer
	buf.Write(h[:])
	buf.WriteByte(flags)
	binary.Write(&buf, binary.LittleEndian, uint64(size))
	if flags&flagInline != 0 {
		buf.Write(inline)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.CodeIo, "appending CAS index record")
	}
	return unix.Fsync(int(f.Fd()))
}

func (s *Store) replayIndex() error {
	f, err := os.Open(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "opening CAS index")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var header [41]byte
		_, err := io.ReadFull(r, header[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, errors.CodeCorruption, "truncated CAS index record")
		}

		var h digest.Digest
		copy(h[:], header[:32])
		flags := header[32]
		size := int64(binary.LittleEndian.Uint64(header[33:41]))

		var inline []byte
		if flags&flagInline != 0 {
			inline = make([]byte, size)
			if _, err := io.ReadFull(r, inline); err != nil {
				return errors.Wrap(err, errors.CodeCorruption, "truncated CAS inline payload")
			}
		}

		if flags&flagTombstone != 0 {
			s.entries[h] = &indexEntry{size: size, tomb: true}
			continue
		}
		s.entries[h] = &indexEntry{size: size, inline: inline}
	}
	return nil
}

// compact rewrites the index log keeping only live (non-tombstoned)
// records, discarding GC'd entries permanently.
func (s *Store) compact() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.indexPath + ".compact.tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "creating compacted CAS index")
	}

	live := make(map[digest.Digest]*indexEntry)
	for h, e := range s.entries {
		if e.tomb {
			continue
		}
		var buf bytes.Buffer
		buf.Write(h[:])
		flags := byte(0)
		if e.inline != nil {
			flags |= flagInline
		}
		buf.WriteByte(flags)
		binary.Write(&buf, binary.LittleEndian, uint64(e.size))
		if e.inline != nil {
			buf.Write(e.inline)
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errors.Wrap(err, errors.CodeIo, "writing compacted CAS index")
		}
		live[h] = e
	}

	if err := unix.Fsync(int(f.Fd())); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeIo, "syncing compacted CAS index")
	}
	f.Close()

	if err := os.Rename(tmpPath, s.indexPath); err != nil {
		return errors.Wrap(err, errors.CodeIo, "committing compacted CAS index")
	}

	s.entries = live
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "creating temp CAS blob")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeIo, "writing temp CAS blob")
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeIo, "fsyncing temp CAS blob")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeIo, "closing temp CAS blob")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeIo, "renaming CAS blob into place")
	}
	return nil
}
