// Package audit implements the tamper-evident, append-only log of every
// security-relevant event the cache observes: reads, writes, evictions,
// authentication/authorization decisions, and configuration changes. Each
// entry is hash-chained to the one before it so any after-the-fact edit,
// reorder, or deletion breaks verification.
package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
)

// EventType identifies the kind of security-relevant event an entry records.
type EventType string

const (
	EventCacheRead           EventType = "CACHE_READ"
	EventCacheWrite          EventType = "CACHE_WRITE"
	EventCacheDelete         EventType = "CACHE_DELETE"
	EventCacheClear          EventType = "CACHE_CLEAR"
	EventCacheEviction       EventType = "CACHE_EVICTION"
	EventAuthentication      EventType = "AUTHENTICATION"
	EventAuthorization       EventType = "AUTHORIZATION"
	EventConfigurationChange EventType = "CONFIGURATION_CHANGE"
	EventSecurityViolation   EventType = "SECURITY_VIOLATION"
	EventHealthCheck         EventType = "HEALTH_CHECK"
	EventError               EventType = "ERROR"
)

// SchemaVersion is embedded in every entry so future format changes can be
// detected by readers.
const SchemaVersion = 1

// GenesisHash anchors the very first entry of a fresh log.
var GenesisHash = genesisDigest().String()

func genesisDigest() digest.Digest {
	return digest.Bytes([]byte("cachecore-audit-genesis"))
}

const currentFileName = "current.jsonl"

// CurrentLogPath returns the path of the active log file within dir, for
// callers (such as cachectl, which passes it to VerifyLogIntegrity) that
// operate on a log directory rather than a Log handle.
func CurrentLogPath(dir string) string {
	return filepath.Join(dir, currentFileName)
}

// Entry is one line of the audit log.
type Entry struct {
	EntryID       string            `json:"entry_id"`
	Timestamp     string            `json:"timestamp"`
	Event         EventType         `json:"event"`
	Context       map[string]string `json:"context,omitempty"`
	IntegrityHash string            `json:"integrity_hash"`
	PreviousHash  string            `json:"previous_hash"`
	SchemaVersion int               `json:"schema_version"`
}

// hashable is Entry minus IntegrityHash: the exact field set that
// integrity_hash is computed over.
type hashable struct {
	EntryID       string            `json:"entry_id"`
	Timestamp     string            `json:"timestamp"`
	Event         EventType         `json:"event"`
	Context       map[string]string `json:"context,omitempty"`
	PreviousHash  string            `json:"previous_hash"`
	SchemaVersion int               `json:"schema_version"`
}

// Options configures rotation behavior.
type Options struct {
	MaxFileSizeBytes int64
	MaxArchivedFiles int
	CompressArchived bool
	ImmediateFlush   bool
}

// Log is an append-only, hash-chained JSON-lines audit log rooted at a
// single directory.
type Log struct {
	dir  string
	opts Options

	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	lastHash    string
}

// Open opens (or creates) the audit log under dir, replaying current.jsonl
// to recover the hash chain's tip.
func Open(dir string, opts Options) (*Log, error) {
	archivedDir := filepath.Join(dir, "archived")
	if err := os.MkdirAll(archivedDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating audit archive directory")
	}

	l := &Log{dir: dir, opts: opts, lastHash: GenesisHash}

	currentPath := filepath.Join(dir, currentFileName)
	if info, err := os.Stat(currentPath); err == nil {
		l.currentSize = info.Size()
		if last, err := tailLastHash(currentPath); err == nil && last != "" {
			l.lastHash = last
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, errors.CodeIo, "checking audit log state")
	}

	f, err := os.OpenFile(currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "opening audit log for append")
	}
	l.file = f
	l.writer = bufio.NewWriter(f)

	return l, nil
}

// Append records a new event, chaining it to the previous entry, and
// rotates the log if it now exceeds the configured size threshold.
func (l *Log) Append(event EventType, context map[string]string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := hashable{
		EntryID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Event:         event,
		Context:       context,
		PreviousHash:  l.lastHash,
		SchemaVersion: SchemaVersion,
	}
	integrityHash, err := computeIntegrityHash(h)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "computing audit entry integrity hash")
	}

	entry := &Entry{
		EntryID:       h.EntryID,
		Timestamp:     h.Timestamp,
		Event:         h.Event,
		Context:       h.Context,
		IntegrityHash: integrityHash,
		PreviousHash:  h.PreviousHash,
		SchemaVersion: h.SchemaVersion,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "marshaling audit entry")
	}
	line = append(line, '\n')

	if _, err := l.writer.Write(line); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "writing audit entry")
	}
	if l.opts.ImmediateFlush {
		if err := l.flushLocked(); err != nil {
			return nil, err
		}
	}

	l.currentSize += int64(len(line))
	l.lastHash = integrityHash

	if l.opts.MaxFileSizeBytes > 0 && l.currentSize >= l.opts.MaxFileSizeBytes {
		if err := l.rotateLocked(); err != nil {
			return nil, err
		}
	}

	return entry, nil
}

// Flush forces any buffered entries to disk.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeIo, "flushing audit log")
	}
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Log) rotateLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, errors.CodeIo, "closing current audit log for rotation")
	}

	currentPath := filepath.Join(l.dir, currentFileName)
	archivedDir := filepath.Join(l.dir, "archived")
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	archivedPath := filepath.Join(archivedDir, stamp+".jsonl")

	if err := os.Rename(currentPath, archivedPath); err != nil {
		return errors.Wrap(err, errors.CodeIo, "archiving audit log")
	}

	if l.opts.CompressArchived {
		if err := gzipFile(archivedPath); err != nil {
			return err
		}
	}

	if err := l.enforceRetentionLocked(); err != nil {
		return err
	}

	f, err := os.OpenFile(currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "creating new audit log after rotation")
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.currentSize = 0
	return nil
}

func (l *Log) enforceRetentionLocked() error {
	if l.opts.MaxArchivedFiles <= 0 {
		return nil
	}
	archivedDir := filepath.Join(l.dir, "archived")
	entries, err := os.ReadDir(archivedDir)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "listing archived audit logs")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	excess := len(names) - l.opts.MaxArchivedFiles
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(archivedDir, names[i])); err != nil {
			return errors.Wrap(err, errors.CodeIo, "pruning archived audit log")
		}
	}
	return nil
}

func gzipFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "reading archived audit log for compression")
	}

	gzPath := path + ".gz"
	f, err := os.Create(gzPath)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "creating compressed audit archive")
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		return errors.Wrap(err, errors.CodeIo, "compressing audit archive")
	}
	if err := gw.Close(); err != nil {
		return errors.Wrap(err, errors.CodeIo, "finalizing compressed audit archive")
	}
	return os.Remove(path)
}

func computeIntegrityHash(h hashable) (string, error) {
	canon, err := canonicalJSON(h)
	if err != nil {
		return "", err
	}
	sum := digest.Bytes(canon)
	return sum.String(), nil
}

// canonicalJSON produces deterministic JSON by sorting map keys, so
// integrity_hash is reproducible regardless of map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return marshalSorted(raw)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyBytes, _ := json.Marshal(k)
			out = append(out, keyBytes...)
			out = append(out, ':')
			valBytes, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valBytes...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemBytes, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemBytes...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(v)
	}
}

func tailLastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		last = e.IntegrityHash
	}
	return last, scanner.Err()
}

// Issue names a single problem found during verification, anchored to its
// 1-indexed line number.
type Issue struct {
	Line   int
	Reason string
}

// IntegrityReport is the result of verifying a log file's hash chain.
type IntegrityReport struct {
	Valid          bool
	EntriesChecked int
	Issues         []Issue
}

// VerifyLogIntegrity streams path line by line, recomputing each entry's
// integrity_hash and checking that previous_hash matches the prior
// entry's integrity_hash, starting from the genesis hash. It never
// modifies the file.
func VerifyLogIntegrity(path string) (*IntegrityReport, error) {
	var r io.Reader
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "opening audit log for verification")
	}
	defer f.Close()

	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeCorruption, "opening gzip audit archive")
		}
		defer gz.Close()
		r = gz
	} else {
		r = f
	}

	report := &IntegrityReport{Valid: true}
	prevHash := GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			report.Valid = false
			report.Issues = append(report.Issues, Issue{Line: lineNo, Reason: "malformed JSON"})
			continue
		}

		if e.PreviousHash != prevHash {
			report.Valid = false
			report.Issues = append(report.Issues, Issue{Line: lineNo, Reason: fmt.Sprintf("previous_hash mismatch: expected %s, got %s", prevHash, e.PreviousHash)})
		}

		computed, err := computeIntegrityHash(hashable{
			EntryID:       e.EntryID,
			Timestamp:     e.Timestamp,
			Event:         e.Event,
			Context:       e.Context,
			PreviousHash:  e.PreviousHash,
			SchemaVersion: e.SchemaVersion,
		})
		if err != nil {
			report.Valid = false
			report.Issues = append(report.Issues, Issue{Line: lineNo, Reason: "failed to recompute integrity_hash"})
			continue
		}
		if computed != e.IntegrityHash {
			report.Valid = false
			report.Issues = append(report.Issues, Issue{Line: lineNo, Reason: "integrity_hash mismatch"})
		}

		report.EntriesChecked++
		prevHash = e.IntegrityHash
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "scanning audit log")
	}

	return report, nil
}
