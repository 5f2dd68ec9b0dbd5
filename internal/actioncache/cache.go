// Package actioncache implements the hardest subsystem in the core: a
// map from ActionDigest to a signed ActionResult with at-most-one
// concurrent builder per digest. Cache hits verify their signature on
// every read; misses coordinate a single builder while every other
// caller for the same digest parks on a shared notify channel.
package actioncache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/forgecache/cachecore/internal/audit"
	"github.com/forgecache/cachecore/internal/backpressure"
	"github.com/forgecache/cachecore/internal/cas"
	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
	"github.com/forgecache/cachecore/internal/retry"
	"github.com/forgecache/cachecore/internal/signing"
)

// BuildOutput is what a builder function produces: raw bytes for stdout,
// stderr, and declared output files. The cache copies these into the CAS
// and persists only their content hashes — a BuildOutput never reaches
// disk as-is (invariant I1: every ActionResult hash must resolve in the
// CAS; the persisted record never carries inline payload).
type BuildOutput struct {
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	OutputFiles map[string][]byte
	ExecutedAt  time.Time
	Duration    time.Duration
}

// Body runs one action build. Its own cancellation is the caller's
// concern: the cache never cancels a builder that is already running.
type Body func(ctx context.Context) (BuildOutput, error)

// Options configures waiter deadlines, the bounded post-failure retry
// loop, entry-byte accounting, and the builder concurrency cap.
type Options struct {
	WaiterDeadline     time.Duration
	RetryAttempts      int
	RetrySpacing       time.Duration
	MaxEntryBytes      int64
	MaxConcurrentBuilds int
}

type inflightEntry struct {
	done chan struct{}
}

// Cache is the action cache rooted at a cache directory's actions/
// subdirectory, backed by a CAS for output storage and a Signer for
// record authentication.
type Cache struct {
	dir    string
	store  *cas.Store
	signer *signing.Signer
	audit  *audit.Log // optional; nil disables security-event logging

	opts    Options
	builders *backpressure.Semaphore

	mu       sync.Mutex
	inflight map[digest.Digest]*inflightEntry
}

// Open opens (or creates) the action-record directory dir.
func Open(dir string, store *cas.Store, signer *signing.Signer, auditLog *audit.Log, opts Options) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating action record directory").WithContext("dir", dir)
	}
	if opts.WaiterDeadline <= 0 {
		opts.WaiterDeadline = 60 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 10
	}
	if opts.RetrySpacing <= 0 {
		opts.RetrySpacing = 100 * time.Millisecond
	}
	if opts.MaxConcurrentBuilds <= 0 {
		opts.MaxConcurrentBuilds = runtime.GOMAXPROCS(0)
	}
	return &Cache{
		dir:      dir,
		store:    store,
		signer:   signer,
		audit:    auditLog,
		opts:     opts,
		builders: backpressure.NewSemaphore(opts.MaxConcurrentBuilds),
		inflight: make(map[digest.Digest]*inflightEntry),
	}, nil
}

func (c *Cache) recordPath(d digest.Digest) string {
	return filepath.Join(c.dir, d.String())
}

// GetCached looks up the persisted signed record for d, verifying its
// signature. A verification failure is treated as a miss (and logged as
// a security event when an audit log is configured) rather than an
// error: the corrupt entry itself is never overwritten or deleted here.
func (c *Cache) GetCached(d digest.Digest) (ActionResult, bool, error) {
	data, err := os.ReadFile(c.recordPath(d))
	if os.IsNotExist(err) {
		return ActionResult{}, false, nil
	}
	if err != nil {
		return ActionResult{}, false, errors.Wrap(err, errors.CodeIo, "reading action record").WithContext("digest", d.String())
	}

	signed, err := decodeRecord(data)
	if err != nil {
		return ActionResult{}, false, err
	}

	if !signing.Verify(c.signer, signed) {
		c.logSecurityEvent(d, "action record signature verification failed")
		return ActionResult{}, false, nil
	}
	return signed.Payload, true, nil
}

func (c *Cache) logSecurityEvent(d digest.Digest, reason string) {
	if c.audit == nil {
		return
	}
	_, _ = c.audit.Append(audit.EventSecurityViolation, map[string]string{
		"digest": d.String(),
		"reason": reason,
	})
}

// Execute runs the coordinated execute() path for digest d: a cache hit
// returns immediately; otherwise exactly one caller becomes the builder
// and every other concurrent caller for d waits on its completion.
func (c *Cache) Execute(ctx context.Context, d digest.Digest, body Body) (ActionResult, error) {
	if result, ok, err := c.GetCached(d); err != nil {
		return ActionResult{}, err
	} else if ok {
		return result, nil
	}

	c.mu.Lock()
	entry, exists := c.inflight[d]
	if !exists {
		entry = &inflightEntry{done: make(chan struct{})}
		c.inflight[d] = entry
		c.mu.Unlock()
		return c.build(ctx, d, body, entry)
	}
	c.mu.Unlock()
	return c.wait(ctx, d, entry)
}

// build runs body as the sole builder for d, persisting its result on
// success and always removing the sentinel and waking waiters before
// returning, win or lose. The number of bodies running at once is capped
// by c.builders, so a burst of cache misses cannot overrun the machine's
// available concurrency.
func (c *Cache) build(ctx context.Context, d digest.Digest, body Body, entry *inflightEntry) (result ActionResult, err error) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, d)
		c.mu.Unlock()
		close(entry.done)
	}()

	if err := c.builders.Acquire(ctx); err != nil {
		return ActionResult{}, errors.Wrap(err, errors.CodeConcurrencyConflict, "waiting for a builder slot")
	}
	defer c.builders.Release()

	output, buildErr := body(ctx)
	if buildErr != nil {
		return ActionResult{}, errors.ClassifyWithCode(buildErr, errors.CodeInternal)
	}

	result, err = c.persist(d, output)
	return result, err
}

// persist copies output's inline bytes into the CAS, signs the resulting
// hash-only ActionResult, and writes the action record file.
func (c *Cache) persist(d digest.Digest, output BuildOutput) (ActionResult, error) {
	result := ActionResult{
		ExitCode:   output.ExitCode,
		ExecutedAt: output.ExecutedAt.UTC().Unix(),
		DurationMS: output.Duration.Milliseconds(),
	}

	if output.Stdout != nil {
		h, err := c.store.Store(bytes.NewReader(output.Stdout))
		if err != nil {
			return ActionResult{}, err
		}
		result.StdoutHash = &h
	}
	if output.Stderr != nil {
		h, err := c.store.Store(bytes.NewReader(output.Stderr))
		if err != nil {
			return ActionResult{}, err
		}
		result.StderrHash = &h
	}
	if len(output.OutputFiles) > 0 {
		result.OutputHashes = make(map[string]digest.Digest, len(output.OutputFiles))
		for path, content := range output.OutputFiles {
			h, err := c.store.Store(bytes.NewReader(content))
			if err != nil {
				return ActionResult{}, err
			}
			result.OutputHashes[path] = h
		}
	}

	signed, err := signing.Sign(c.signer, result)
	if err != nil {
		return ActionResult{}, err
	}

	encoded, err := encodeRecord(signed)
	if err != nil {
		return ActionResult{}, err
	}
	if c.opts.MaxEntryBytes > 0 && int64(len(encoded)) > c.opts.MaxEntryBytes {
		return ActionResult{}, errors.New(errors.CodeCapacityExceeded, "action record exceeds configured max entry bytes").WithContext("digest", d.String())
	}

	if err := writeFileAtomic(c.recordPath(d), encoded); err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

// wait parks on entry's notify channel until a cache hit appears, the
// waiter deadline expires, or ctx is cancelled. A cancelled waiter drops
// its subscription without disturbing the builder.
func (c *Cache) wait(ctx context.Context, d digest.Digest, entry *inflightEntry) (ActionResult, error) {
	deadline := time.Now().Add(c.opts.WaiterDeadline)

	for {
		if result, ok, err := c.GetCached(d); err != nil {
			return ActionResult{}, err
		} else if ok {
			return result, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ActionResult{}, errors.New(errors.CodeTimeout, "waiter deadline exceeded").WithContext("digest", d.String())
		}

		select {
		case <-entry.done:
			if result, ok, err := c.GetCached(d); err != nil {
				return ActionResult{}, err
			} else if ok {
				return result, nil
			}

			c.mu.Lock()
			next, stillInflight := c.inflight[d]
			c.mu.Unlock()
			if stillInflight {
				entry = next // subscribe to the new builder's channel
				continue
			}

			hit, err := retry.Poll(ctx, retry.PollOptions{Attempts: c.opts.RetryAttempts, Spacing: c.opts.RetrySpacing}, func() (bool, error) {
				_, ok, err := c.GetCached(d)
				return ok, err
			})
			if err != nil {
				return ActionResult{}, err
			}
			if hit {
				result, _, err := c.GetCached(d)
				return result, err
			}
			return ActionResult{}, errors.New(errors.CodeConcurrencyConflict, "builder exited without producing a cached record").WithContext("digest", d.String())

		case <-time.After(remaining):
			if result, ok, err := c.GetCached(d); err != nil {
				return ActionResult{}, err
			} else if ok {
				return result, nil
			}
			return ActionResult{}, errors.New(errors.CodeTimeout, "waiter deadline exceeded").WithContext("digest", d.String())

		case <-ctx.Done():
			return ActionResult{}, errors.Classify(ctx.Err())
		}
	}
}

// Clear drops all in-flight sentinels and all persisted records. CAS
// blobs referenced by those records are left untouched: their lifetime
// is the CAS's own concern (ref-counted GC).
func (c *Cache) Clear() error {
	c.mu.Lock()
	for _, entry := range c.inflight {
		close(entry.done)
	}
	c.inflight = make(map[digest.Digest]*inflightEntry)
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "listing action records for clear")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, errors.CodeIo, "removing action record during clear").WithContext("name", e.Name())
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeIo, "writing temp action record")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeIo, "renaming action record into place")
	}
	return nil
}
