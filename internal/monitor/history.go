// Package monitor persists periodic metrics snapshots into an embedded
// sqlite database and aggregates named health checks into a single
// report. It never opens a network listener: every method here is a
// local read or a local write against the cache directory.
package monitor

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgecache/cachecore/internal/backpressure"
	"github.com/forgecache/cachecore/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Snapshot is one periodic sample of cache-wide metrics.
type Snapshot struct {
	TakenAt           time.Time
	CASBytes          int64
	CASEntryCount     int64
	ActionCacheHits   int64
	ActionCacheMisses int64
	AuditLogEntries   int64
}

// History is the sqlite-backed metrics snapshot store. Writes go
// through a circuit breaker: a history database that starts failing
// (disk full, corruption) must not take down the cache operations it
// observes.
type History struct {
	db      *sql.DB
	breaker *backpressure.CircuitBreaker
}

// OpenHistory opens (creating if absent) the sqlite history database at
// path and applies any pending migrations.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating monitor history directory").WithContext("path", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "opening monitor history database").WithContext("path", path)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeIo, "enabling WAL mode on monitor history database")
	}

	h := &History{
		db:      db,
		breaker: backpressure.NewCircuitBreaker(backpressure.DefaultCircuitBreakerOptions()),
	}
	if err := h.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrate(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return errors.Wrap(err, errors.CodeIo, "creating schema_migrations table")
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "reading embedded monitor migrations")
	}
	for _, e := range entries {
		version := e.Name()
		var exists string
		err := h.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return errors.Wrap(err, errors.CodeIo, "checking applied monitor migrations")
		}
		body, err := migrationFS.ReadFile("migrations/" + version)
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "reading embedded monitor migration").WithContext("version", version)
		}
		if _, err := h.db.ExecContext(ctx, string(body)); err != nil {
			return errors.Wrap(err, errors.CodeIo, "applying monitor migration").WithContext("version", version)
		}
		if _, err := h.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", version); err != nil {
			return errors.Wrap(err, errors.CodeIo, "recording applied monitor migration").WithContext("version", version)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (h *History) Close() error {
	return h.db.Close()
}

// Record persists one snapshot, guarded by the history circuit breaker.
func (h *History) Record(ctx context.Context, snap Snapshot) error {
	if err := h.breaker.Allow(); err != nil {
		return errors.Wrap(err, errors.CodeConcurrencyConflict, "monitor history circuit breaker is open")
	}
	_, err := h.db.ExecContext(ctx,
		"INSERT INTO snapshots(taken_at,cas_bytes,cas_entry_count,action_cache_hits,action_cache_misses,audit_log_entries) VALUES(?,?,?,?,?,?)",
		snap.TakenAt.UTC().Format(time.RFC3339Nano), snap.CASBytes, snap.CASEntryCount, snap.ActionCacheHits, snap.ActionCacheMisses, snap.AuditLogEntries,
	)
	if err != nil {
		h.breaker.RecordFailure()
		return errors.Wrap(err, errors.CodeIo, "recording monitor snapshot")
	}
	h.breaker.RecordSuccess()
	return nil
}

// Recent returns up to limit most-recent snapshots, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx,
		"SELECT taken_at,cas_bytes,cas_entry_count,action_cache_hits,action_cache_misses,audit_log_entries FROM snapshots ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "querying recent monitor snapshots")
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var takenAt string
		if err := rows.Scan(&takenAt, &s.CASBytes, &s.CASEntryCount, &s.ActionCacheHits, &s.ActionCacheMisses, &s.AuditLogEntries); err != nil {
			return nil, errors.Wrap(err, errors.CodeIo, "scanning monitor snapshot row")
		}
		s.TakenAt, _ = time.Parse(time.RFC3339Nano, takenAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes snapshots older than retention, relative to now.
func (h *History) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := h.db.ExecContext(ctx, "DELETE FROM snapshots WHERE taken_at < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeIo, "pruning monitor snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeIo, "counting pruned monitor snapshots")
	}
	return n, nil
}
