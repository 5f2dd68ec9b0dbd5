// Package config provides typed, validated configuration for cachecore.
// Configuration resolution order (highest priority last):
// 1. Defaults
// 2. Config file (~/.cachecore/config.json or CACHE_CONFIG_PATH)
// 3. Environment variables (CACHE_*)
package config

import (
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	// CacheDir controls the on-disk layout root.
	CacheDir CacheDirConfig `json:"cache_dir"`

	// ActionCache controls coordinated execute() behavior.
	ActionCache ActionCacheConfig `json:"action_cache"`

	// CAS controls the content-addressed store.
	CAS CASConfig `json:"cas"`

	// Signer controls Ed25519 key lifecycle.
	Signer SignerConfig `json:"signer"`

	// Audit controls the hash-chained audit log.
	Audit AuditConfig `json:"audit"`

	// Capability controls capability-token issuance and verification.
	Capability CapabilityConfig `json:"capability"`

	// Monitor controls metrics and health reporting.
	Monitor MonitorConfig `json:"monitor"`
}

// CacheDirConfig controls the on-disk cache directory layout.
type CacheDirConfig struct {
	// Path is the cache directory root. Empty means ~/.cachecore.
	Path string `json:"path" env:"CACHE_DIR" default:""`

	// LockTimeout is a wait bound for the advisory directory lock.
	// cachedir.Open does not read it: it never waits on a held lock and
	// fails at once instead.
	LockTimeout time.Duration `json:"lock_timeout" env:"CACHE_DIR_LOCK_TIMEOUT" default:"10s"`
}

// ActionCacheConfig controls execute() coordination.
type ActionCacheConfig struct {
	// WaiterDeadline bounds how long a waiter waits for an in-flight build.
	WaiterDeadline time.Duration `json:"waiter_deadline" env:"CACHE_ACTION_WAITER_DEADLINE" default:"60s"`

	// RetryAttempts bounds how many times a waiter re-checks for a record after
	// its builder finished without leaving one, before surfacing an error.
	RetryAttempts int `json:"retry_attempts" env:"CACHE_ACTION_RETRY_ATTEMPTS" default:"10"`

	// RetrySpacing is the delay between bounded retry attempts.
	RetrySpacing time.Duration `json:"retry_spacing" env:"CACHE_ACTION_RETRY_SPACING" default:"100ms"`

	// MaxEntryBytes caps the encoded size of a single action-cache record
	// (0 = unlimited); a larger record is rejected. Records are not evicted.
	MaxEntryBytes int64 `json:"max_entry_bytes" env:"CACHE_ACTION_MAX_ENTRY_BYTES" default:"1073741824"` // 1GiB

	// MaxConcurrentBuilds bounds how many builder bodies run at once (0 = GOMAXPROCS).
	MaxConcurrentBuilds int `json:"max_concurrent_builds" env:"CACHE_ACTION_MAX_CONCURRENT_BUILDS" default:"0"`
}

// CASConfig controls the content-addressed store.
type CASConfig struct {
	// InlineThresholdBytes is the size at or below which object bytes are stored inline in the index.
	InlineThresholdBytes int64 `json:"inline_threshold_bytes" env:"CACHE_CAS_INLINE_THRESHOLD_BYTES" default:"4096"`

	// MaxSizeBytes bounds total CAS size (0 = unlimited); a store that would
	// exceed it fails with CapacityExceeded. It does not trigger a GC.
	MaxSizeBytes int64 `json:"max_size_bytes" env:"CACHE_CAS_MAX_SIZE_BYTES" default:"10737418240"` // 10GiB

	// GCLockTimeout is a wait bound for per-hash GC locking. The CAS does not
	// read it: GarbageCollect waits on each per-hash lock without a timeout.
	GCLockTimeout time.Duration `json:"gc_lock_timeout" env:"CACHE_CAS_GC_LOCK_TIMEOUT" default:"5s"`
}

// SignerConfig controls Ed25519 key persistence.
type SignerConfig struct {
	// KeyDir is the subdirectory (relative to the cache dir) holding secret.key/public.key/key.id.
	KeyDir string `json:"key_dir" env:"CACHE_SIGNER_KEY_DIR" default:"signer"`
}

// AuditConfig controls the append-only hash-chained audit log.
type AuditConfig struct {
	// MaxFileSizeBytes triggers rotation once the active log file exceeds this size.
	MaxFileSizeBytes int64 `json:"max_file_size_bytes" env:"CACHE_AUDIT_MAX_FILE_SIZE_BYTES" default:"52428800"` // 50MB

	// MaxArchivedFiles bounds retention of rotated archives.
	MaxArchivedFiles int `json:"max_archived_files" env:"CACHE_AUDIT_MAX_ARCHIVED_FILES" default:"10"`

	// CompressArchived gzip-compresses rotated archives.
	CompressArchived bool `json:"compress_archived" env:"CACHE_AUDIT_COMPRESS_ARCHIVED" default:"true"`
}

// CapabilityConfig controls capability-token issuance, verification, and rate limiting.
type CapabilityConfig struct {
	// DefaultTokenTTL is used when a caller does not specify an explicit expiry.
	DefaultTokenTTL time.Duration `json:"default_token_ttl" env:"CACHE_CAPABILITY_DEFAULT_TTL" default:"24h"`

	// DefaultRateLimitPerSecond seeds CapabilityToken.metadata.rate_limit when unset.
	DefaultRateLimitPerSecond float64 `json:"default_rate_limit_per_second" env:"CACHE_CAPABILITY_DEFAULT_RATE_LIMIT" default:"10"`

	// DefaultRateLimitBurst is the token-bucket burst size.
	DefaultRateLimitBurst int `json:"default_rate_limit_burst" env:"CACHE_CAPABILITY_DEFAULT_BURST" default:"5"`
}

// MonitorConfig controls metrics collection and health reporting.
type MonitorConfig struct {
	// SnapshotInterval is how often periodic metrics snapshots are persisted.
	SnapshotInterval time.Duration `json:"snapshot_interval" env:"CACHE_MONITOR_SNAPSHOT_INTERVAL" default:"30s"`

	// HistoryDBPath is the sqlite metrics-history database path (relative to cache dir if not absolute).
	HistoryDBPath string `json:"history_db_path" env:"CACHE_MONITOR_HISTORY_DB_PATH" default:"monitor/history.db"`

	// HistoryRetention bounds how long snapshot rows are kept before pruning.
	HistoryRetention time.Duration `json:"history_retention" env:"CACHE_MONITOR_HISTORY_RETENTION" default:"168h"` // 7d
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CacheDir: CacheDirConfig{
			LockTimeout: 10 * time.Second,
		},
		ActionCache: ActionCacheConfig{
			WaiterDeadline: 60 * time.Second,
			RetryAttempts:  10,
			RetrySpacing:   100 * time.Millisecond,
			MaxEntryBytes:  1 * 1024 * 1024 * 1024,
		},
		CAS: CASConfig{
			InlineThresholdBytes: 4096,
			MaxSizeBytes:         10 * 1024 * 1024 * 1024,
			GCLockTimeout:        5 * time.Second,
		},
		Signer: SignerConfig{
			KeyDir: "signer",
		},
		Audit: AuditConfig{
			MaxFileSizeBytes: 50 * 1024 * 1024,
			MaxArchivedFiles: 10,
			CompressArchived: true,
		},
		Capability: CapabilityConfig{
			DefaultTokenTTL:           24 * time.Hour,
			DefaultRateLimitPerSecond: 10,
			DefaultRateLimitBurst:     5,
		},
		Monitor: MonitorConfig{
			SnapshotInterval: 30 * time.Second,
			HistoryDBPath:    "monitor/history.db",
			HistoryRetention: 7 * 24 * time.Hour,
		},
	}
}
