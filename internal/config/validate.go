package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// ValidationResult contains validation errors.
type ValidationResult struct {
	Errors []*ValidationError
}

// Valid returns true if there are no validation errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error string.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors: make([]*ValidationError, 0),
	}

	result.validateCacheDir(c)
	result.validateActionCache(c)
	result.validateCAS(c)
	result.validateAudit(c)
	result.validateCapability(c)
	result.validateMonitor(c)

	return result
}

func (r *ValidationResult) validateCacheDir(c *Config) {
	if c.CacheDir.Path != "" && !filepath.IsAbs(c.CacheDir.Path) {
		r.add("cache_dir.path", "must be an absolute path")
	}
	if c.CacheDir.LockTimeout <= 0 {
		r.add("cache_dir.lock_timeout", "must be > 0")
	}
}

func (r *ValidationResult) validateActionCache(c *Config) {
	if c.ActionCache.WaiterDeadline <= 0 {
		r.add("action_cache.waiter_deadline", "must be > 0")
	}
	if c.ActionCache.RetryAttempts < 0 {
		r.add("action_cache.retry_attempts", "must be >= 0")
	}
	if c.ActionCache.RetrySpacing < 0 {
		r.add("action_cache.retry_spacing", "must be >= 0")
	}
	if c.ActionCache.MaxEntryBytes < 0 {
		r.add("action_cache.max_entry_bytes", "must be >= 0 (0 = unlimited)")
	}
}

func (r *ValidationResult) validateCAS(c *Config) {
	if c.CAS.InlineThresholdBytes < 0 {
		r.add("cas.inline_threshold_bytes", "must be >= 0")
	}
	if c.CAS.MaxSizeBytes < 0 {
		r.add("cas.max_size_bytes", "must be >= 0 (0 = unlimited)")
	}
	if c.CAS.GCLockTimeout <= 0 {
		r.add("cas.gc_lock_timeout", "must be > 0")
	}
}

func (r *ValidationResult) validateAudit(c *Config) {
	if c.Audit.MaxFileSizeBytes <= 0 {
		r.add("audit.max_file_size_bytes", "must be > 0")
	}
	if c.Audit.MaxArchivedFiles < 0 {
		r.add("audit.max_archived_files", "must be >= 0")
	}
}

func (r *ValidationResult) validateCapability(c *Config) {
	if c.Capability.DefaultTokenTTL <= 0 {
		r.add("capability.default_token_ttl", "must be > 0")
	}
	if c.Capability.DefaultRateLimitPerSecond <= 0 {
		r.add("capability.default_rate_limit_per_second", "must be > 0")
	}
	if c.Capability.DefaultRateLimitBurst <= 0 {
		r.add("capability.default_rate_limit_burst", "must be > 0")
	}
}

func (r *ValidationResult) validateMonitor(c *Config) {
	if c.Monitor.SnapshotInterval <= 0 {
		r.add("monitor.snapshot_interval", "must be > 0")
	}
	if c.Monitor.HistoryDBPath == "" {
		r.add("monitor.history_db_path", "must not be empty")
	}
	if c.Monitor.HistoryRetention <= 0 {
		r.add("monitor.history_retention", "must be > 0")
	}
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Message: message,
	})
}

// MustValidate validates the config and panics if invalid.
func (c *Config) MustValidate() {
	result := c.Validate()
	if !result.Valid() {
		panic(result.Error())
	}
}

// ValidateWithDefaults validates and applies defaults for missing values.
func (c *Config) ValidateWithDefaults() error {
	defaults := Default()

	if c.CacheDir.LockTimeout == 0 {
		c.CacheDir.LockTimeout = defaults.CacheDir.LockTimeout
	}
	if c.ActionCache.WaiterDeadline == 0 {
		c.ActionCache.WaiterDeadline = defaults.ActionCache.WaiterDeadline
	}
	if c.ActionCache.RetryAttempts == 0 {
		c.ActionCache.RetryAttempts = defaults.ActionCache.RetryAttempts
	}
	if c.ActionCache.RetrySpacing == 0 {
		c.ActionCache.RetrySpacing = defaults.ActionCache.RetrySpacing
	}
	if c.ActionCache.MaxEntryBytes == 0 {
		c.ActionCache.MaxEntryBytes = defaults.ActionCache.MaxEntryBytes
	}
	if c.CAS.InlineThresholdBytes == 0 {
		c.CAS.InlineThresholdBytes = defaults.CAS.InlineThresholdBytes
	}
	if c.CAS.MaxSizeBytes == 0 {
		c.CAS.MaxSizeBytes = defaults.CAS.MaxSizeBytes
	}
	if c.CAS.GCLockTimeout == 0 {
		c.CAS.GCLockTimeout = defaults.CAS.GCLockTimeout
	}
	if c.Signer.KeyDir == "" {
		c.Signer.KeyDir = defaults.Signer.KeyDir
	}
	if c.Audit.MaxFileSizeBytes == 0 {
		c.Audit.MaxFileSizeBytes = defaults.Audit.MaxFileSizeBytes
	}
	if c.Capability.DefaultTokenTTL == 0 {
		c.Capability.DefaultTokenTTL = defaults.Capability.DefaultTokenTTL
	}
	if c.Capability.DefaultRateLimitPerSecond == 0 {
		c.Capability.DefaultRateLimitPerSecond = defaults.Capability.DefaultRateLimitPerSecond
	}
	if c.Capability.DefaultRateLimitBurst == 0 {
		c.Capability.DefaultRateLimitBurst = defaults.Capability.DefaultRateLimitBurst
	}
	if c.Monitor.SnapshotInterval == 0 {
		c.Monitor.SnapshotInterval = defaults.Monitor.SnapshotInterval
	}
	if c.Monitor.HistoryDBPath == "" {
		c.Monitor.HistoryDBPath = defaults.Monitor.HistoryDBPath
	}
	if c.Monitor.HistoryRetention == 0 {
		c.Monitor.HistoryRetention = defaults.Monitor.HistoryRetention
	}

	result := c.Validate()
	if !result.Valid() {
		return fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	return nil
}
