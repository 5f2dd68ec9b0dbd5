package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from defaults, file, and environment.
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file
// 3. Environment variables
func Load() (*Config, error) {
	cfg := Default()

	// Load from config file if present
	if path := configFilePath(); path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Load from environment (overrides file)
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) error {
	return loadStructFromEnv(reflect.ValueOf(cfg).Elem(), "")
}

// loadStructFromEnv recursively loads struct fields from environment.
func loadStructFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// No env tag, check if it's a nested struct
			if field.Kind() == reflect.Struct {
				if err := loadStructFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		// Check environment variable
		if value := os.Getenv(envTag); value != "" {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("setting %s: %w", envTag, err)
			}
		}
	}

	return nil
}

// setField sets a struct field from a string value.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Handle duration
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			// Handle int
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing int: %w", err)
			}
			field.SetInt(n)
		}
	case reflect.Int32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing int32: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parsing float64: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// configFilePath returns the path to the config file.
func configFilePath() string {
	// Check environment override
	if path := os.Getenv("CACHE_CONFIG_PATH"); path != "" {
		return path
	}

	// Check default locations
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{
		filepath.Join(home, ".cachecore", "config.json"),
		filepath.Join(home, ".cachecore.json"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save saves configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEnvDocs returns documentation for all environment variables.
func GetEnvDocs() map[string]string {
	return map[string]string{
		"CACHE_DIR":                            "Cache directory root (default: ~/.cachecore)",
		"CACHE_DIR_LOCK_TIMEOUT":               "Advisory directory lock wait timeout, not read by the lock code, which never waits (default: 10s)",
		"CACHE_ACTION_WAITER_DEADLINE":         "Max time a waiter waits for an in-flight build (default: 60s)",
		"CACHE_ACTION_RETRY_ATTEMPTS":          "Bounded re-checks for a record after a builder exits without one (default: 10)",
		"CACHE_ACTION_RETRY_SPACING":           "Delay between bounded retry attempts (default: 100ms)",
		"CACHE_ACTION_MAX_ENTRY_BYTES":         "Max encoded size of one action-cache record; no eviction (default: 1GiB)",
		"CACHE_CAS_INLINE_THRESHOLD_BYTES":     "Max object size stored inline in the CAS index (default: 4096)",
		"CACHE_CAS_MAX_SIZE_BYTES":             "CAS byte budget; stores past it fail with CapacityExceeded (default: 10GiB)",
		"CACHE_CAS_GC_LOCK_TIMEOUT":            "Per-hash GC lock wait timeout, not read by the CAS (default: 5s)",
		"CACHE_SIGNER_KEY_DIR":                 "Subdirectory holding the Ed25519 key files (default: signer)",
		"CACHE_AUDIT_MAX_FILE_SIZE_BYTES":      "Audit log rotation threshold (default: 50MB)",
		"CACHE_AUDIT_MAX_ARCHIVED_FILES":       "Max retained rotated audit archives (default: 10)",
		"CACHE_AUDIT_COMPRESS_ARCHIVED":        "Gzip-compress rotated audit archives (default: true)",
		"CACHE_CAPABILITY_DEFAULT_TTL":         "Default capability token TTL (default: 24h)",
		"CACHE_CAPABILITY_DEFAULT_RATE_LIMIT":  "Default token rate limit, ops/sec (default: 10)",
		"CACHE_CAPABILITY_DEFAULT_BURST":       "Default token rate-limiter burst (default: 5)",
		"CACHE_MONITOR_SNAPSHOT_INTERVAL":      "Metrics snapshot interval (default: 30s)",
		"CACHE_MONITOR_HISTORY_DB_PATH":        "Metrics-history sqlite path (default: monitor/history.db)",
		"CACHE_MONITOR_HISTORY_RETENTION":      "Metrics-history retention window (default: 168h)",
		"CACHE_CONFIG_PATH":                    "Path to config file",
	}
}

// PrintEnvDocs prints environment variable documentation.
func PrintEnvDocs() {
	fmt.Println("cachecore Environment Variables")
	fmt.Println("===============================")
	fmt.Println()

	categories := map[string][]string{
		"Cache Directory": {},
		"Action Cache":    {},
		"CAS":             {},
		"Signer":          {},
		"Audit":           {},
		"Capability":      {},
		"Monitor":         {},
		"General":         {},
	}

	docs := GetEnvDocs()
	for env, doc := range docs {
		category := "General"
		switch {
		case strings.HasPrefix(env, "CACHE_DIR"):
			category = "Cache Directory"
		case strings.HasPrefix(env, "CACHE_ACTION"):
			category = "Action Cache"
		case strings.HasPrefix(env, "CACHE_CAS"):
			category = "CAS"
		case strings.HasPrefix(env, "CACHE_SIGNER"):
			category = "Signer"
		case strings.HasPrefix(env, "CACHE_AUDIT"):
			category = "Audit"
		case strings.HasPrefix(env, "CACHE_CAPABILITY"):
			category = "Capability"
		case strings.HasPrefix(env, "CACHE_MONITOR"):
			category = "Monitor"
		}
		categories[category] = append(categories[category], fmt.Sprintf("  %-40s %s", env, doc))
	}

	for category, vars := range categories {
		if len(vars) > 0 {
			fmt.Printf("%s:\n", category)
			for _, v := range vars {
				fmt.Println(v)
			}
			fmt.Println()
		}
	}
}
