// Command cachectl is the operator CLI for the cache: status, garbage
// collection, and integrity verification against a cache directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/forgecache/cachecore/internal/audit"
	"github.com/forgecache/cachecore/internal/cachedir"
	"github.com/forgecache/cachecore/internal/capability"
	"github.com/forgecache/cachecore/internal/cas"
	"github.com/forgecache/cachecore/internal/config"
	"github.com/forgecache/cachecore/internal/monitor"
	"github.com/forgecache/cachecore/internal/signing"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(out)
		return 1
	}

	switch args[0] {
	case "status":
		return runStatus(ctx, args[1:], out, errOut)
	case "gc":
		return runGC(ctx, args[1:], out, errOut)
	case "verify":
		return runVerify(ctx, args[1:], out, errOut)
	case "capability":
		return runCapability(ctx, args[1:], out, errOut)
	case "version", "--version", "-v":
		fmt.Fprintln(out, "cachectl")
		return 0
	default:
		usage(out)
		return 1
	}
}

func usage(out io.Writer) {
	io.WriteString(out, `usage: cachectl <command> [options]

Commands:
  status                        Show CAS size and audit-log health
  gc [--dry-run]                Run content-addressed store garbage collection
  verify                        Verify the audit log's hash chain
  capability issue <subject>    Issue a capability token (prints it as JSON)
  version                       Print the version

Global flags:
  --cache-dir <path>            Cache directory root (default: CACHE_DIR env or ~/.cachecore)
`)
}

func resolveCacheDir(fs *flag.FlagSet) string {
	dir := fs.Lookup("cache-dir").Value.String()
	if dir != "" {
		return dir
	}
	if env := os.Getenv("CACHE_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cachecore"
	}
	return filepath.Join(home, ".cachecore")
}

func openCacheDir(fs *flag.FlagSet) (*cachedir.Dir, *config.Config, error) {
	cfg := config.Default()
	dir, err := cachedir.Open(resolveCacheDir(fs))
	if err != nil {
		return nil, nil, err
	}
	return dir, cfg, nil
}

func runStatus(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.String("cache-dir", "", "cache directory root")
	jsonFlag := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	dir, cfg, err := openCacheDir(fs)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer dir.Close()

	store, err := cas.Open(dir.Path(cachedir.CASDir), cas.Options{InlineThresholdBytes: cfg.CAS.InlineThresholdBytes, MaxSizeBytes: cfg.CAS.MaxSizeBytes})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	auditLog, err := audit.Open(dir.Path(cachedir.AuditDir), audit.Options{MaxFileSizeBytes: cfg.Audit.MaxFileSizeBytes, MaxArchivedFiles: cfg.Audit.MaxArchivedFiles, CompressArchived: cfg.Audit.CompressArchived})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer auditLog.Close()

	m := monitor.New(nil)
	m.RegisterCheck("cas_writable", monitor.CASWritableCheck(func() error {
		return nil // a real probe would attempt a small store/retrieve round trip
	}))
	m.RegisterCheck("audit_chain_intact", monitor.AuditChainIntactCheck(func() (string, error) {
		report, err := audit.VerifyLogIntegrity(audit.CurrentLogPath(dir.Path(cachedir.AuditDir)))
		if err != nil {
			return "", err
		}
		if report.Valid {
			return "", nil
		}
		return fmt.Sprintf("%d issue(s) found in audit hash chain", len(report.Issues)), nil
	}))
	report := m.HealthReport()

	entryCount, totalBytes := store.Stats()

	if *jsonFlag || !isatty.IsTerminal(os.Stdout.Fd()) {
		return writeJSON(out, map[string]any{
			"cache_dir":       dir.Root(),
			"health":          report.Overall.String(),
			"cas_entry_count": entryCount,
			"cas_bytes":       totalBytes,
		})
	}

	fmt.Fprintf(out, "cache directory: %s\n", dir.Root())
	fmt.Fprintf(out, "health: %s\n", report.Overall)
	fmt.Fprintf(out, "CAS: %d objects, %s\n", entryCount, humanize.Bytes(uint64(totalBytes)))
	return 0
}

func runGC(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	fs.String("cache-dir", "", "cache directory root")
	dryRun := fs.Bool("dry-run", false, "skip collection and delete nothing (candidates are not listed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	dir, cfg, err := openCacheDir(fs)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer dir.Close()

	store, err := cas.Open(dir.Path(cachedir.CASDir), cas.Options{InlineThresholdBytes: cfg.CAS.InlineThresholdBytes, MaxSizeBytes: cfg.CAS.MaxSizeBytes})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	if *dryRun {
		fmt.Fprintln(out, "dry run: no objects removed")
		return 0
	}

	removedCount, removedBytes, err := store.GarbageCollect()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintf(out, "removed %d objects, %s reclaimed\n", removedCount, humanize.Bytes(uint64(removedBytes)))
	return 0
}

func runVerify(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.String("cache-dir", "", "cache directory root")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	dir, _, err := openCacheDir(fs)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer dir.Close()

	logPath := audit.CurrentLogPath(dir.Path(cachedir.AuditDir))
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return writeJSON(out, &audit.IntegrityReport{Valid: true})
	}
	report, err := audit.VerifyLogIntegrity(logPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return writeJSON(out, report)
}

func runCapability(ctx context.Context, args []string, out, errOut io.Writer) int {
	if len(args) < 2 || args[0] != "issue" {
		fmt.Fprintln(errOut, "usage: cachectl capability issue <subject>")
		return 1
	}
	fs := flag.NewFlagSet("capability issue", flag.ContinueOnError)
	fs.String("cache-dir", "", "cache directory root")
	ttl := fs.Duration("ttl", 24*time.Hour, "token validity duration")
	if err := fs.Parse(args[2:]); err != nil {
		return 1
	}

	dir, cfg, err := openCacheDir(fs)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer dir.Close()

	signer, err := signing.Open(dir.Path(cachedir.SignerDir))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	authority := capability.NewAuthority(signer, "cachectl", capability.Options{
		DefaultTokenTTL:           cfg.Capability.DefaultTokenTTL,
		DefaultRateLimitPerSecond: cfg.Capability.DefaultRateLimitPerSecond,
		DefaultRateLimitBurst:     cfg.Capability.DefaultRateLimitBurst,
	})

	tok, err := authority.IssueToken(
		args[1],
		[]capability.Permission{capability.PermissionRead, capability.PermissionWrite},
		[]string{"**"},
		*ttl,
		capability.TokenMetadata{},
	)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return writeJSON(out, tok)
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}
