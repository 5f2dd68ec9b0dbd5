package cachedir_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgecache/cachecore/internal/cachedir"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	d, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	for _, sub := range []string{cachedir.CASDir, cachedir.ActionsDir, cachedir.SignerDir, cachedir.AuditDir, cachedir.MonitorDir} {
		info, err := os.Stat(filepath.Join(root, sub))
		if err != nil {
			t.Errorf("expected subdirectory %s to exist: %v", sub, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", sub)
		}
	}

	if _, err := os.Stat(filepath.Join(root, "VERSION")); err != nil {
		t.Errorf("expected VERSION file to exist: %v", err)
	}
}

func TestOpenTwiceConcurrentlyFails(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	first, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	defer first.Close()

	if _, err := cachedir.Open(root); err == nil {
		t.Error("expected second concurrent Open to fail while the first holds the lock")
	}
}

func TestOpenAfterCloseSucceeds(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	first, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("expected Open to succeed after the prior holder closed: %v", err)
	}
	second.Close()
}

func TestVersionMismatchRejected(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	d, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	d.Close()

	if err := os.WriteFile(filepath.Join(root, "VERSION"), []byte("999"), 0o644); err != nil {
		t.Fatalf("writing VERSION: %v", err)
	}

	if _, err := cachedir.Open(root); err == nil {
		t.Error("expected Open to reject a mismatched layout version")
	}
}

func TestPathJoinsRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	d, err := cachedir.Open(root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	if got := d.Path(cachedir.CASDir); got != filepath.Join(root, cachedir.CASDir) {
		t.Errorf("Path(%q) = %q, want %q", cachedir.CASDir, got, filepath.Join(root, cachedir.CASDir))
	}
	if d.Root() != root {
		t.Errorf("Root() = %q, want %q", d.Root(), root)
	}
}
