// Package cachedir owns the on-disk cache directory layout: the cas/,
// actions/, signer/, audit/, and monitor/ subdirectories, a VERSION
// stamp, and an advisory LOCK file guarding against two processes
// opening the same directory with incompatible assumptions.
package cachedir

import (
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/forgecache/cachecore/internal/errors"
)

// LayoutVersion is written to VERSION on first open and checked on every
// subsequent open. A mismatch means the on-disk format changed underfoot.
const LayoutVersion = 1

const (
	lockFileName    = "LOCK"
	versionFileName = "VERSION"

	// CASDir, ActionsDir, SignerDir, AuditDir, MonitorDir are the fixed
	// subdirectory names under a cache directory root.
	CASDir     = "cas"
	ActionsDir = "actions"
	SignerDir  = "signer"
	AuditDir   = "audit"
	MonitorDir = "monitor"
)

// Dir is an opened cache directory. Close releases the advisory lock.
type Dir struct {
	root string
	lock *os.File
}

// Open creates (if absent) the cache directory layout at root, takes an
// advisory exclusive lock on its LOCK file, and checks the VERSION
// stamp. It returns an error rather than blocking if another process
// already holds the lock.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "creating cache directory root").WithContext("dir", root)
	}
	for _, sub := range []string{CASDir, ActionsDir, SignerDir, AuditDir, MonitorDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.CodeIo, "creating cache subdirectory").WithContext("dir", sub)
		}
	}

	lockPath := filepath.Join(root, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIo, "opening cache directory lock file").WithContext("path", lockPath)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, errors.CodeConfiguration, "cache directory is locked by another process").WithContext("path", lockPath)
	}

	if err := checkOrWriteVersion(root); err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	return &Dir{root: root, lock: lockFile}, nil
}

func checkOrWriteVersion(root string) error {
	path := filepath.Join(root, versionFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(strconv.Itoa(LayoutVersion)), 0o644)
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeIo, "reading cache directory VERSION file").WithContext("path", path)
	}
	version, err := strconv.Atoi(string(data))
	if err != nil {
		return errors.Wrap(err, errors.CodeCorruption, "parsing cache directory VERSION file").WithContext("path", path)
	}
	if version != LayoutVersion {
		return errors.Newf(errors.CodeConfiguration, "cache directory at %s has layout version %d, this binary expects %d", root, version, LayoutVersion)
	}
	return nil
}

// Path joins sub onto the cache directory root.
func (d *Dir) Path(sub string) string {
	return filepath.Join(d.root, sub)
}

// Root returns the cache directory's root path.
func (d *Dir) Root() string {
	return d.root
}

// Close releases the advisory lock and closes the underlying file.
func (d *Dir) Close() error {
	if d.lock == nil {
		return nil
	}
	if err := unix.Flock(int(d.lock.Fd()), unix.LOCK_UN); err != nil {
		d.lock.Close()
		return errors.Wrap(err, errors.CodeIo, "releasing cache directory lock")
	}
	return d.lock.Close()
}
