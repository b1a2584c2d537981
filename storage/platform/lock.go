package platform

import (
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/etcd/pkg/fileutil"
)

// LockDir takes an advisory lock on dir, matching the teacher's
// single-writer-per-WAL-directory assumption applied to the spool base
// directory (SPEC_FULL §1.1 "advisory file locking of the spool base
// directory"). The returned closer releases the lock.
func (OS) LockDir(dir string) (io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lf, err := fileutil.TryLockFile(filepath.Join(dir, ".lock"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return lf, nil
}

// Preallocate extends path to sizeBytes before first use, reducing flash
// fragmentation from incremental per-sector appends (SPEC_FULL §4.C).
func (OS) Preallocate(path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return fileutil.Preallocate(f, sizeBytes, true)
}
