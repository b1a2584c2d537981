package types

import (
	"context"
	"io"
)

// Clock is the narrow time capability the core depends on (§4.G, §6).
// Production code uses platform.OS; tests use a fake that can be advanced
// deterministically.
type Clock interface {
	NowMs() uint64
	Now() Time
}

// File is the subset of *os.File the core needs: append, positional read,
// and durability.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Write(p []byte) (int, error)
	Sync() error
	Close() error
	Truncate(size int64) error
}

// FileSystem is the narrow filesystem capability the core depends on.
type FileSystem interface {
	OpenFile(path string, flag int, perm uint32) (File, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	MkdirAll(path string, perm uint32) error
	ReadDir(path string) ([]string, error)
	Stat(path string) (size int64, err error)
}

// Logger is the structured logging sink the core writes diagnostics to. It
// is satisfied directly by github.com/go-kit/log.Logger.
type Logger interface {
	Log(keyvals ...interface{}) error
}

// ShutdownSignal lets the platform tell the engine to begin a cooperative
// shutdown (§5).
type ShutdownSignal interface {
	Done() <-chan struct{}
}

// DirLocker is an optional FileSystem capability: a production adapter may
// take an advisory lock on the spool base directory so only one process
// operates on it at a time (SPEC_FULL §1.1). Test fakes need not implement
// it; the engine degrades to no locking when a FileSystem doesn't.
type DirLocker interface {
	LockDir(dir string) (io.Closer, error)
}

// Preallocator is an optional FileSystem capability: a production adapter
// may extend a per-sensor data file to its expected size before first use to
// reduce flash fragmentation (SPEC_FULL §4.C). Test fakes need not
// implement it.
type Preallocator interface {
	Preallocate(path string, sizeBytes int64) error
}

// Transport delegates upload delivery to the platform (§6). The core never
// picks the wire framing below CoAP/HTTP itself.
type Transport interface {
	Send(ctx context.Context, packetBytes []byte) (Response, error)
}
