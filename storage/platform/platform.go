// Package platform provides the production implementation of the narrow
// capability interfaces in storage/types (§4.G, §6). The engine takes its
// filesystem, clock and logger as types.FileSystem, types.Clock and
// types.Logger values so that tests can swap in an in-memory fake; the
// storage packages still import "os" and "time" themselves, for example
// for open flags and durations.
package platform

import (
	"os"
	"time"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// OS is the real-clock, real-filesystem Platform Adapter.
type OS struct{}

// New returns the production Platform Adapter.
func New() OS { return OS{} }

func (OS) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (OS) Now() types.Time {
	return time.Now()
}

func (OS) OpenFile(path string, flag int, perm uint32) (types.File, error) {
	f, err := os.OpenFile(path, flag, os.FileMode(perm))
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (OS) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }

func (OS) Remove(path string) error { return os.Remove(path) }

func (OS) MkdirAll(path string, perm uint32) error { return os.MkdirAll(path, os.FileMode(perm)) }

func (OS) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (OS) Stat(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// osFile adapts *os.File to types.File (identical method set, kept as a
// distinct type so callers depend only on the interface).
type osFile struct{ f *os.File }

func (o osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o osFile) Write(p []byte) (int, error)              { return o.f.Write(p) }
func (o osFile) Sync() error                              { return o.f.Sync() }
func (o osFile) Close() error                             { return o.f.Close() }
func (o osFile) Truncate(size int64) error                { return o.f.Truncate(size) }

var _ types.FileSystem = OS{}
var _ types.Clock = OS{}
