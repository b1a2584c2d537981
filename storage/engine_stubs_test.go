package storage

import (
	"context"
	"sync"
	"time"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/upload"
)

// memFile and memFS give Engine-level tests an in-memory types.FileSystem,
// in the same hand-rolled-stub style as spool's test double, so engine
// tests don't touch the real disk for sector data (the recovery catalog
// still needs a real bbolt file; tests pass t.TempDir() for that).
type memFile struct {
	mu   *sync.Mutex
	data *[]byte
}

func (f memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := *f.data
	if off >= int64(len(d)) {
		return 0, types.ErrInvalidRef
	}
	n := copy(p, d[off:])
	if n < len(p) {
		return n, types.ErrInvalidRef
	}
	return n, nil
}

func (f memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(*f.data)) < end {
		grown := make([]byte, end)
		copy(grown, *f.data)
		*f.data = grown
	}
	copy((*f.data)[off:end], p)
	return len(p), nil
}

func (f memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.data = append(*f.data, p...)
	return len(p), nil
}

func (f memFile) Sync() error  { return nil }
func (f memFile) Close() error { return nil }
func (f memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(*f.data)) > size {
		*f.data = (*f.data)[:size]
	}
	return nil
}

type memFS struct {
	mu    sync.Mutex
	files map[string]*[]byte
}

func newMemFS() *memFS { return &memFS{files: make(map[string]*[]byte)} }

func (fs *memFS) OpenFile(path string, flag int, perm uint32) (types.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.files[path]
	if !ok {
		empty := []byte{}
		d = &empty
		fs.files[path] = d
	}
	return memFile{mu: &fs.mu, data: d}, nil
}

func (fs *memFS) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.files[oldPath]
	if !ok {
		return types.ErrInvalidRef
	}
	fs.files[newPath] = d
	delete(fs.files, oldPath)
	return nil
}

func (fs *memFS) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, path)
	return nil
}

func (fs *memFS) MkdirAll(path string, perm uint32) error { return nil }

func (fs *memFS) ReadDir(path string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var names []string
	for p := range fs.files {
		names = append(names, p)
	}
	return names, nil
}

func (fs *memFS) Stat(path string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.files[path]
	if !ok {
		return 0, types.ErrInvalidRef
	}
	return int64(len(*d)), nil
}

// fakeClock is a manually-advanced types.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.now.UnixMilli())
}

func (c *fakeClock) Now() types.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// scriptedTransport is a types.Transport whose response status is swapped
// per test phase, used to drive the engine through ack/reject scenarios end
// to end without a real CoAP/HTTP collaborator.
type scriptedTransport struct {
	mu     sync.Mutex
	status types.PacketStatus
}

func (t *scriptedTransport) setStatus(s types.PacketStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

func (t *scriptedTransport) Send(ctx context.Context, packetBytes []byte) (types.Response, error) {
	f, err := upload.DecodeFrame(packetBytes)
	if err != nil {
		return types.Response{}, err
	}
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	return types.Response{SequenceNo: f.SequenceNo, Status: status}, nil
}
