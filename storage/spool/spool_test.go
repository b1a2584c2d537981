package spool

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/sector"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// memFile and memFS are a hand-rolled in-memory types.FileSystem fake, in
// the teacher's wal_stubs_test.go style: no mocking framework, just enough
// behavior to exercise the real code paths.
type memFile struct {
	mu   *sync.Mutex
	data *[]byte
}

func (f memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := *f.data
	if off >= int64(len(d)) {
		return 0, os.ErrNotExist
	}
	n := copy(p, d[off:])
	if n < len(p) {
		return n, os.ErrNotExist
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
		if flag&os.O_CREATE == 0 {
			return nil, os.ErrNotExist
		}
		empty := []byte{}
		d = &empty
		fs.files[path] = d
	} else if flag&os.O_TRUNC != 0 {
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
		return os.ErrNotExist
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
		return 0, os.ErrNotExist
	}
	return int64(len(*d)), nil
}

// fakeAllocator is a minimal Allocator backed by a slice, independent of the
// root package's pool so this package's tests have no import-cycle risk.
type fakeAllocator struct {
	mu       sync.Mutex
	sectors  map[types.SectorID]*sector.Sector
	gen      map[types.SectorID]uint32
	next     types.SectorID
	capacity int
}

func newFakeAllocator(capacity int) *fakeAllocator {
	return &fakeAllocator{
		sectors:  make(map[types.SectorID]*sector.Sector),
		gen:      make(map[types.SectorID]uint32),
		capacity: capacity,
	}
}

func (a *fakeAllocator) Allocate() (types.SectorID, *sector.Sector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	a.gen[id]++
	s := sector.New(a.capacity)
	s.Header.Generation = a.gen[id]
	a.sectors[id] = s
	return id, s, nil
}

func (a *fakeAllocator) Free(id types.SectorID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sectors, id)
	return nil
}

func (a *fakeAllocator) GetMut(id types.SectorID) (*sector.Sector, uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sectors[id]
	if !ok {
		return nil, 0, types.ErrInvalidRef
	}
	return s, a.gen[id], nil
}

type nopMetrics struct{}

func (nopMetrics) SectorSpilled()             {}
func (nopMetrics) SectorPagedIn()             {}
func (nopMetrics) SectorQuarantined()         {}
func (nopMetrics) DataLoss(string, int)       {}

func newTestSpool(t *testing.T) (*Spool, *fakeAllocator, *memFS) {
	t.Helper()
	fs := newMemFS()
	alloc := newFakeAllocator(sector.Capacity(256))
	catPath := t.TempDir() + "/catalog.db"
	cat, err := OpenCatalog(catPath)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	sp := New(Options{
		BaseDir:         "/spool",
		QuarantineDir:   "/spool/quarantine",
		SectorSizeBytes: 256,
		DiskBudgetBytes: 1 << 20,
	}, fs, alloc, nil, nopMetrics{}, cat)
	return sp, alloc, fs
}

func TestSpillAndPageInRoundTrip(t *testing.T) {
	sp, alloc, _ := newTestSpool(t)

	id, sec, err := alloc.Allocate()
	require.NoError(t, err)
	sec.Header.SensorID = 7
	require.NoError(t, sec.Append(types.Record{TimestampMs: 1, Value: 42}))

	require.NoError(t, sp.Spill(7, id))
	_, stillThere := alloc.sectors[id]
	require.False(t, stillThere, "spill must free the RAM sector")
	require.True(t, sp.HasDiskSectors(7))

	newID, ok, err := sp.PageInHead(7)
	require.NoError(t, err)
	require.True(t, ok)
	got, _, err := alloc.GetMut(newID)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got.Header.SensorID)
	require.Equal(t, uint16(1), got.Header.RecordCount)
	require.Equal(t, uint32(42), got.Records[0].Value)

	require.False(t, sp.HasDiskSectors(7))
}

func TestDropHeadAdvancesWithoutPagingIn(t *testing.T) {
	sp, alloc, _ := newTestSpool(t)
	id, sec, err := alloc.Allocate()
	require.NoError(t, err)
	sec.Header.SensorID = 3
	require.NoError(t, sp.Spill(3, id))

	require.NoError(t, sp.DropHead(3))
	require.False(t, sp.HasDiskSectors(3))
}

func TestDropHeadErrorsWithNoDiskSectors(t *testing.T) {
	sp, _, _ := newTestSpool(t)
	require.Error(t, sp.DropHead(99))
}

func TestRecoverAllCountsSensorsWithData(t *testing.T) {
	sp, alloc, _ := newTestSpool(t)
	id, sec, err := alloc.Allocate()
	require.NoError(t, err)
	sec.Header.SensorID = 5
	require.NoError(t, sp.Spill(5, id))

	report, err := sp.RecoverAll([]uint32{5, 6})
	require.NoError(t, err)
	require.Equal(t, 1, report.SensorsRecovered)
}

func TestCatalogSequenceNoPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/catalog.db"
	cat, err := OpenCatalog(path)
	require.NoError(t, err)
	n1, err := cat.NextSequenceNo()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1)
	require.NoError(t, cat.Close())

	cat2, err := OpenCatalog(path)
	require.NoError(t, err)
	defer cat2.Close()
	n2, err := cat2.NextSequenceNo()
	require.NoError(t, err)
	require.Equal(t, uint64(2), n2)
}

func TestDiskSectorCountAndDropOldestDiskSector(t *testing.T) {
	sp, alloc, _ := newTestSpool(t)

	id1, sec1, err := alloc.Allocate()
	require.NoError(t, err)
	sec1.Header.SensorID = 4
	require.NoError(t, sec1.Append(types.Record{TimestampMs: 1, Value: 1}))
	require.NoError(t, sp.Spill(4, id1))

	id2, sec2, err := alloc.Allocate()
	require.NoError(t, err)
	sec2.Header.SensorID = 4
	require.NoError(t, sec2.Append(types.Record{TimestampMs: 2, Value: 2}))
	require.NoError(t, sp.Spill(4, id2))

	require.Equal(t, 2, sp.DiskSectorCount(4))
	usedBefore := sp.DiskUsed()

	lost, err := sp.DropOldestDiskSector(4)
	require.NoError(t, err)
	require.Equal(t, 1, lost, "the best-effort record count for a single-record sector is 1")
	require.Equal(t, 1, sp.DiskSectorCount(4), "dropping the oldest sector must leave exactly one behind")
	require.Less(t, sp.DiskUsed(), usedBefore)

	n, err := sp.catalog.LossCount(4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n, "a disk-budget eviction must be recorded in the catalog's cumulative loss counter")
}

func TestDropOldestDiskSectorErrorsWithNoDiskSectors(t *testing.T) {
	sp, _, _ := newTestSpool(t)
	_, err := sp.DropOldestDiskSector(42)
	require.Error(t, err)
}

// preallocFS wraps memFS to additionally satisfy types.Preallocator, so a
// test can confirm Spill only extends a sensor's data file once, on its
// first write.
type preallocFS struct {
	*memFS
	mu    sync.Mutex
	calls map[string]int
}

func newPreallocFS() *preallocFS {
	return &preallocFS{memFS: newMemFS(), calls: make(map[string]int)}
}

func (fs *preallocFS) Preallocate(path string, sizeBytes int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls[path]++
	return nil
}

func TestSpillPreallocatesOnFirstWriteOnly(t *testing.T) {
	fs := newPreallocFS()
	alloc := newFakeAllocator(sector.Capacity(256))
	catPath := t.TempDir() + "/catalog.db"
	cat, err := OpenCatalog(catPath)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	sp := New(Options{
		BaseDir:         "/spool",
		QuarantineDir:   "/spool/quarantine",
		SectorSizeBytes: 256,
		DiskBudgetBytes: 1 << 20,
	}, fs, alloc, nil, nopMetrics{}, cat)

	id1, sec1, err := alloc.Allocate()
	require.NoError(t, err)
	sec1.Header.SensorID = 9
	require.NoError(t, sp.Spill(9, id1))

	id2, sec2, err := alloc.Allocate()
	require.NoError(t, err)
	sec2.Header.SensorID = 9
	require.NoError(t, sp.Spill(9, id2))

	require.Equal(t, 1, fs.calls["/spool/sensor_9.dat"], "preallocate must run once, on the first write to a sensor's data file")
}

func TestCatalogRetryStateRoundTrip(t *testing.T) {
	path := t.TempDir() + "/catalog.db"
	cat, err := OpenCatalog(path)
	require.NoError(t, err)
	defer cat.Close()

	require.NoError(t, cat.SetRetryState(11, RetryState{ConsumedFailures: 3, MutedUntilUnixMs: 123456}))
	rs, err := cat.RetryStateFor(11)
	require.NoError(t, err)
	require.Equal(t, 3, rs.ConsumedFailures)
	require.Equal(t, int64(123456), rs.MutedUntilUnixMs)
}
