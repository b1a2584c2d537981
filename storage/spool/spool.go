// Package spool implements the Disk Spool (spec §4.C): moving whole
// sectors between RAM and per-sensor files, and recovering chain state
// from those files after a restart.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/sector"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Allocator is the subset of the RAM sector pool the spool needs to page
// sectors in and out. The root package's pool type satisfies it.
type Allocator interface {
	Allocate() (types.SectorID, *sector.Sector, error)
	Free(id types.SectorID) error
	GetMut(id types.SectorID) (*sector.Sector, uint32, error)
}

// Metrics is the narrow set of counters the spool records into. Satisfied
// by an adapter over the engine's prometheus collectors.
type Metrics interface {
	SectorSpilled()
	SectorPagedIn()
	SectorQuarantined()
	DataLoss(cause string, n int)
}

// Options configures a Spool.
type Options struct {
	BaseDir         string
	QuarantineDir   string
	SectorSizeBytes int
	DiskBudgetBytes int64
}

// Spool manages one file pair per sensor (sensor_<id>.dat + sensor_<id>.idx)
// plus the cross-sensor bbolt catalog (SPEC_FULL §3.1).
type Spool struct {
	opts     Options
	fs       types.FileSystem
	alloc    Allocator
	log      log.Logger
	metrics  Metrics
	catalog  *Catalog
	prealloc types.Preallocator

	mu       sync.Mutex // serializes file I/O per-process; per-sensor files still fan out
	files    map[uint32]*sensorFile
	diskUsed int64
}

type sensorFile struct {
	mu       sync.Mutex
	sensorID uint32
	sidecar  Sidecar
}

// New constructs a Spool. The catalog database is opened eagerly; per-sensor
// files are opened lazily on first use.
func New(opts Options, fs types.FileSystem, alloc Allocator, logger log.Logger, m Metrics, cat *Catalog) *Spool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Spool{
		opts:    opts,
		fs:      fs,
		alloc:   alloc,
		log:     logger,
		metrics: m,
		catalog: cat,
		files:   make(map[uint32]*sensorFile),
	}
	if p, ok := fs.(types.Preallocator); ok {
		s.prealloc = p
	}
	return s
}

func (s *Spool) dataPath(sensorID uint32) string {
	return filepath.Join(s.opts.BaseDir, fmt.Sprintf("sensor_%d.dat", sensorID))
}

func (s *Spool) sidecarPath(sensorID uint32) string {
	return filepath.Join(s.opts.BaseDir, fmt.Sprintf("sensor_%d.idx", sensorID))
}

func (s *Spool) fileFor(sensorID uint32) *sensorFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[sensorID]
	if !ok {
		f = &sensorFile{sensorID: sensorID}
		s.files[sensorID] = f
	}
	return f
}

// Spill appends the sector's bytes to the sensor's file, frees the RAM
// sector, and records the new tail offset in the sidecar (§4.C).
func (s *Spool) Spill(sensorID uint32, id types.SectorID) error {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sec, _, err := s.alloc.GetMut(id)
	if err != nil {
		return fmt.Errorf("spill: %w", err)
	}

	capacity := sector.Capacity(s.opts.SectorSizeBytes)
	buf := make([]byte, sector.Size(capacity))
	if err := sec.Encode(buf); err != nil {
		return fmt.Errorf("spill: encode: %w", err)
	}

	if err := s.enforceDiskBudgetLocked(int64(len(buf))); err != nil {
		return err
	}

	offset := sf.sidecar.NextWriteOffset
	if offset == 0 && s.prealloc != nil {
		// First write to this sensor's data file: extend it to a fixed
		// chunk up front so later spills are in-place writes rather than
		// incremental appends, reducing flash fragmentation (SPEC_FULL §4.C).
		if perr := s.prealloc.Preallocate(s.dataPath(sensorID), preallocChunkSectors*int64(len(buf))); perr != nil {
			level.Warn(s.log).Log("msg", "preallocate failed", "sensor_id", sensorID, "err", perr)
		}
	}

	f, err := s.fs.OpenFile(s.dataPath(sensorID), osWriteCreate, 0o644)
	if err != nil {
		return fmt.Errorf("spill: open data file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("spill: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("spill: fsync: %w", err)
	}

	sf.sidecar.NextWriteOffset = offset + int64(len(buf))
	sf.sidecar.GenerationAtSpill = sec.Header.Generation
	if err := writeSidecar(s.fs, s.sidecarPath(sensorID), sf.sidecar); err != nil {
		return fmt.Errorf("spill: sidecar: %w", err)
	}

	s.mu.Lock()
	s.diskUsed += int64(len(buf))
	s.mu.Unlock()

	if err := s.alloc.Free(id); err != nil {
		return fmt.Errorf("spill: free: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SectorSpilled()
	}
	level.Debug(s.log).Log("msg", "spilled sector", "sensor_id", sensorID, "offset", offset)
	return nil
}

// PageInHead allocates a RAM sector, copies the oldest on-disk sector into
// it, and advances the sidecar's head offset. ok is false if the sensor has
// no on-disk sectors left.
func (s *Spool) PageInHead(sensorID uint32) (id types.SectorID, ok bool, err error) {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.sidecar.HeadOffset >= sf.sidecar.NextWriteOffset {
		return types.NullSector, false, nil
	}

	capacity := sector.Capacity(s.opts.SectorSizeBytes)
	size := sector.Size(capacity)
	buf := make([]byte, size)

	f, err := s.fs.OpenFile(s.dataPath(sensorID), osReadOnly, 0o644)
	if err != nil {
		return types.NullSector, false, fmt.Errorf("page_in: open: %w", err)
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, sf.sidecar.HeadOffset); err != nil {
		return types.NullSector, false, fmt.Errorf("page_in: read: %w", err)
	}

	decoded, err := sector.Decode(buf, capacity)
	if err != nil {
		// Corrupt on-disk sector: quarantine it and skip past it so the
		// chain can make progress; counts as a data-loss event.
		if qerr := s.quarantineLocked(sensorID, buf, sf.sidecar.HeadOffset, err); qerr != nil {
			level.Error(s.log).Log("msg", "quarantine failed", "sensor_id", sensorID, "err", qerr)
		}
		lost := decodedRecordCountBestEffort(buf, capacity)
		sf.sidecar.HeadOffset += int64(size)
		if err := writeSidecar(s.fs, s.sidecarPath(sensorID), sf.sidecar); err != nil {
			return types.NullSector, false, fmt.Errorf("page_in: sidecar after quarantine: %w", err)
		}
		s.recordLoss(sensorID, "checksum_mismatch", lost)
		return types.NullSector, false, types.ErrSectorChecksumMismatch
	}

	newID, ram, err := s.alloc.Allocate()
	if err != nil {
		return types.NullSector, false, fmt.Errorf("page_in: %w", err)
	}
	ram.Header = decoded.Header
	copy(ram.Records, decoded.Records)

	sf.sidecar.HeadOffset += int64(size)
	if err := writeSidecar(s.fs, s.sidecarPath(sensorID), sf.sidecar); err != nil {
		return types.NullSector, false, fmt.Errorf("page_in: sidecar: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SectorPagedIn()
	}
	level.Debug(s.log).Log("msg", "paged in sector", "sensor_id", sensorID, "offset", sf.sidecar.HeadOffset-int64(size))
	return newID, true, nil
}

// DropHead advances the on-disk head offset past one sector without
// bringing it into RAM. Used when a fully-consumed spilled sector is
// committed and never needs to be read again.
func (s *Spool) DropHead(sensorID uint32) error {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()

	size := int64(sector.Size(sector.Capacity(s.opts.SectorSizeBytes)))
	if sf.sidecar.HeadOffset+size > sf.sidecar.NextWriteOffset {
		return fmt.Errorf("drop_head: sensor %d has no on-disk sector to drop", sensorID)
	}
	sf.sidecar.HeadOffset += size
	return writeSidecar(s.fs, s.sidecarPath(sensorID), sf.sidecar)
}

// HasDiskSectors reports whether sensorID currently has any un-consumed
// on-disk sectors, without doing any I/O beyond the cached sidecar.
func (s *Spool) HasDiskSectors(sensorID uint32) bool {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.sidecar.HeadOffset < sf.sidecar.NextWriteOffset
}

// RecoverAll enumerates per-sensor files, validates checksums, rebuilds each
// sensor's head/tail offsets, and establishes the read cursor at the
// persisted value (§4.C, §4.F).
func (s *Spool) RecoverAll(sensorIDs []uint32) (types.RecoveryReport, error) {
	report := types.RecoveryReport{}

	sorted := append([]uint32(nil), sensorIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	capacity := sector.Capacity(s.opts.SectorSizeBytes)
	size := int64(sector.Size(capacity))

	for _, id := range sorted {
		sf := s.fileFor(id)
		sf.mu.Lock()

		sidecar, err := readSidecar(s.fs, s.sidecarPath(id))
		derived := err != nil
		if derived {
			// Missing or corrupt sidecar: derive by scanning the data file
			// from offset 0, preferring to keep data over losing it.
			sidecar = Sidecar{}
			fileSize, statErr := s.fs.Stat(s.dataPath(id))
			if statErr == nil {
				n := fileSize / size
				sidecar.NextWriteOffset = n * size
			}
		}

		f, err := s.fs.OpenFile(s.dataPath(id), osReadOnly, 0o644)
		if err == nil {
			nSectors := 0
			for off := sidecar.HeadOffset; off+size <= sidecar.NextWriteOffset; off += size {
				buf := make([]byte, size)
				if _, rerr := f.ReadAt(buf, off); rerr != nil {
					break
				}
				if _, derr := sector.Decode(buf, capacity); derr != nil {
					if derived {
						// No sidecar to trust: the first sector that fails
						// to decode marks the end of the written data.
						sidecar.NextWriteOffset = off
						break
					}
					if qerr := s.quarantineLocked(id, buf, off, derr); qerr != nil {
						report.Errors = append(report.Errors, qerr)
					}
					report.Quarantined++
					s.recordLoss(id, "checksum_mismatch", decodedRecordCountBestEffort(buf, capacity))
					continue
				}
				nSectors++
			}
			report.SectorsRecovered += nSectors
			f.Close()
		}

		sf.sidecar = sidecar
		s.mu.Lock()
		s.diskUsed += sidecar.NextWriteOffset - sidecar.HeadOffset
		s.mu.Unlock()
		sf.mu.Unlock()

		if sidecar.NextWriteOffset > sidecar.HeadOffset {
			report.SensorsRecovered++
		}
	}
	return report, nil
}

// enforceDiskBudgetLocked is the last-resort reactive guard against the
// configured disk budget. The Controller proactively evicts the oldest
// on-disk sector across sensors once total usage crosses the budget (see
// Controller.enforceDiskBudget, which calls DropOldestDiskSector on a
// regular cycle); this check only refuses a spill outright when eviction
// could not keep pace with the write rate (§4.C numeric semantics, §4.E
// back-pressure).
func (s *Spool) enforceDiskBudgetLocked(addBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diskUsed+addBytes > s.opts.DiskBudgetBytes {
		return fmt.Errorf("%w: used=%d add=%d budget=%d", types.ErrDiskFull, s.diskUsed, addBytes, s.opts.DiskBudgetBytes)
	}
	return nil
}

// DiskUsed returns the current estimated spool footprint in bytes.
func (s *Spool) DiskUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskUsed
}

// DiskSectorCount returns how many whole on-disk sectors sensorID currently
// holds, without doing any I/O beyond the cached sidecar. Used by the
// Controller to pick a disk-budget eviction victim (§4.C "oldest first").
func (s *Spool) DiskSectorCount(sensorID uint32) int {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()
	size := int64(sector.Size(sector.Capacity(s.opts.SectorSizeBytes)))
	span := sf.sidecar.NextWriteOffset - sf.sidecar.HeadOffset
	if size <= 0 || span <= 0 {
		return 0
	}
	return int(span / size)
}

// DropOldestDiskSector discards sensorID's oldest on-disk sector without
// paging it into RAM, to bring total disk usage back under budget (spec
// §4.C "oldest first"). The dropped records are unrecoverable, so the
// catalog's cumulative loss counter is updated before the sidecar is
// advanced: a crash in between would rather over-count the loss than hide it.
func (s *Spool) DropOldestDiskSector(sensorID uint32) (lostRecords int, err error) {
	sf := s.fileFor(sensorID)
	sf.mu.Lock()
	defer sf.mu.Unlock()

	capacity := sector.Capacity(s.opts.SectorSizeBytes)
	size := int64(sector.Size(capacity))
	if sf.sidecar.HeadOffset+size > sf.sidecar.NextWriteOffset {
		return 0, fmt.Errorf("drop_oldest: sensor %d has no on-disk sector to drop", sensorID)
	}

	buf := make([]byte, size)
	f, err := s.fs.OpenFile(s.dataPath(sensorID), osReadOnly, 0o644)
	if err != nil {
		return 0, fmt.Errorf("drop_oldest: open: %w", err)
	}
	_, rerr := f.ReadAt(buf, sf.sidecar.HeadOffset)
	f.Close()
	if rerr != nil {
		return 0, fmt.Errorf("drop_oldest: read: %w", rerr)
	}
	lost := decodedRecordCountBestEffort(buf, capacity)

	sf.sidecar.HeadOffset += size
	if err := writeSidecar(s.fs, s.sidecarPath(sensorID), sf.sidecar); err != nil {
		return 0, fmt.Errorf("drop_oldest: sidecar: %w", err)
	}

	s.mu.Lock()
	s.diskUsed -= size
	s.mu.Unlock()

	s.recordLoss(sensorID, "disk_budget_evicted", lost)
	level.Warn(s.log).Log("msg", "dropped oldest disk sector under budget pressure", "sensor_id", sensorID, "lost_records", lost)
	return lost, nil
}

// recordLoss updates both the cumulative catalog counter and the live
// metric for a data-loss event, the single join point every loss path in
// this file goes through (§8 "data-loss counter").
func (s *Spool) recordLoss(sensorID uint32, cause string, n int) {
	if n <= 0 {
		return
	}
	if s.catalog != nil {
		if err := s.catalog.RecordLoss(sensorID, n); err != nil {
			level.Error(s.log).Log("msg", "record loss failed", "sensor_id", sensorID, "err", err)
		}
	}
	if s.metrics != nil {
		s.metrics.DataLoss(cause, n)
	}
}

func decodedRecordCountBestEffort(buf []byte, capacity int) int {
	if len(buf) < sector.HeaderSize {
		return capacity
	}
	count := int(buf[8]) | int(buf[9])<<8
	if count <= 0 || count > capacity {
		return capacity
	}
	return count
}

const (
	osReadOnly    = os.O_RDONLY
	osWriteCreate = os.O_WRONLY | os.O_CREATE

	// preallocChunkSectors is how many sector-sized chunks a sensor's data
	// file is extended by on first write (§4.C flash-fragmentation note).
	preallocChunkSectors = 64
)
