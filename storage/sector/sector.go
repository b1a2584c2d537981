// Package sector encodes and decodes the fixed-size storage blocks
// described in spec §3: a header followed by a bounded array of
// fixed-size records for one sensor. It knows nothing about pools, chains
// or disk files — those are the caller's concern.
package sector

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Magic is written at the start of every sector so corrupt or torn writes
// can be detected independently of the checksum (§6 "Fixed magic").
const Magic uint32 = 0x53454354 // "SECT"

// HeaderSize is the fixed on-disk/in-RAM size of a sector header.
const HeaderSize = 4 + 4 + 2 + 2 + 8 + 8 + 4 + 4 + 8

// RecordSize is the fixed wire size of one record: an 8-byte millisecond
// timestamp plus a 4-byte value (reinterpreted per the sensor's ValueType).
const RecordSize = 8 + 4

// Header is the decoded sector header (spec §3).
type Header struct {
	SensorID         uint32
	RecordCount      uint16
	FirstTimestampMs uint64
	LastTimestampMs  uint64
	NextSectorID     types.SectorID
	Generation       uint32
}

// Sector is a fully decoded sector: header plus its record slots. Capacity
// is fixed at construction time by the configured sector size.
type Sector struct {
	Header  Header
	Records []types.Record // len == capacity; only [:Header.RecordCount] are valid
}

// Capacity returns how many records fit in a sector of the given total size.
func Capacity(sectorSizeBytes int) int {
	n := (sectorSizeBytes - HeaderSize) / RecordSize
	if n < 1 {
		n = 1
	}
	return n
}

// New returns a zeroed sector with room for capacity records.
func New(capacity int) *Sector {
	return &Sector{Records: make([]types.Record, capacity)}
}

// Reset zeroes a sector in place so it can be reused by a new generation
// without reallocating its Records slice.
func (s *Sector) Reset() {
	s.Header = Header{}
	for i := range s.Records {
		s.Records[i] = types.Record{}
	}
}

// Sealed reports whether the sector has no more room for records.
func (s *Sector) Sealed() bool {
	return int(s.Header.RecordCount) >= len(s.Records)
}

// Append writes one record into the next free slot. The caller is
// responsible for enforcing the non-decreasing-timestamp invariant and for
// checking Sealed first.
func (s *Sector) Append(r types.Record) error {
	if s.Sealed() {
		return fmt.Errorf("sector sealed: record_count=%d capacity=%d", s.Header.RecordCount, len(s.Records))
	}
	idx := s.Header.RecordCount
	s.Records[idx] = r
	if idx == 0 {
		s.Header.FirstTimestampMs = r.TimestampMs
	}
	s.Header.LastTimestampMs = r.TimestampMs
	s.Header.RecordCount++
	return nil
}

// Encode serializes the sector (header + full capacity of record slots) into
// buf, which must be at least HeaderSize+capacity*RecordSize bytes. The
// checksum is computed and written as the final field.
func (s *Sector) Encode(buf []byte) error {
	need := HeaderSize + len(s.Records)*RecordSize
	if len(buf) < need {
		return fmt.Errorf("buffer too small: need %d, have %d", need, len(buf))
	}

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.Header.SensorID)
	binary.LittleEndian.PutUint16(buf[8:10], s.Header.RecordCount)
	// buf[10:12] reserved
	binary.LittleEndian.PutUint64(buf[12:20], s.Header.FirstTimestampMs)
	binary.LittleEndian.PutUint64(buf[20:28], s.Header.LastTimestampMs)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(s.Header.NextSectorID))
	binary.LittleEndian.PutUint32(buf[32:36], s.Header.Generation)

	off := HeaderSize
	for _, r := range s.Records {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.TimestampMs)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], r.Value)
		off += RecordSize
	}

	// Checksum covers the magic..generation header fields plus every record
	// byte; it excludes its own field.
	sum := checksum(buf, len(s.Records))
	binary.LittleEndian.PutUint64(buf[36:44], sum)
	return nil
}

// checksum hashes the header bytes before the checksum field and every
// record byte after it, skipping the checksum field itself.
func checksum(buf []byte, capacity int) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[0 : HeaderSize-8])
	_, _ = d.Write(buf[HeaderSize : HeaderSize+capacity*RecordSize])
	return d.Sum64()
}

// Decode parses a sector from buf (which must be exactly
// HeaderSize+capacity*RecordSize long) and validates its magic and checksum.
// A failure returns types.ErrSectorChecksumMismatch or a magic error; the
// caller (disk spool / recovery) decides how to quarantine.
func Decode(buf []byte, capacity int) (*Sector, error) {
	need := HeaderSize + capacity*RecordSize
	if len(buf) < need {
		return nil, fmt.Errorf("buffer too small: need %d, have %d", need, len(buf))
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %x", types.ErrSectorChecksumMismatch, magic)
	}

	wantSum := binary.LittleEndian.Uint64(buf[36:44])
	gotSum := checksum(buf, capacity)
	if wantSum != gotSum {
		return nil, fmt.Errorf("%w: want=%x got=%x", types.ErrSectorChecksumMismatch, wantSum, gotSum)
	}

	s := New(capacity)
	s.Header = Header{
		SensorID:         binary.LittleEndian.Uint32(buf[4:8]),
		RecordCount:      binary.LittleEndian.Uint16(buf[8:10]),
		FirstTimestampMs: binary.LittleEndian.Uint64(buf[12:20]),
		LastTimestampMs:  binary.LittleEndian.Uint64(buf[20:28]),
		NextSectorID:     types.SectorID(binary.LittleEndian.Uint32(buf[28:32])),
		Generation:       binary.LittleEndian.Uint32(buf[32:36]),
	}

	off := HeaderSize
	for i := 0; i < capacity; i++ {
		s.Records[i] = types.Record{
			TimestampMs: binary.LittleEndian.Uint64(buf[off : off+8]),
			Value:       binary.LittleEndian.Uint32(buf[off+8 : off+12]),
		}
		off += RecordSize
	}
	return s, nil
}

// Size returns the encoded byte size for a sector of the given capacity.
func Size(capacity int) int {
	return HeaderSize + capacity*RecordSize
}
