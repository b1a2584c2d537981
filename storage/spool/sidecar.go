package spool

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Sidecar is the per-sensor `.idx` file contents (spec §3 "Disk Spool
// entry", §6 "On-disk layout"): enough to survive a restart without
// rescanning the whole `.dat` file.
type Sidecar struct {
	HeadOffset        int64
	NextWriteOffset   int64
	GenerationAtSpill uint32
}

const sidecarEncodedSize = 8 + 8 + 4 + 8 // head, next, generation, checksum

func (s Sidecar) encode() []byte {
	buf := make([]byte, sidecarEncodedSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.HeadOffset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.NextWriteOffset))
	binary.LittleEndian.PutUint32(buf[16:20], s.GenerationAtSpill)
	sum := xxhash.Sum64(buf[:20])
	binary.LittleEndian.PutUint64(buf[20:28], sum)
	return buf
}

func decodeSidecar(buf []byte) (Sidecar, error) {
	if len(buf) < sidecarEncodedSize {
		return Sidecar{}, fmt.Errorf("%w: sidecar truncated", types.ErrSectorChecksumMismatch)
	}
	wantSum := binary.LittleEndian.Uint64(buf[20:28])
	gotSum := xxhash.Sum64(buf[:20])
	if wantSum != gotSum {
		return Sidecar{}, fmt.Errorf("%w: sidecar checksum", types.ErrSectorChecksumMismatch)
	}
	return Sidecar{
		HeadOffset:        int64(binary.LittleEndian.Uint64(buf[0:8])),
		NextWriteOffset:   int64(binary.LittleEndian.Uint64(buf[8:16])),
		GenerationAtSpill: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// writeSidecar durably persists a sidecar using a write-to-temp,
// fsync-then-rename sequence so a crash mid-write never corrupts the
// previously committed sidecar (SPEC_FULL §4.C).
func writeSidecar(fs types.FileSystem, path string, s Sidecar) error {
	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(s.encode()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

func readSidecar(fs types.FileSystem, path string) (Sidecar, error) {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return Sidecar{}, err
	}
	defer f.Close()

	buf := make([]byte, sidecarEncodedSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Sidecar{}, err
	}
	return decodeSidecar(buf)
}
