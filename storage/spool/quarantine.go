package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// quarantineLocked writes the raw bytes of a sector that failed validation
// to the quarantine directory along with a reason file, so it can be
// inspected without blocking operation (§6, §7 SectorChecksumMismatch).
// Caller must hold the relevant sensorFile's lock.
func (s *Spool) quarantineLocked(sensorID uint32, buf []byte, offset int64, cause error) error {
	if err := s.fs.MkdirAll(s.opts.QuarantineDir, 0o755); err != nil {
		return fmt.Errorf("quarantine: mkdir: %w", err)
	}

	name := fmt.Sprintf("sensor_%d_offset_%d", sensorID, offset)
	dataPath := filepath.Join(s.opts.QuarantineDir, name+".sector")
	reasonPath := filepath.Join(s.opts.QuarantineDir, name+".reason")

	f, err := s.fs.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("quarantine: write sector: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("quarantine: write sector: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("quarantine: write sector: %w", err)
	}

	rf, err := s.fs.OpenFile(reasonPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("quarantine: write reason: %w", err)
	}
	reason := fmt.Sprintf("sensor_id=%d offset=%d time=%s cause=%s\n", sensorID, offset, time.Now().UTC().Format(time.RFC3339), cause)
	if _, err := rf.Write([]byte(reason)); err != nil {
		rf.Close()
		return fmt.Errorf("quarantine: write reason: %w", err)
	}
	if err := rf.Close(); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SectorQuarantined()
	}
	return nil
}
