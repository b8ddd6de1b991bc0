package guard

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// SequenceStore persists the receiver-local last_accepted_sequence as a
// fixed-size record: an 8-byte big-endian int64 (spec §6: "Receiver
// sequence file: fixed-size record containing the 64-bit last-accepted
// sequence, written atomically"). Every write goes to a temp file and is
// renamed into place, so a crash mid-write never leaves a torn record.
type SequenceStore struct {
	path string
}

// NewSequenceStore binds a SequenceStore to path. The file need not exist
// yet; Load returns 0 if it does not.
func NewSequenceStore(path string) *SequenceStore {
	return &SequenceStore{path: path}
}

// Load reads the persisted sequence, or 0 if the file has never been
// written.
func (s *SequenceStore) Load() (int64, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("guard: read sequence file: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("guard: sequence file %s has unexpected length %d", s.path, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// Save durably persists seq via write-then-rename: the new value is
// written to a temp file in the same directory, fsynced, and renamed over
// the live path, so readers never observe a partial write.
func (s *SequenceStore) Save(seq int64) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("guard: create temp sequence file: %w", err)
	}
	tmpPath := tmp.Name()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	if _, err := tmp.Write(buf[:]); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("guard: write temp sequence file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("guard: fsync temp sequence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("guard: close temp sequence file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("guard: rename sequence file into place: %w", err)
	}
	return nil
}
