package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates a record in the middle of the file cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed (critical error)
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrOutOfOrder indicates an append that does not continue the log
	ErrOutOfOrder = errors.New("wal: entry index does not continue the log")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Offset   int64  // Byte offset of the record frame
	Expected uint32 // Stored checksum
	Actual   uint32 // Checksum of the bytes read
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at offset=%d (expected=0x%08x, got=0x%08x)", e.Offset, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Index  int64 // Log index of the failed record (if known)
	Offset int64 // Byte offset in file
	Cause  error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at offset=%d index=%d: %v", e.Offset, e.Index, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
