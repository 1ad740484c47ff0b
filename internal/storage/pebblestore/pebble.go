// Package pebblestore keeps the Raft log, term/vote and a job index in one Pebble database.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Key layout. Log keys sort by index because the index is big-endian.
var (
	prefixLog = []byte("l/")
	prefixJob = []byte("j/")
	keyState  = []byte("m/state")
)

var errOutOfOrder = errors.New("pebblestore: entry index does not continue the log")

type hardState struct {
	Term     int64  `msgpack:"term"`
	VotedFor string `msgpack:"voted_for"`
}

type jobRecord struct {
	Job    *types.Job       `msgpack:"job"`
	Failed *types.FailedJob `msgpack:"failed,omitempty"`
}

// Options tune the store.
type Options struct {
	// NoSync skips fsync on writes. Only for tests and throwaway nodes.
	NoSync bool
	// CacheSize is the block cache size in bytes; 0 uses 32 MB.
	CacheSize int64
}

// Store implements raft.Storage and storage.JobIndex.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	mu        sync.Mutex // serializes log mutations and guards lastIndex
	lastIndex int64
}

var (
	_ raft.Storage     = (*Store)(nil)
	_ storage.JobIndex = (*Store)(nil)
)

// Open opens or creates the database under dir.
func Open(dir string, opts Options) (*Store, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 32 << 20
	}
	cache := pebble.NewCache(size)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	s := &Store{
		db:        db,
		writeOpts: pebble.Sync,
		logger:    slog.With("component", "pebblestore", "dir", dir),
	}
	if opts.NoSync {
		s.writeOpts = pebble.NoSync
	}

	last, err := s.loadLastIndex()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.lastIndex = last
	s.logger.Info("Pebble store opened", "last_index", last)
	return s, nil
}

func logKey(index int64) []byte {
	k := make([]byte, len(prefixLog)+8)
	copy(k, prefixLog)
	binary.BigEndian.PutUint64(k[len(prefixLog):], uint64(index))
	return k
}

func jobKey(id types.JobID) []byte {
	return append(append([]byte(nil), prefixJob...), string(id)...)
}

// prefixUpperBound returns the smallest key greater than every key with the prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) loadLastIndex() (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixLog,
		UpperBound: prefixUpperBound(prefixLog),
	})
	if err != nil {
		return 0, fmt.Errorf("pebblestore: iterate log: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return int64(binary.BigEndian.Uint64(iter.Key()[len(prefixLog):])), nil
}

// AppendLog writes entries in one synced batch.
func (s *Store) AppendLog(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	for i, e := range entries {
		if want := s.lastIndex + 1 + int64(i); e.Index != want {
			return fmt.Errorf("%w: got %d, want %d", errOutOfOrder, e.Index, want)
		}
		val, err := msgpack.Marshal(&e)
		if err != nil {
			return fmt.Errorf("pebblestore: encode entry %d: %w", e.Index, err)
		}
		if err := b.Set(logKey(e.Index), val, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("pebblestore: commit append: %w", err)
	}
	s.lastIndex = entries[len(entries)-1].Index
	return nil
}

// ReadLog returns entries with Index >= fromIndex.
func (s *Store) ReadLog(fromIndex int64) ([]raft.LogEntry, error) {
	if fromIndex < 1 {
		fromIndex = 1
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(fromIndex),
		UpperBound: prefixUpperBound(prefixLog),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: iterate log: %w", err)
	}
	defer iter.Close()

	var out []raft.LogEntry
	for valid := iter.First(); valid; valid = iter.Next() {
		var e raft.LogEntry
		if err := msgpack.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("pebblestore: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// TruncateLog deletes entries with Index >= fromIndex.
func (s *Store) TruncateLog(fromIndex int64) error {
	if fromIndex < 1 {
		fromIndex = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex > s.lastIndex {
		return nil
	}
	if err := s.db.DeleteRange(logKey(fromIndex), prefixUpperBound(prefixLog), s.writeOpts); err != nil {
		return fmt.Errorf("pebblestore: truncate from %d: %w", fromIndex, err)
	}
	s.lastIndex = fromIndex - 1
	return nil
}

func (s *Store) SaveTermAndVote(term int64, votedFor string) error {
	val, err := msgpack.Marshal(&hardState{Term: term, VotedFor: votedFor})
	if err != nil {
		return err
	}
	if err := s.db.Set(keyState, val, s.writeOpts); err != nil {
		return fmt.Errorf("pebblestore: save term and vote: %w", err)
	}
	return nil
}

func (s *Store) LoadTermAndVote() (int64, string, error) {
	val, closer, err := s.db.Get(keyState)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("pebblestore: load term and vote: %w", err)
	}
	defer closer.Close()

	var hs hardState
	if err := msgpack.Unmarshal(val, &hs); err != nil {
		return 0, "", fmt.Errorf("pebblestore: decode term and vote: %w", err)
	}
	return hs.Term, hs.VotedFor, nil
}

// PutJob stores the latest view of a job.
func (s *Store) PutJob(_ context.Context, job *types.Job, failed *types.FailedJob) error {
	val, err := msgpack.Marshal(&jobRecord{Job: job, Failed: failed})
	if err != nil {
		return fmt.Errorf("pebblestore: encode job %s: %w", job.ID, err)
	}
	// Projection writes are replayable from the log; no fsync needed.
	return s.db.Set(jobKey(job.ID), val, pebble.NoSync)
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, *types.FailedJob, error) {
	val, closer, err := s.db.Get(jobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	defer closer.Close()

	var rec jobRecord
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, nil, fmt.Errorf("pebblestore: decode job %s: %w", id, err)
	}
	return rec.Job, rec.Failed, nil
}

// CountJobs returns the number of indexed jobs.
func (s *Store) CountJobs() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixJob,
		UpperBound: prefixUpperBound(prefixJob),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}
