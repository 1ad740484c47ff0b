package raft

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrLogNotFound     = errors.New("log not found")
	ErrIndexOutOfRange = errors.New("index out of range")
)

// EntryType distinguishes client commands from the no-op a new leader appends.
type EntryType uint8

const (
	EntryCommand EntryType = iota
	EntryNoOp
)

// LogEntry is one replicated log record. Index is contiguous from 1.
type LogEntry struct {
	Index   int64     `msgpack:"index"`
	Term    int64     `msgpack:"term"`
	Type    EntryType `msgpack:"type"`
	Command []byte    `msgpack:"command,omitempty"`
}

// Storage is the persistence collaborator. Every method must be durable before it
// returns; the engine acknowledges nothing that has not been written through it.
type Storage interface {
	// AppendLog appends entries whose indices continue the stored log.
	AppendLog(entries []LogEntry) error
	// ReadLog returns every stored entry with Index >= fromIndex.
	ReadLog(fromIndex int64) ([]LogEntry, error)
	// TruncateLog removes every entry with Index >= fromIndex.
	TruncateLog(fromIndex int64) error
	SaveTermAndVote(term int64, votedFor string) error
	LoadTermAndVote() (term int64, votedFor string, err error)
}

// MemoryStorage is a Storage kept in memory. It survives an engine restart as long as the
// same value is handed to the new engine, which is what the restart tests rely on.
type MemoryStorage struct {
	mu       sync.Mutex
	entries  []LogEntry // entries[i].Index == i+1
	term     int64
	votedFor string
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) AppendLog(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		want := int64(len(s.entries)) + 1
		if e.Index != want {
			return fmt.Errorf("%w: append index %d, expected %d", ErrIndexOutOfRange, e.Index, want)
		}
		s.entries = append(s.entries, cloneEntry(e))
	}
	return nil
}

func (s *MemoryStorage) ReadLog(fromIndex int64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex < 1 {
		fromIndex = 1
	}
	if fromIndex > int64(len(s.entries)) {
		return nil, nil
	}
	out := make([]LogEntry, 0, int64(len(s.entries))-fromIndex+1)
	for _, e := range s.entries[fromIndex-1:] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *MemoryStorage) TruncateLog(fromIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex < 1 {
		fromIndex = 1
	}
	if fromIndex <= int64(len(s.entries)) {
		s.entries = s.entries[:fromIndex-1]
	}
	return nil
}

func (s *MemoryStorage) SaveTermAndVote(term int64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	s.votedFor = votedFor
	return nil
}

func (s *MemoryStorage) LoadTermAndVote() (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}

func cloneEntry(e LogEntry) LogEntry {
	if e.Command != nil {
		e.Command = append([]byte(nil), e.Command...)
	}
	return e
}
