package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the on-disk records of the Raft log file
// ============================================================================

// RecordKind defines WAL record types
type RecordKind uint8

const (
	RecordEntry    RecordKind = 1 // One Raft log entry
	RecordTruncate RecordKind = 2 // Drop every entry with Index >= Record.Index
)

func (k RecordKind) String() string {
	switch k {
	case RecordEntry:
		return "ENTRY"
	case RecordTruncate:
		return "TRUNCATE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Record is one WAL record. Term, Type and Command are only set for RecordEntry.
type Record struct {
	Kind    RecordKind
	Index   int64
	Term    int64
	Type    raft.EntryType
	Command []byte
}

// Field numbers of the protowire encoding.
const (
	fieldKind    protowire.Number = 1
	fieldIndex   protowire.Number = 2
	fieldTerm    protowire.Number = 3
	fieldType    protowire.Number = 4
	fieldCommand protowire.Number = 5

	fieldMetaTerm protowire.Number = 1
	fieldMetaVote protowire.Number = 2
)

func entryRecord(e raft.LogEntry) Record {
	return Record{Kind: RecordEntry, Index: e.Index, Term: e.Term, Type: e.Type, Command: e.Command}
}

func (r Record) entry() raft.LogEntry {
	return raft.LogEntry{Index: r.Index, Term: r.Term, Type: r.Type, Command: r.Command}
}

// marshal appends the protowire encoding of r to b.
func (r Record) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Index))
	if r.Kind != RecordEntry {
		return b
	}
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Term))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	if len(r.Command) > 0 {
		b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Command)
	}
	return b
}

// unmarshalRecord decodes a record. Unknown fields are skipped.
func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldCommand:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				r.Kind = RecordKind(v)
			case fieldIndex:
				r.Index = int64(v)
			case fieldTerm:
				r.Term = int64(v)
			case fieldType:
				r.Type = raft.EntryType(v)
			}
		case num == fieldCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
			r.Command = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if r.Kind != RecordEntry && r.Kind != RecordTruncate {
		return r, fmt.Errorf("unknown record kind %d", r.Kind)
	}
	return r, nil
}

func marshalMeta(term int64, votedFor string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(term))
	b = protowire.AppendTag(b, fieldMetaVote, protowire.BytesType)
	b = protowire.AppendString(b, votedFor)
	return b
}

func unmarshalMeta(b []byte) (int64, string, error) {
	var term int64
	var vote string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldMetaTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			term = int64(v)
			b = b[n:]
		case num == fieldMetaVote && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			vote = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return term, vote, nil
}
