package raft

import (
	"fmt"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// errStopped answers RPCs that reach a node after Stop.
var errStopped = fmt.Errorf("%w: node stopped", types.ErrUnavailable)

// RequestVoteArgs represents the arguments for RequestVote RPC
type RequestVoteArgs struct {
	Term         int64  `msgpack:"term"`
	CandidateID  string `msgpack:"candidate_id"`
	LastLogIndex int64  `msgpack:"last_log_index"`
	LastLogTerm  int64  `msgpack:"last_log_term"`
}

// RequestVoteReply represents the reply for RequestVote RPC
type RequestVoteReply struct {
	Term        int64 `msgpack:"term"`
	VoteGranted bool  `msgpack:"vote_granted"`
}

// RequestVote handles the RequestVote RPC. A non-nil error means the vote could not be
// made durable and no reply must be sent.
func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.stopped {
		return errStopped
	}

	// 1. Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.VoteGranted = false
		return nil
	}

	// If RPC request contains term T > currentTerm: set currentTerm = T, convert to follower
	var persistErr error
	if args.Term > rf.currentTerm {
		persistErr = rf.convertToFollower(args.Term)
	}
	reply.Term = rf.currentTerm
	if persistErr != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, persistErr)
	}

	// 2. If votedFor is null or candidateId, and candidate's log is at least as up-to-date
	// as receiver's log, grant vote
	canVote := rf.votedFor == "" || rf.votedFor == args.CandidateID
	lastIndex, lastTerm := rf.lastLogIndexTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if !canVote || !upToDate {
		reply.VoteGranted = false
		rf.logger.Debug("Vote denied",
			"candidate", args.CandidateID, "term", args.Term,
			"voted_for", rf.votedFor, "up_to_date", upToDate)
		return nil
	}

	if rf.votedFor != args.CandidateID {
		if err := rf.storage.SaveTermAndVote(rf.currentTerm, args.CandidateID); err != nil {
			rf.metrics.RecordPersistenceFailure()
			rf.logger.Error("Failed to persist vote", "candidate", args.CandidateID, "term", rf.currentTerm, "error", err)
			return fmt.Errorf("%w: %v", types.ErrPersistence, err)
		}
		rf.votedFor = args.CandidateID
	}

	reply.VoteGranted = true
	rf.resetElectionTimer() // Granting vote resets election timer
	rf.logger.Info("Vote granted", "candidate", args.CandidateID, "term", args.Term)
	return nil
}

// Upper bounds of the msgpack encoding of an AppendEntriesArgs without entries (plus the
// frame's correlation ID), and of one entry without its command bytes.
const (
	appendArgsOverhead = 160
	entryOverhead      = 64
)

// EntrySize bounds the encoded size of e inside an AppendEntries request.
func EntrySize(e LogEntry) int {
	return entryOverhead + len(e.Command)
}

// MaxCommandSize returns the largest command whose entry still fits alone in an
// AppendEntries request of maxBytes sent by leaderID.
func MaxCommandSize(maxBytes int, leaderID string) int {
	return maxBytes - appendArgsOverhead - len(leaderID) - entryOverhead
}

// AppendEntriesArgs represents the arguments for AppendEntries RPC
type AppendEntriesArgs struct {
	Term         int64      `msgpack:"term"`
	LeaderID     string     `msgpack:"leader_id"`
	PrevLogIndex int64      `msgpack:"prev_log_index"`
	PrevLogTerm  int64      `msgpack:"prev_log_term"`
	Entries      []LogEntry `msgpack:"entries"`
	LeaderCommit int64      `msgpack:"leader_commit"`
}

// AppendEntriesReply represents the reply for AppendEntries RPC. On rejection
// ConflictIndex is where the leader should retry from.
type AppendEntriesReply struct {
	Term          int64 `msgpack:"term"`
	Success       bool  `msgpack:"success"`
	MatchIndex    int64 `msgpack:"match_index"`
	ConflictIndex int64 `msgpack:"conflict_index,omitempty"`
	ConflictTerm  int64 `msgpack:"conflict_term,omitempty"`
}

// AppendEntries handles the AppendEntries RPC (Heartbeat & Log Replication). A non-nil
// error means the log could not be made durable and nothing must be acknowledged.
func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.stopped {
		return errStopped
	}

	reply.Term = rf.currentTerm
	reply.Success = false

	// 1. Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		return nil
	}

	// A current or newer leader exists: follow it.
	var persistErr error
	if args.Term > rf.currentTerm || rf.state != Follower {
		persistErr = rf.convertToFollower(args.Term)
	}
	reply.Term = rf.currentTerm
	rf.leaderID = args.LeaderID
	rf.resetElectionTimer()
	if persistErr != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, persistErr)
	}

	// 2. Reply false if log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm
	lastIndex := rf.lastIndex()
	if args.PrevLogIndex > lastIndex {
		reply.ConflictIndex = lastIndex + 1
		return nil
	}
	if rf.log[args.PrevLogIndex].Term != args.PrevLogTerm {
		conflictTerm := rf.log[args.PrevLogIndex].Term
		i := args.PrevLogIndex
		for i > rf.commitIndex+1 && rf.log[i-1].Term == conflictTerm {
			i--
		}
		reply.ConflictIndex = i
		reply.ConflictTerm = conflictTerm
		return nil
	}

	// 3. If an existing entry conflicts with a new one (same index but different terms),
	// delete the existing entry and all that follow it
	var toAppend []LogEntry
	for i, e := range args.Entries {
		idx := args.PrevLogIndex + 1 + int64(i)
		if e.Index != idx {
			return fmt.Errorf("%w: entry %d carries index %d", types.ErrLogConflict, idx, e.Index)
		}
		if idx > rf.lastIndex() {
			toAppend = args.Entries[i:]
			break
		}
		if rf.log[idx].Term == e.Term {
			continue
		}
		if idx <= rf.commitIndex {
			rf.logger.Error("Leader sent a conflicting entry below the commit index",
				"index", idx, "commit_index", rf.commitIndex, "leader", args.LeaderID)
			return fmt.Errorf("%w: refusing to truncate committed index %d", types.ErrLogConflict, idx)
		}
		if err := rf.storage.TruncateLog(idx); err != nil {
			rf.metrics.RecordPersistenceFailure()
			return fmt.Errorf("%w: truncate from %d: %v", types.ErrPersistence, idx, err)
		}
		rf.logger.Info("Truncated conflicting log suffix", "from", idx, "leader", args.LeaderID)
		rf.log = rf.log[:idx]
		toAppend = args.Entries[i:]
		break
	}

	// 4. Append any new entries not already in the log
	if len(toAppend) > 0 {
		if err := rf.storage.AppendLog(toAppend); err != nil {
			rf.metrics.RecordPersistenceFailure()
			return fmt.Errorf("%w: append %d entries: %v", types.ErrPersistence, len(toAppend), err)
		}
		for _, e := range toAppend {
			rf.log = append(rf.log, cloneEntry(e))
		}
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	lastNew := args.PrevLogIndex + int64(len(args.Entries))
	if args.LeaderCommit > rf.commitIndex {
		commit := min(args.LeaderCommit, lastNew)
		if commit > rf.commitIndex {
			rf.commitIndex = commit
			rf.metrics.SetCommitIndex(commit)
			rf.signalApply()
		}
	}

	reply.Success = true
	reply.MatchIndex = lastNew
	return nil
}
