package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// State represents the Raft node state
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Config holds Raft configuration
type Config struct {
	ID                string
	Peers             []string // All voting members, including ID
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	MaxAppendEntries  int
	// MaxAppendBytes bounds the encoded size of one AppendEntries request, normally the
	// transport's frame limit. 0 means no byte limit.
	MaxAppendBytes int
}

func (c *Config) setDefaults() {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 300 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = c.ElectionTimeout
	}
	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = 256
	}
}

// Transport defines the interface for sending RPCs to peers
type Transport interface {
	SendRequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

// ApplyMsg is used to send committed entries to the state machine. CommandValid is false
// for the no-op entry a new leader appends.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex int64
	CommandTerm  int64

	proposal *Proposal
}

// Respond completes the local proposal waiting on this entry, if there is one.
func (m ApplyMsg) Respond(result any) {
	if m.proposal != nil {
		m.proposal.resolve(result, nil)
	}
}

// Status is a point-in-time view of the node.
type Status struct {
	ID           string `json:"id"`
	State        State  `json:"-"`
	StateName    string `json:"state"`
	Term         int64  `json:"term"`
	VotedFor     string `json:"voted_for,omitempty"`
	LeaderID     string `json:"leader_id,omitempty"`
	CommitIndex  int64  `json:"commit_index"`
	LastApplied  int64  `json:"last_applied"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  int64  `json:"last_log_term"`
}

// Raft implements the Raft consensus algorithm
type Raft struct {
	mu sync.Mutex

	// Persistent state
	currentTerm int64
	votedFor    string
	log         []LogEntry // log[0] is a sentinel, log[i].Index == i
	storage     Storage

	// Volatile state
	state       State
	leaderID    string
	commitIndex int64
	lastApplied int64

	// Volatile state on leaders
	nextIndex    map[string]int64
	matchIndex   map[string]int64
	replicate    map[string]chan struct{}
	leaderCancel context.CancelFunc
	pending      map[int64]*Proposal

	// Channels
	applyCh     chan<- ApplyMsg
	applyNotify chan struct{}
	stopCh      chan struct{}
	stopped     bool
	wg          sync.WaitGroup

	config    Config
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Collector

	// Timers
	electionTimer    *time.Timer
	electionDeadline time.Time
}

// NewRaft creates a new Raft instance from whatever the storage holds.
func NewRaft(config Config, storage Storage, trans Transport, applyCh chan<- ApplyMsg, m *metrics.Collector) (*Raft, error) {
	config.setDefaults()

	term, votedFor, err := storage.LoadTermAndVote()
	if err != nil {
		return nil, fmt.Errorf("%w: load term and vote: %v", types.ErrPersistence, err)
	}
	entries, err := storage.ReadLog(1)
	if err != nil {
		return nil, fmt.Errorf("%w: read log: %v", types.ErrPersistence, err)
	}

	log := make([]LogEntry, 1, len(entries)+1)
	for i, e := range entries {
		if e.Index != int64(i)+1 {
			return nil, fmt.Errorf("%w: stored entry %d has index %d", ErrIndexOutOfRange, i+1, e.Index)
		}
		log = append(log, e)
	}

	rf := &Raft{
		currentTerm: term,
		votedFor:    votedFor,
		log:         log,
		storage:     storage,
		state:       Follower,
		config:      config,
		transport:   trans,
		applyCh:     applyCh,
		applyNotify: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		logger:      slog.With("component", "raft", "id", config.ID),
		metrics:     m,
		nextIndex:   make(map[string]int64),
		matchIndex:  make(map[string]int64),
		pending:     make(map[int64]*Proposal),
	}
	rf.logger.Info("Raft state loaded", "term", term, "voted_for", votedFor, "last_index", rf.lastIndex())
	return rf, nil
}

// SetApplied marks every entry up to index as already applied, for a state machine
// restored from a snapshot. Call before Start.
func (rf *Raft) SetApplied(index int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if index > rf.lastIndex() {
		return fmt.Errorf("%w: snapshot index %d beyond last log index %d", ErrIndexOutOfRange, index, rf.lastIndex())
	}
	if index > rf.commitIndex {
		rf.commitIndex = index
	}
	rf.lastApplied = index
	return nil
}

// Start starts the Raft node
func (rf *Raft) Start() {
	rf.mu.Lock()
	rf.electionTimer = time.NewTimer(time.Hour)
	rf.resetElectionTimer()
	rf.publishState()
	rf.mu.Unlock()

	rf.wg.Add(2)
	go rf.runElectionLoop()
	go rf.runApplier()
}

// Stop shuts the node down and fails every outstanding proposal with ErrUnavailable.
func (rf *Raft) Stop() {
	rf.mu.Lock()
	if rf.stopped {
		rf.mu.Unlock()
		return
	}
	rf.stopped = true
	close(rf.stopCh)
	if rf.leaderCancel != nil {
		rf.leaderCancel()
		rf.leaderCancel = nil
	}
	for idx, p := range rf.pending {
		p.resolve(nil, fmt.Errorf("%w: node shutting down", types.ErrUnavailable))
		delete(rf.pending, idx)
	}
	if rf.electionTimer != nil {
		rf.electionTimer.Stop()
	}
	rf.mu.Unlock()

	rf.wg.Wait()
	rf.logger.Info("Raft stopped")
}

// Propose appends a command to the leader's log and starts replicating it. The returned
// proposal resolves once the entry is applied locally, or fails with ErrLeadershipLost if
// this node stops leading before the entry commits.
func (rf *Raft) Propose(command []byte) (*Proposal, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.stopped {
		return nil, fmt.Errorf("%w: node shutting down", types.ErrUnavailable)
	}
	if rf.state != Leader {
		rf.metrics.RecordProposal("not_leader")
		return nil, &types.NotLeaderError{LeaderID: rf.leaderID}
	}
	// An entry that cannot travel in one AppendEntries would never reach a follower.
	if limit := rf.maxCommandSize(); limit >= 0 && len(command) > limit {
		rf.metrics.RecordProposal("too_large")
		return nil, fmt.Errorf("%w: command of %d bytes exceeds the %d byte replication limit",
			types.ErrInvalidRequest, len(command), limit)
	}

	entry := LogEntry{
		Index:   rf.lastIndex() + 1,
		Term:    rf.currentTerm,
		Type:    EntryCommand,
		Command: append([]byte(nil), command...),
	}
	if err := rf.storage.AppendLog([]LogEntry{entry}); err != nil {
		rf.metrics.RecordPersistenceFailure()
		rf.metrics.RecordProposal("persistence")
		rf.logger.Error("Failed to persist proposal, stepping down", "index", entry.Index, "term", entry.Term, "error", err)
		_ = rf.convertToFollower(rf.currentTerm)
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	rf.log = append(rf.log, entry)

	p := newProposal(entry.Index, entry.Term)
	rf.pending[entry.Index] = p
	rf.metrics.RecordProposal("accepted")
	rf.logger.Debug("New proposal", "index", entry.Index, "term", entry.Term)

	// Start replicating immediately
	rf.notifyReplicators()
	rf.updateCommitIndex()
	return p, nil
}

// GetState returns the current term and whether this node believes it is the leader.
func (rf *Raft) GetState() (int64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm, rf.state == Leader
}

// IsLeader reports whether this node currently leads.
func (rf *Raft) IsLeader() bool {
	_, leader := rf.GetState()
	return leader
}

// Leader returns the last known leader ID, or "".
func (rf *Raft) Leader() string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.leaderID
}

// ID returns this node's ID.
func (rf *Raft) ID() string {
	return rf.config.ID
}

// Status returns a snapshot of the node's consensus state.
func (rf *Raft) Status() Status {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	lastIndex, lastTerm := rf.lastLogIndexTerm()
	return Status{
		ID:           rf.config.ID,
		State:        rf.state,
		StateName:    rf.state.String(),
		Term:         rf.currentTerm,
		VotedFor:     rf.votedFor,
		LeaderID:     rf.leaderID,
		CommitIndex:  rf.commitIndex,
		LastApplied:  rf.lastApplied,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
}

// Entries returns a copy of the log from index from onward.
func (rf *Raft) Entries(from int64) []LogEntry {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if from < 1 {
		from = 1
	}
	if from > rf.lastIndex() {
		return nil
	}
	out := make([]LogEntry, 0, rf.lastIndex()-from+1)
	for _, e := range rf.log[from:] {
		out = append(out, cloneEntry(e))
	}
	return out
}

func (rf *Raft) runElectionLoop() {
	defer rf.wg.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.electionTimer.C:
			rf.mu.Lock()
			// A heartbeat may have pushed the deadline while we waited for the lock.
			if time.Now().Before(rf.electionDeadline) {
				rf.mu.Unlock()
				continue
			}
			if rf.state != Leader && !rf.stopped {
				rf.startElection()
			}
			rf.resetElectionTimer()
			rf.mu.Unlock()
		}
	}
}

// convertToFollower steps down, adopting term if it is newer. The returned error reports
// a failure to persist the new term; the in-memory state changes regardless.
func (rf *Raft) convertToFollower(term int64) error {
	wasLeader := rf.state == Leader

	var err error
	if term > rf.currentTerm {
		rf.currentTerm = term
		rf.votedFor = ""
		rf.leaderID = ""
		if rf.stopped {
			err = fmt.Errorf("%w: node shutting down", types.ErrUnavailable)
		} else if err = rf.storage.SaveTermAndVote(term, ""); err != nil {
			rf.metrics.RecordPersistenceFailure()
			rf.logger.Error("Failed to persist term", "term", term, "error", err)
		}
	}
	rf.state = Follower
	if wasLeader {
		rf.loseLeadership()
	}
	rf.publishState()
	return err
}

func (rf *Raft) loseLeadership() {
	if rf.leaderCancel != nil {
		rf.leaderCancel()
		rf.leaderCancel = nil
	}
	rf.replicate = nil
	if rf.leaderID == rf.config.ID {
		rf.leaderID = ""
	}
	// Committed entries will still be applied and answered; anything else may be
	// overwritten by the next leader.
	for idx, p := range rf.pending {
		if idx > rf.commitIndex {
			p.resolve(nil, types.ErrLeadershipLost)
			delete(rf.pending, idx)
		}
	}
	rf.metrics.RecordLeaderChange()
	rf.logger.Info("Stepped down from leadership", "term", rf.currentTerm)
}

func (rf *Raft) convertToLeader() {
	if rf.state == Leader || rf.stopped {
		return
	}

	// Commit entries of earlier terms by committing one of our own.
	lastIndex := rf.lastIndex()
	noop := LogEntry{Index: lastIndex + 1, Term: rf.currentTerm, Type: EntryNoOp}
	if err := rf.storage.AppendLog([]LogEntry{noop}); err != nil {
		rf.metrics.RecordPersistenceFailure()
		rf.logger.Error("Won election but cannot persist, staying follower", "term", rf.currentTerm, "error", err)
		rf.state = Follower
		rf.publishState()
		return
	}
	rf.log = append(rf.log, noop)

	rf.state = Leader
	rf.leaderID = rf.config.ID
	rf.logger.Info("Elected as leader", "term", rf.currentTerm)

	ctx, cancel := context.WithCancel(context.Background())
	rf.leaderCancel = cancel
	rf.replicate = make(map[string]chan struct{})
	for _, peer := range rf.otherPeers() {
		rf.nextIndex[peer] = noop.Index
		rf.matchIndex[peer] = 0

		notify := make(chan struct{}, 1)
		rf.replicate[peer] = notify
		rf.wg.Add(1)
		go rf.runReplicator(ctx, peer, notify)
	}

	rf.metrics.RecordLeaderChange()
	rf.publishState()
	rf.updateCommitIndex()
}

// runReplicator sends AppendEntries to one follower on every heartbeat tick and whenever
// new entries are proposed, until leadership ends.
func (rf *Raft) runReplicator(ctx context.Context, peer string, notify <-chan struct{}) {
	defer rf.wg.Done()

	ticker := time.NewTicker(rf.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		rf.replicateToPeer(ctx, peer)
		select {
		case <-ctx.Done():
			return
		case <-rf.stopCh:
			return
		case <-ticker.C:
		case <-notify:
		}
	}
}

func (rf *Raft) replicateToPeer(ctx context.Context, peer string) {
	for {
		rf.mu.Lock()
		if rf.state != Leader || ctx.Err() != nil {
			rf.mu.Unlock()
			return
		}
		args := rf.buildAppendEntries(peer)
		rf.mu.Unlock()

		rpcCtx, cancel := context.WithTimeout(ctx, rf.config.RPCTimeout)
		reply, err := rf.transport.SendAppendEntries(rpcCtx, peer, args)
		cancel()
		if err != nil {
			rf.logger.Debug("AppendEntries failed", "peer", peer, "error", err)
			return
		}

		rf.mu.Lock()
		more := rf.handleAppendReply(peer, args, reply)
		rf.mu.Unlock()
		if !more {
			return
		}
	}
}

func (rf *Raft) buildAppendEntries(peer string) *AppendEntriesArgs {
	lastIndex := rf.lastIndex()
	next := rf.nextIndex[peer]
	if next < 1 {
		next = 1
	}
	if next > lastIndex+1 {
		next = lastIndex + 1
	}

	end := lastIndex
	if end-next+1 > int64(rf.config.MaxAppendEntries) {
		end = next + int64(rf.config.MaxAppendEntries) - 1
	}
	if rf.config.MaxAppendBytes > 0 {
		budget := rf.config.MaxAppendBytes - appendArgsOverhead - len(rf.config.ID)
		size := 0
		for i := next; i <= end; i++ {
			size += EntrySize(rf.log[i])
			// At least one entry goes out so the follower always makes progress.
			if size > budget && i > next {
				end = i - 1
				break
			}
		}
	}
	var entries []LogEntry
	if end >= next {
		entries = make([]LogEntry, end-next+1)
		copy(entries, rf.log[next:end+1])
	}

	return &AppendEntriesArgs{
		Term:         rf.currentTerm,
		LeaderID:     rf.config.ID,
		PrevLogIndex: next - 1,
		PrevLogTerm:  rf.log[next-1].Term,
		Entries:      entries,
		LeaderCommit: rf.commitIndex,
	}
}

// handleAppendReply updates follower progress and reports whether another round should be
// sent right away.
func (rf *Raft) handleAppendReply(peer string, args *AppendEntriesArgs, reply *AppendEntriesReply) bool {
	if reply.Term > rf.currentTerm {
		_ = rf.convertToFollower(reply.Term)
		return false
	}
	if rf.state != Leader || args.Term != rf.currentTerm {
		return false
	}

	if reply.Success {
		match := args.PrevLogIndex + int64(len(args.Entries))
		if match > rf.matchIndex[peer] {
			rf.matchIndex[peer] = match
		}
		rf.nextIndex[peer] = rf.matchIndex[peer] + 1
		rf.updateCommitIndex()
		return rf.nextIndex[peer] <= rf.lastIndex()
	}

	if args.PrevLogIndex == 0 {
		return false
	}
	next := args.PrevLogIndex
	if reply.ConflictIndex > 0 && reply.ConflictIndex < next {
		next = reply.ConflictIndex
	}
	rf.nextIndex[peer] = max(next, 1)
	rf.logger.Debug("Log mismatch, backing off", "peer", peer, "next_index", rf.nextIndex[peer])
	return true
}

// maxCommandSize returns the largest command that fits alone in one AppendEntries, or -1
// when there is no byte limit.
func (rf *Raft) maxCommandSize() int {
	if rf.config.MaxAppendBytes <= 0 {
		return -1
	}
	return max(MaxCommandSize(rf.config.MaxAppendBytes, rf.config.ID), 0)
}

func (rf *Raft) updateCommitIndex() {
	if rf.state != Leader {
		return
	}
	for n := rf.lastIndex(); n > rf.commitIndex; n-- {
		// Entries from earlier terms commit only behind one of ours.
		if rf.log[n].Term != rf.currentTerm {
			break
		}
		count := 1
		for _, peer := range rf.otherPeers() {
			if rf.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= rf.quorum() {
			rf.commitIndex = n
			rf.metrics.SetCommitIndex(n)
			rf.signalApply()
			rf.notifyReplicators()
			return
		}
	}
}

func (rf *Raft) runApplier() {
	defer rf.wg.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.applyNotify:
		}

		for {
			rf.mu.Lock()
			if rf.lastApplied >= rf.commitIndex {
				rf.mu.Unlock()
				break
			}
			msgs := make([]ApplyMsg, 0, rf.commitIndex-rf.lastApplied)
			for i := rf.lastApplied + 1; i <= rf.commitIndex; i++ {
				e := rf.log[i]
				msg := ApplyMsg{
					CommandValid: e.Type == EntryCommand,
					Command:      e.Command,
					CommandIndex: e.Index,
					CommandTerm:  e.Term,
				}
				if p, ok := rf.pending[i]; ok {
					delete(rf.pending, i)
					if p.Term == e.Term {
						msg.proposal = p
					} else {
						p.resolve(nil, types.ErrLeadershipLost)
					}
				}
				msgs = append(msgs, msg)
			}
			rf.mu.Unlock()

			// Deliver outside the lock so a slow consumer never blocks RPC handling.
			for i, msg := range msgs {
				select {
				case rf.applyCh <- msg:
				case <-rf.stopCh:
					for _, rest := range msgs[i:] {
						if rest.proposal != nil {
							rest.proposal.resolve(nil, fmt.Errorf("%w: node shutting down", types.ErrUnavailable))
						}
					}
					return
				}
				rf.mu.Lock()
				rf.lastApplied = msg.CommandIndex
				rf.mu.Unlock()
				rf.metrics.SetLastApplied(msg.CommandIndex)
			}
		}
	}
}

func (rf *Raft) startElection() {
	term := rf.currentTerm + 1
	if err := rf.storage.SaveTermAndVote(term, rf.config.ID); err != nil {
		rf.metrics.RecordPersistenceFailure()
		rf.logger.Error("Cannot persist own vote, skipping election", "term", term, "error", err)
		return
	}
	rf.state = Candidate
	rf.currentTerm = term
	rf.votedFor = rf.config.ID
	rf.leaderID = ""
	rf.metrics.RecordElection()
	rf.publishState()

	lastIndex, lastTerm := rf.lastLogIndexTerm()
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  rf.config.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	votes := 1
	rf.logger.Info("Starting election", "term", term)
	if votes >= rf.quorum() {
		rf.convertToLeader()
		return
	}

	// Called with rf.mu held and rf.stopped false, so Stop waits for these.
	for _, peer := range rf.otherPeers() {
		rf.wg.Add(1)
		go func(p string) {
			defer rf.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), rf.config.RPCTimeout)
			defer cancel()
			reply, err := rf.transport.SendRequestVote(ctx, p, args)
			if err != nil {
				rf.logger.Debug("RequestVote failed", "peer", p, "error", err)
				return
			}

			rf.mu.Lock()
			defer rf.mu.Unlock()

			if rf.stopped {
				return
			}
			if reply.Term > rf.currentTerm {
				_ = rf.convertToFollower(reply.Term)
				return
			}
			if rf.state != Candidate || args.Term != rf.currentTerm {
				return
			}
			if reply.VoteGranted {
				votes++
				if votes >= rf.quorum() {
					rf.convertToLeader()
				}
			}
		}(peer)
	}
}

func (rf *Raft) resetElectionTimer() {
	if rf.electionTimer == nil {
		return
	}
	d := rf.randomElectionTimeout()
	rf.electionDeadline = time.Now().Add(d)
	if !rf.electionTimer.Stop() {
		select {
		case <-rf.electionTimer.C:
		default:
		}
	}
	rf.electionTimer.Reset(d)
}

func (rf *Raft) randomElectionTimeout() time.Duration {
	extra := time.Duration(rand.Int63n(int64(rf.config.ElectionTimeout)))
	return rf.config.ElectionTimeout + extra
}

func (rf *Raft) signalApply() {
	select {
	case rf.applyNotify <- struct{}{}:
	default:
	}
}

func (rf *Raft) notifyReplicators() {
	for _, ch := range rf.replicate {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (rf *Raft) publishState() {
	rf.metrics.SetRaftState(rf.currentTerm, rf.state == Leader)
}

func (rf *Raft) otherPeers() []string {
	peers := make([]string, 0, len(rf.config.Peers))
	for _, p := range rf.config.Peers {
		if p != rf.config.ID {
			peers = append(peers, p)
		}
	}
	return peers
}

func (rf *Raft) quorum() int {
	return len(rf.config.Peers)/2 + 1
}

func (rf *Raft) lastIndex() int64 {
	return int64(len(rf.log) - 1)
}

func (rf *Raft) lastLogIndexTerm() (int64, int64) {
	last := rf.log[len(rf.log)-1]
	return last.Index, last.Term
}
