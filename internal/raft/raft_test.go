package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

var errDiskFull = errors.New("disk full")

// faultyStorage fails writes on demand.
type faultyStorage struct {
	*MemoryStorage
	failAppend atomic.Bool
	failSave   atomic.Bool
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *faultyStorage) AppendLog(entries []LogEntry) error {
	if s.failAppend.Load() {
		return errDiskFull
	}
	return s.MemoryStorage.AppendLog(entries)
}

func (s *faultyStorage) SaveTermAndVote(term int64, votedFor string) error {
	if s.failSave.Load() {
		return errDiskFull
	}
	return s.MemoryStorage.SaveTermAndVote(term, votedFor)
}

func testConfig(id string, peers []string) Config {
	return Config{
		ID:                id,
		Peers:             peers,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		RPCTimeout:        50 * time.Millisecond,
	}
}

// newIdleRaft builds an engine that is never started, for driving RPC handlers directly.
func newIdleRaft(t *testing.T, store Storage, entries ...LogEntry) *Raft {
	t.Helper()
	if len(entries) > 0 {
		require.NoError(t, store.AppendLog(entries))
	}
	rf, err := NewRaft(testConfig("n1", []string{"n1", "n2", "n3"}), store, NewInmemNetwork().Transport("n1"), make(chan ApplyMsg, 64), nil)
	require.NoError(t, err)
	return rf
}

func TestRequestVote_RejectsStaleTerm(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.SaveTermAndVote(5, ""))
	rf := newIdleRaft(t, store)

	var reply RequestVoteReply
	require.NoError(t, rf.RequestVote(&RequestVoteArgs{Term: 4, CandidateID: "n2"}, &reply))

	assert.False(t, reply.VoteGranted)
	assert.Equal(t, int64(5), reply.Term)
}

func TestRequestVote_OneVotePerTerm(t *testing.T) {
	store := NewMemoryStorage()
	rf := newIdleRaft(t, store)

	var first RequestVoteReply
	require.NoError(t, rf.RequestVote(&RequestVoteArgs{Term: 1, CandidateID: "n2"}, &first))
	assert.True(t, first.VoteGranted)

	term, vote, err := store.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, int64(1), term)
	assert.Equal(t, "n2", vote, "vote must be durable before the reply")

	var second RequestVoteReply
	require.NoError(t, rf.RequestVote(&RequestVoteArgs{Term: 1, CandidateID: "n3"}, &second))
	assert.False(t, second.VoteGranted)

	// Re-asking for the same candidate is idempotent.
	var again RequestVoteReply
	require.NoError(t, rf.RequestVote(&RequestVoteArgs{Term: 1, CandidateID: "n2"}, &again))
	assert.True(t, again.VoteGranted)
}

func TestRequestVote_UpToDateCheck(t *testing.T) {
	entries := []LogEntry{
		{Index: 1, Term: 1, Type: EntryNoOp},
		{Index: 2, Term: 2, Type: EntryCommand, Command: []byte("x")},
	}
	tests := []struct {
		name      string
		lastIndex int64
		lastTerm  int64
		granted   bool
	}{
		{"older last term", 5, 1, false},
		{"same term shorter log", 1, 2, false},
		{"same term same length", 2, 2, true},
		{"newer last term", 1, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStorage()
			require.NoError(t, store.SaveTermAndVote(2, ""))
			rf := newIdleRaft(t, store, entries...)

			var reply RequestVoteReply
			err := rf.RequestVote(&RequestVoteArgs{Term: 3, CandidateID: "n2", LastLogIndex: tt.lastIndex, LastLogTerm: tt.lastTerm}, &reply)
			require.NoError(t, err)
			assert.Equal(t, tt.granted, reply.VoteGranted)
			assert.Equal(t, int64(3), reply.Term, "higher term is adopted even when the vote is denied")
		})
	}
}

func TestRequestVote_PersistenceFailureWithholdsReply(t *testing.T) {
	store := newFaultyStorage()
	rf := newIdleRaft(t, store)
	store.failSave.Store(true)

	var reply RequestVoteReply
	err := rf.RequestVote(&RequestVoteArgs{Term: 1, CandidateID: "n2"}, &reply)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistence)
	assert.False(t, reply.VoteGranted)
	assert.Empty(t, rf.Status().VotedFor)
}

func TestAppendEntries_RejectsStaleTerm(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.SaveTermAndVote(3, ""))
	rf := newIdleRaft(t, store)

	var reply AppendEntriesReply
	require.NoError(t, rf.AppendEntries(&AppendEntriesArgs{Term: 2, LeaderID: "n2"}, &reply))
	assert.False(t, reply.Success)
	assert.Equal(t, int64(3), reply.Term)
	assert.Empty(t, rf.Leader())
}

func TestAppendEntries_MissingPrevEntry(t *testing.T) {
	rf := newIdleRaft(t, NewMemoryStorage(), LogEntry{Index: 1, Term: 1})

	var reply AppendEntriesReply
	args := &AppendEntriesArgs{Term: 1, LeaderID: "n2", PrevLogIndex: 4, PrevLogTerm: 1}
	require.NoError(t, rf.AppendEntries(args, &reply))

	assert.False(t, reply.Success)
	assert.Equal(t, int64(2), reply.ConflictIndex)
	assert.Equal(t, "n2", rf.Leader())
}

func TestAppendEntries_PrevTermMismatch(t *testing.T) {
	rf := newIdleRaft(t, NewMemoryStorage(),
		LogEntry{Index: 1, Term: 1},
		LogEntry{Index: 2, Term: 2},
		LogEntry{Index: 3, Term: 2},
	)

	var reply AppendEntriesReply
	args := &AppendEntriesArgs{Term: 3, LeaderID: "n2", PrevLogIndex: 3, PrevLogTerm: 3}
	require.NoError(t, rf.AppendEntries(args, &reply))

	assert.False(t, reply.Success)
	assert.Equal(t, int64(2), reply.ConflictTerm)
	assert.Equal(t, int64(2), reply.ConflictIndex, "first index of the conflicting term")
}

func TestAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	store := NewMemoryStorage()
	rf := newIdleRaft(t, store,
		LogEntry{Index: 1, Term: 1},
		LogEntry{Index: 2, Term: 1, Command: []byte("stale-a")},
		LogEntry{Index: 3, Term: 1, Command: []byte("stale-b")},
	)

	var reply AppendEntriesReply
	args := &AppendEntriesArgs{
		Term: 2, LeaderID: "n2", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries:      []LogEntry{{Index: 2, Term: 2, Command: []byte("fresh")}},
		LeaderCommit: 2,
	}
	require.NoError(t, rf.AppendEntries(args, &reply))
	require.True(t, reply.Success)
	assert.Equal(t, int64(2), reply.MatchIndex)

	entries := rf.Entries(1)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("fresh"), entries[1].Command)

	stored, err := store.ReadLog(1)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(2), stored[1].Term)
	assert.Equal(t, int64(2), rf.Status().CommitIndex)
}

func TestAppendEntries_IgnoresDuplicateDelivery(t *testing.T) {
	rf := newIdleRaft(t, NewMemoryStorage())

	args := &AppendEntriesArgs{
		Term: 1, LeaderID: "n2",
		Entries: []LogEntry{{Index: 1, Term: 1}, {Index: 2, Term: 1, Command: []byte("a")}},
	}
	for i := 0; i < 2; i++ {
		var reply AppendEntriesReply
		require.NoError(t, rf.AppendEntries(args, &reply))
		assert.True(t, reply.Success)
	}
	// A stale shorter copy must not cut the log either.
	var reply AppendEntriesReply
	short := &AppendEntriesArgs{Term: 1, LeaderID: "n2", Entries: []LogEntry{{Index: 1, Term: 1}}}
	require.NoError(t, rf.AppendEntries(short, &reply))
	assert.True(t, reply.Success)
	assert.Len(t, rf.Entries(1), 2)
}

func TestAppendEntries_RefusesToTruncateCommitted(t *testing.T) {
	rf := newIdleRaft(t, NewMemoryStorage())

	var reply AppendEntriesReply
	require.NoError(t, rf.AppendEntries(&AppendEntriesArgs{
		Term: 1, LeaderID: "n2",
		Entries:      []LogEntry{{Index: 1, Term: 1}},
		LeaderCommit: 1,
	}, &reply))

	err := rf.AppendEntries(&AppendEntriesArgs{
		Term: 2, LeaderID: "n3",
		Entries: []LogEntry{{Index: 1, Term: 2}},
	}, &reply)
	assert.ErrorIs(t, err, types.ErrLogConflict)
}

func TestAppendEntries_PersistenceFailureWithholdsAck(t *testing.T) {
	store := newFaultyStorage()
	rf := newIdleRaft(t, store)
	store.failAppend.Store(true)

	var reply AppendEntriesReply
	err := rf.AppendEntries(&AppendEntriesArgs{
		Term: 1, LeaderID: "n2",
		Entries: []LogEntry{{Index: 1, Term: 1}},
	}, &reply)

	assert.ErrorIs(t, err, types.ErrPersistence)
	assert.False(t, reply.Success)
	assert.Empty(t, rf.Entries(1))
}

func TestNewRaft_RejectsGappedLog(t *testing.T) {
	store := &gappedStorage{MemoryStorage: NewMemoryStorage()}
	_, err := NewRaft(testConfig("n1", []string{"n1"}), store, NewInmemNetwork().Transport("n1"), make(chan ApplyMsg), nil)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

type gappedStorage struct{ *MemoryStorage }

func (gappedStorage) ReadLog(int64) ([]LogEntry, error) {
	return []LogEntry{{Index: 1, Term: 1}, {Index: 3, Term: 1}}, nil
}

// ---- cluster tests ----

type testNode struct {
	id      string
	rf      *Raft
	store   *faultyStorage
	applyCh chan ApplyMsg
	done    chan struct{}

	mu      sync.Mutex
	applied []ApplyMsg
}

func (n *testNode) commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.applied {
		if m.CommandValid {
			out = append(out, string(m.Command))
		}
	}
	return out
}

type testCluster struct {
	t     *testing.T
	net   *InmemNetwork
	ids   []string
	nodes map[string]*testNode

	maxAppendBytes int
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	return newLimitedCluster(t, size, 0)
}

// newLimitedCluster sends every RPC through a transport that refuses requests whose
// encoding exceeds maxAppendBytes, like a real frame limit (0 = unlimited).
func newLimitedCluster(t *testing.T, size, maxAppendBytes int) *testCluster {
	t.Helper()
	c := &testCluster{t: t, net: NewInmemNetwork(), nodes: make(map[string]*testNode), maxAppendBytes: maxAppendBytes}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, fmt.Sprintf("n%d", i))
	}
	for _, id := range c.ids {
		c.nodes[id] = &testNode{id: id, store: newFaultyStorage()}
		c.start(id)
	}
	t.Cleanup(c.shutdown)
	return c
}

func (c *testCluster) start(id string) {
	c.t.Helper()
	n := c.nodes[id]
	n.applyCh = make(chan ApplyMsg, 64)
	n.done = make(chan struct{})
	n.mu.Lock()
	n.applied = nil
	n.mu.Unlock()

	cfg := testConfig(id, c.ids)
	cfg.MaxAppendBytes = c.maxAppendBytes
	trans := c.net.Transport(id)
	if c.maxAppendBytes > 0 {
		trans = &framedTransport{Transport: trans, limit: c.maxAppendBytes}
	}
	rf, err := NewRaft(cfg, n.store, trans, n.applyCh, nil)
	require.NoError(c.t, err)
	n.rf = rf
	c.net.Register(id, rf)

	go func(applyCh <-chan ApplyMsg, done <-chan struct{}) {
		for {
			select {
			case msg := <-applyCh:
				n.mu.Lock()
				n.applied = append(n.applied, msg)
				n.mu.Unlock()
				msg.Respond(msg.CommandIndex)
			case <-done:
				return
			}
		}
	}(n.applyCh, n.done)

	rf.Start()
}

func (c *testCluster) stop(id string) {
	n := c.nodes[id]
	if n.rf == nil {
		return
	}
	n.rf.Stop()
	close(n.done)
	n.rf = nil
}

func (c *testCluster) shutdown() {
	for _, id := range c.ids {
		c.stop(id)
	}
}

// waitLeader waits until exactly one of the given nodes leads and returns it.
func (c *testCluster) waitLeader(among ...string) string {
	c.t.Helper()
	if len(among) == 0 {
		among = c.ids
	}
	var leader string
	require.Eventually(c.t, func() bool {
		leader = ""
		leaders := 0
		for _, id := range among {
			if rf := c.nodes[id].rf; rf != nil && rf.IsLeader() {
				leaders++
				leader = id
			}
		}
		return leaders == 1
	}, 5*time.Second, 10*time.Millisecond, "no single leader elected")
	return leader
}

func (c *testCluster) propose(id, cmd string) *Proposal {
	c.t.Helper()
	p, err := c.nodes[id].rf.Propose([]byte(cmd))
	require.NoError(c.t, err)
	return p
}

func (c *testCluster) waitApplied(ids []string, want []string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, id := range ids {
			if !assert.ObjectsAreEqual(want, c.nodes[id].commands()) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "commands not applied everywhere")
}

func TestCluster_ElectsSingleLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()

	term, _ := c.nodes[leader].rf.GetState()
	for _, id := range c.ids {
		if id == leader {
			continue
		}
		require.Eventually(t, func() bool {
			return c.nodes[id].rf.Leader() == leader
		}, 2*time.Second, 10*time.Millisecond)
		followerTerm, isLeader := c.nodes[id].rf.GetState()
		assert.False(t, isLeader)
		assert.Equal(t, term, followerTerm)
	}
}

func TestCluster_ReplicatesInOrder(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()

	var want []string
	var last *Proposal
	for i := 0; i < 5; i++ {
		cmd := fmt.Sprintf("cmd-%d", i)
		want = append(want, cmd)
		last = c.propose(leader, cmd)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := last.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Index, result)

	c.waitApplied(c.ids, want)

	// Log matching: committed prefixes are identical.
	ref := c.nodes[leader].rf.Entries(1)
	for _, id := range c.ids {
		assert.Equal(t, ref[:last.Index], c.nodes[id].rf.Entries(1)[:last.Index], "log of %s diverges", id)
	}
}

func TestCluster_FollowerRejectsProposal(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()

	var follower string
	for _, id := range c.ids {
		if id != leader {
			follower = id
			break
		}
	}
	require.Eventually(t, func() bool { return c.nodes[follower].rf.Leader() == leader }, 2*time.Second, 10*time.Millisecond)

	_, err := c.nodes[follower].rf.Propose([]byte("nope"))
	require.ErrorIs(t, err, types.ErrNotLeader)
	var nle *types.NotLeaderError
	require.ErrorAs(t, err, &nle)
	assert.Equal(t, leader, nle.LeaderID)
}

func TestCluster_PartitionedLeaderStepsDown(t *testing.T) {
	c := newTestCluster(t, 3)
	oldLeader := c.waitLeader()
	c.waitApplied(c.ids, nil)

	var majority []string
	for _, id := range c.ids {
		if id != oldLeader {
			majority = append(majority, id)
		}
	}
	c.net.Partition([]string{oldLeader}, majority)

	// The isolated leader still accepts the proposal but can never commit it.
	stranded := c.propose(oldLeader, "stranded")

	newLeader := c.waitLeader(majority...)
	oldTerm := stranded.Term
	newTerm, _ := c.nodes[newLeader].rf.GetState()
	assert.Greater(t, newTerm, oldTerm)

	p := c.propose(newLeader, "accepted")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := p.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-stranded.Done():
		t.Fatal("minority proposal resolved while partitioned")
	default:
	}

	c.net.Heal()

	_, err = stranded.Wait(ctx)
	assert.ErrorIs(t, err, types.ErrLeadershipLost)

	require.Eventually(t, func() bool {
		return !c.nodes[oldLeader].rf.IsLeader() && c.nodes[oldLeader].rf.Leader() == newLeader
	}, 3*time.Second, 10*time.Millisecond)

	c.waitApplied(c.ids, []string{"accepted"})
}

func TestCluster_RestartRecoversLog(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()

	want := []string{"a", "b", "c"}
	var last *Proposal
	for _, cmd := range want {
		last = c.propose(leader, cmd)
	}
	c.waitApplied(c.ids, want)
	termBefore := last.Term

	for _, id := range c.ids {
		c.stop(id)
	}
	for _, id := range c.ids {
		c.start(id)
	}

	newLeader := c.waitLeader()
	termAfter, _ := c.nodes[newLeader].rf.GetState()
	assert.Greater(t, termAfter, termBefore)

	// Everything committed before the restart is applied again, in the same order.
	c.waitApplied(c.ids, want)

	p := c.propose(newLeader, "d")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := p.Wait(ctx)
	require.NoError(t, err)
	c.waitApplied(c.ids, append(want, "d"))
}

func TestCluster_LeaderStepsDownOnPersistenceFailure(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitLeader()

	c.nodes[leader].store.failAppend.Store(true)
	_, err := c.nodes[leader].rf.Propose([]byte("lost"))

	assert.ErrorIs(t, err, types.ErrPersistence)
	assert.False(t, c.nodes[leader].rf.IsLeader())
}

func TestCluster_SkipsElectionWhenVoteCannotPersist(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitLeader()
	term, _ := c.nodes[leader].rf.GetState()

	c.stop(leader)
	c.nodes[leader].store.failSave.Store(true)
	c.start(leader)

	time.Sleep(500 * time.Millisecond)
	newTerm, isLeader := c.nodes[leader].rf.GetState()
	assert.False(t, isLeader)
	assert.Equal(t, term, newTerm)
}

func TestCluster_StopFailsPendingProposals(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()
	for _, id := range c.ids {
		if id != leader {
			c.net.Isolate(id)
		}
	}

	p := c.propose(leader, "never")
	c.stop(leader)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

// ---- frame limits ----

var errTooLarge = errors.New("request too large")

// framedTransport encodes requests the way the TCP transport does and refuses any that
// would not fit in one frame.
type framedTransport struct {
	Transport
	limit int
}

func (t *framedTransport) SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	b, err := msgpack.Marshal(args)
	if err != nil {
		return nil, err
	}
	if len(b)+8 > t.limit {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, len(b)+8)
	}
	return t.Transport.SendAppendEntries(ctx, peer, args)
}

func TestBuildAppendEntries_RespectsByteLimit(t *testing.T) {
	const limit = 4096
	var entries []LogEntry
	for i := int64(1); i <= 12; i++ {
		entries = append(entries, LogEntry{Index: i, Term: 1, Type: EntryCommand, Command: make([]byte, 1000)})
	}
	// An entry stored before the limit was lowered still goes out alone.
	entries = append(entries, LogEntry{Index: 13, Term: 1, Type: EntryCommand, Command: make([]byte, 2*limit)})

	store := NewMemoryStorage()
	require.NoError(t, store.AppendLog(entries))
	cfg := testConfig("n1", []string{"n1", "n2", "n3"})
	cfg.MaxAppendBytes = limit
	rf, err := NewRaft(cfg, store, NewInmemNetwork().Transport("n1"), make(chan ApplyMsg, 64), nil)
	require.NoError(t, err)

	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.currentTerm = 1
	rf.nextIndex["n2"] = 1

	batches := 0
	for rf.nextIndex["n2"] <= 12 {
		args := rf.buildAppendEntries("n2")
		require.NotEmpty(t, args.Entries)
		assert.Equal(t, rf.nextIndex["n2"]-1, args.PrevLogIndex)

		b, err := msgpack.Marshal(args)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b)+8, limit, "batch starting at %d", args.PrevLogIndex+1)

		rf.nextIndex["n2"] += int64(len(args.Entries))
		batches++
	}
	assert.Greater(t, batches, 3)

	args := rf.buildAppendEntries("n2")
	require.Len(t, args.Entries, 1)
	assert.Equal(t, int64(13), args.Entries[0].Index)
}

func TestPropose_RejectsCommandBeyondFrameLimit(t *testing.T) {
	const limit = 2048
	c := newLimitedCluster(t, 1, limit)
	leader := c.waitLeader()
	rf := c.nodes[leader].rf

	maxCmd := MaxCommandSize(limit, leader)
	_, err := rf.Propose(make([]byte, maxCmd+1))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.True(t, rf.IsLeader(), "a refused command must not cost leadership")

	p, err := rf.Propose(make([]byte, maxCmd))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)
}

func TestCluster_FollowerCatchesUpThroughSmallFrames(t *testing.T) {
	c := newLimitedCluster(t, 3, 2048)
	leader := c.waitLeader()

	var lagging string
	for _, id := range c.ids {
		if id != leader {
			lagging = id
			break
		}
	}
	c.net.Isolate(lagging)

	// The backlog is several frames long.
	var want []string
	var last *Proposal
	for i := 0; i < 20; i++ {
		cmd := fmt.Sprintf("%03d-%s", i, make([]byte, 400))
		want = append(want, cmd)
		last = c.propose(leader, cmd)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := last.Wait(ctx)
	require.NoError(t, err)

	c.net.Heal()
	c.waitApplied(c.ids, want)

	// Heartbeats keep the caught-up follower quiet again.
	newLeader := c.waitLeader()
	term, _ := c.nodes[newLeader].rf.GetState()
	time.Sleep(500 * time.Millisecond)
	after, isLeader := c.nodes[newLeader].rf.GetState()
	assert.True(t, isLeader)
	assert.Equal(t, term, after)
}

// ---- commit rule ----

func TestUpdateCommitIndex_PriorTermNeedsOwnEntry(t *testing.T) {
	// Entry 2 was written in term 2 by a leader that lost office before committing it.
	rf := newIdleRaft(t, NewMemoryStorage(),
		LogEntry{Index: 1, Term: 1, Type: EntryNoOp},
		LogEntry{Index: 2, Term: 2, Type: EntryCommand, Command: []byte("old")},
	)

	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.currentTerm = 4
	rf.state = Leader
	rf.commitIndex = 1

	// A majority (n1, n2) holds entry 2, but it is not from the current term.
	rf.matchIndex["n2"] = 2
	rf.updateCommitIndex()
	assert.Equal(t, int64(1), rf.commitIndex)

	// Our own entry exists but only on the leader.
	rf.log = append(rf.log, LogEntry{Index: 3, Term: 4, Type: EntryNoOp})
	rf.updateCommitIndex()
	assert.Equal(t, int64(1), rf.commitIndex)

	// Once it reaches a majority, everything before it commits too.
	rf.matchIndex["n3"] = 3
	rf.updateCommitIndex()
	assert.Equal(t, int64(3), rf.commitIndex)
}

// ---- shutdown ----

// heldVoteTransport blocks RequestVote until released, then answers with a newer term.
type heldVoteTransport struct {
	release chan struct{}
	term    int64
}

func (t *heldVoteTransport) SendRequestVote(_ context.Context, _ string, _ *RequestVoteArgs) (*RequestVoteReply, error) {
	<-t.release
	return &RequestVoteReply{Term: t.term}, nil
}

func (t *heldVoteTransport) SendAppendEntries(context.Context, string, *AppendEntriesArgs) (*AppendEntriesReply, error) {
	return nil, types.ErrUnavailable
}

func TestStop_WaitsForVoteRequests(t *testing.T) {
	store := NewMemoryStorage()
	trans := &heldVoteTransport{release: make(chan struct{}), term: 99}
	rf, err := NewRaft(testConfig("n1", []string{"n1", "n2", "n3"}), store, trans, make(chan ApplyMsg, 8), nil)
	require.NoError(t, err)
	rf.Start()

	require.Eventually(t, func() bool {
		term, _, err := store.LoadTermAndVote()
		return err == nil && term >= 1
	}, 2*time.Second, 5*time.Millisecond, "no election started")

	stopped := make(chan struct{})
	go func() {
		rf.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		rf.mu.Lock()
		defer rf.mu.Unlock()
		return rf.stopped
	}, time.Second, 5*time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("Stop returned while vote requests were still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Replies arriving after Stop must not reach storage.
	close(trans.release)
	<-stopped
	term, _, err := store.LoadTermAndVote()
	require.NoError(t, err)
	assert.Less(t, term, int64(99))
}
