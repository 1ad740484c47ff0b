package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/internal/jobmanager"
)

func mustCmd(t *testing.T) func(data []byte, err error) []byte {
	return func(data []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)
		return data
	}
}

func TestFromApplyResult(t *testing.T) {
	jm := jobmanager.NewJobManager(3)
	rec := &Recorder{}
	ctx := context.Background()

	cmds := [][]byte{
		mustCmd(t)(jobmanager.NewEnqueueCommand(jobmanager.EnqueuePayload{JobID: "j1", MethodID: 7, IdempotencyKey: "k1", Timestamp: 10})),
		mustCmd(t)(jobmanager.NewEnqueueCommand(jobmanager.EnqueuePayload{JobID: "j2", MethodID: 7, IdempotencyKey: "k1", Timestamp: 11})),
		mustCmd(t)(jobmanager.NewAssignCommand(jobmanager.AssignPayload{JobID: "j1", WorkerID: "w1", LeaseDeadline: 100, Timestamp: 12})),
		mustCmd(t)(jobmanager.NewStartCommand(jobmanager.StartPayload{JobID: "j1", WorkerID: "w1", LeaseDeadline: 200, Timestamp: 13})),
		mustCmd(t)(jobmanager.NewFailCommand(jobmanager.FailPayload{JobID: "j1", WorkerID: "w1", Reason: "crashed", Timestamp: 14})),
		mustCmd(t)(jobmanager.NewRetryCommand(jobmanager.RetryPayload{JobID: "j1", Timestamp: 15})),
		mustCmd(t)(jobmanager.NewCompleteCommand(jobmanager.CompletePayload{JobID: "j1", Timestamp: 16})), // pending: skipped
		mustCmd(t)(jobmanager.NewCancelCommand(jobmanager.CancelPayload{JobID: "j1", Reason: "user", Timestamp: 17})),
		mustCmd(t)(jobmanager.NewNoOpCommand()),
	}
	for i, cmd := range cmds {
		res := jm.Apply(int64(i+1), 1, cmd)
		if ev, ok := FromApplyResult(res); ok {
			require.NoError(t, rec.Publish(ctx, ev))
		}
	}

	assert.Equal(t, "enqueued,assigned,started,failed,retried,cancelled", rec.Types())

	evs := rec.Events()
	assert.Equal(t, "w1", evs[1].WorkerID)
	assert.Equal(t, int64(3), evs[1].Index)
	assert.Equal(t, "crashed", evs[3].Reason)
	assert.Equal(t, "user", evs[5].Reason)
	assert.Equal(t, "job.cancelled", evs[5].RoutingKey())
	assert.Equal(t, int64(17), evs[5].Timestamp)
}

func TestFromEnqueued(t *testing.T) {
	jm := jobmanager.NewJobManager(3)
	batch := mustCmd(t)(jobmanager.NewBatchCommand(jobmanager.BatchPayload{Jobs: []jobmanager.EnqueuePayload{
		{JobID: "b1", MethodID: 1, IdempotencyKey: "k1", Timestamp: 20},
		{JobID: "b2", MethodID: 1, IdempotencyKey: "k1", Timestamp: 20},
		{JobID: "b3", MethodID: 1, IdempotencyKey: "k3", Timestamp: 21},
	}}))
	res := jm.Apply(1, 1, batch)
	require.True(t, res.Applied)

	_, ok := FromApplyResult(res)
	assert.False(t, ok, "a batch has no single job event")

	evs := FromEnqueued(res)
	require.Len(t, evs, 2, "the duplicate produces no event")
	assert.Equal(t, "b1", string(evs[0].JobID))
	assert.Equal(t, "b3", string(evs[1].JobID))
	assert.Equal(t, "job.enqueued", evs[1].RoutingKey())
	assert.Equal(t, int64(1), evs[1].Index)
	assert.Equal(t, int64(21), evs[1].Timestamp)

	// 重放同一批內容全為重複
	replayed := jm.Apply(2, 1, batch)
	assert.Empty(t, FromEnqueued(replayed))
}

// blockingPublisher 阻塞直到 release 被關閉
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
	closed  bool
	failOn  string
}

func (b *blockingPublisher) Publish(_ context.Context, ev Event) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == b.failOn {
		return errors.New("broker down")
	}
	b.got = append(b.got, ev)
	return nil
}

func (b *blockingPublisher) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func TestAsync_DropsWhenFullAndDrainsOnClose(t *testing.T) {
	next := &blockingPublisher{release: make(chan struct{}), failOn: "failed"}
	a := NewAsync(next, 2)
	ctx := context.Background()

	// 第一筆被投遞 goroutine 取走並阻塞，再放兩筆填滿佇列
	require.NoError(t, a.Publish(ctx, Event{Type: "enqueued", JobID: "a"}))
	require.Eventually(t, func() bool { return len(a.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Publish(ctx, Event{Type: "failed", JobID: "b"}))
	require.NoError(t, a.Publish(ctx, Event{Type: "assigned", JobID: "c"}))
	require.NoError(t, a.Publish(ctx, Event{Type: "started", JobID: "d"}))
	assert.Equal(t, int64(1), a.Dropped())

	close(next.release)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	next.mu.Lock()
	defer next.mu.Unlock()
	assert.True(t, next.closed)
	require.Len(t, next.got, 2)
	assert.Equal(t, "a", string(next.got[0].JobID))
	assert.Equal(t, "c", string(next.got[1].JobID))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
