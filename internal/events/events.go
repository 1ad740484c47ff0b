// Package events publishes job lifecycle events derived from applied commands.
// Delivery is best effort: the replicated log is the record, events are notifications.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/raft-jobdist/internal/jobmanager"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Event is one state change of one job.
type Event struct {
	Type      string          `json:"type"` // enqueued, assigned, started, completed, failed, retried, cancelled
	JobID     types.JobID     `json:"job_id"`
	Status    types.JobStatus `json:"status"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Index     int64           `json:"index"`
	Timestamp int64           `json:"ts"`
}

// RoutingKey is "job.<type>".
func (e Event) RoutingKey() string {
	return "job." + e.Type
}

var eventTypes = map[jobmanager.CommandType]string{
	jobmanager.CmdEnqueue:  "enqueued",
	jobmanager.CmdAssign:   "assigned",
	jobmanager.CmdStart:    "started",
	jobmanager.CmdComplete: "completed",
	jobmanager.CmdFail:     "failed",
	jobmanager.CmdRetry:    "retried",
	jobmanager.CmdCancel:   "cancelled",
}

// FromApplyResult turns an applied command into an event. Skipped commands, duplicates
// and no-ops produce none.
func FromApplyResult(res jobmanager.ApplyResult) (Event, bool) {
	name, ok := eventTypes[res.Type]
	if !ok || !res.Applied || res.Job == nil {
		return Event{}, false
	}
	ev := Event{
		Type:      name,
		JobID:     res.Job.ID,
		Status:    res.Job.Status,
		WorkerID:  res.Job.AssignedWorker,
		Index:     res.Index,
		Timestamp: res.Job.UpdatedAt,
	}
	if res.Failed != nil && (res.Type == jobmanager.CmdFail || res.Type == jobmanager.CmdCancel) {
		ev.Reason = res.Failed.Reason
	}
	return ev, true
}

// FromEnqueued returns an enqueued event for every job a batch or a crawl completion
// created.
func FromEnqueued(res jobmanager.ApplyResult) []Event {
	if !res.Applied || len(res.Enqueued) == 0 {
		return nil
	}
	out := make([]Event, 0, len(res.Enqueued))
	for _, job := range res.Enqueued {
		out = append(out, Event{
			Type:      "enqueued",
			JobID:     job.ID,
			Status:    job.Status,
			Index:     res.Index,
			Timestamp: job.CreatedAt,
		})
	}
	return out
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types in publish order, joined by commas.
func (r *Recorder) Types() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Type
	}
	return strings.Join(names, ",")
}

// Async decouples the apply loop from a slow publisher with a bounded queue.
// Events are dropped, and counted, when the queue is full.
type Async struct {
	next    Publisher
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger
	once    sync.Once
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Publisher, buffer int) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		next:   next,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: slog.With("component", "events"),
	}
	go a.run()
	return a
}

// Publish enqueues ev without blocking.
func (a *Async) Publish(_ context.Context, ev Event) error {
	select {
	case a.ch <- ev:
	default:
		if n := a.dropped.Add(1); n%100 == 1 {
			a.logger.Warn("Event queue full, dropping events", "dropped", n)
		}
	}
	return nil
}

// Dropped reports how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.ch {
		if err := a.next.Publish(context.Background(), ev); err != nil {
			a.logger.Warn("Failed to publish event", "job_id", ev.JobID, "type", ev.Type, "error", err)
		}
	}
}

// Close drains queued events, then closes the wrapped publisher. Publish must not be
// called after Close.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		close(a.ch)
		<-a.done
		err = a.next.Close()
	})
	return err
}
