package controller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

type jobRecord struct {
	job    *types.Job
	failed *types.FailedJob
}

// projector copies applied job records into the configured JobIndex sinks off the
// apply path. Records are dropped, and counted, when the queue is full; every sink
// upserts by LastIndex so a later record repairs a dropped one.
type projector struct {
	sinks   []storage.JobIndex
	timeout time.Duration
	ch      chan jobRecord
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger
	once    sync.Once
}

func newProjector(sinks []storage.JobIndex, buffer int) *projector {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &projector{
		sinks:   sinks,
		timeout: 5 * time.Second,
		ch:      make(chan jobRecord, buffer),
		done:    make(chan struct{}),
		logger:  slog.With("component", "projection"),
	}
	go p.run()
	return p
}

func (p *projector) Put(job *types.Job, failed *types.FailedJob) {
	if len(p.sinks) == 0 {
		return
	}
	select {
	case p.ch <- jobRecord{job: job, failed: failed}:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.logger.Warn("Projection queue full, dropping records", "dropped", n)
		}
	}
}

func (p *projector) Dropped() int64 {
	return p.dropped.Load()
}

func (p *projector) run() {
	defer close(p.done)
	for rec := range p.ch {
		for _, sink := range p.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			if err := sink.PutJob(ctx, rec.job, rec.failed); err != nil {
				p.logger.Warn("Failed to project job", "job_id", rec.job.ID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued records and closes every sink.
func (p *projector) Close() error {
	var firstErr error
	p.once.Do(func() {
		close(p.ch)
		<-p.done
		for _, sink := range p.sinks {
			if err := sink.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
