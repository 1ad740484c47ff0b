// ============================================================================
// raft-jobdist Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Look up the executor for the job's method
//   3. Execute it under a context with the task timeout
//   4. Send result to resultCh
//   5. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets its own context derived from Task.Context. The executor must
//   watch ctx.Done(); a timeout surfaces as context.DeadlineExceeded in the result.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id        int           // Worker unique identifier, used for logging and debugging
	taskCh    <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh  chan<- Result // Result channel (write-only), sends task execution results
	executors *Executors
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, executors *Executors) *Worker {
	return &Worker{
		id:        id,
		taskCh:    taskCh,
		resultCh:  resultCh,
		executors: executors,
	}
}

// Run is the main loop of Worker. Results are always delivered: the pool keeps
// draining resultCh until every worker has exited.
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.resultCh <- w.execute(task)
	}
}

// execute runs one task and never panics past this frame.
func (w *Worker) execute(task Task) (res Result) {
	start := time.Now()
	res.JobID = task.Job.ID
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = nil
			res.Error = fmt.Errorf("executor panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	ex, ok := w.executors.Lookup(task.Job.MethodID)
	if !ok {
		res.Error = fmt.Errorf("no executor for method %d", task.Job.MethodID)
		return res
	}

	parent := task.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	out, err := ex.Execute(ctx, task.Job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	res.Success = err == nil
	res.Error = err
	if res.Success {
		res.Output = out
	}
	return res
}
