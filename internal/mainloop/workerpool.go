package mainloop

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// WorkerPool runs blocking I/O (file reads, config parsing, persist
// calls) off the mainloop goroutine, bounded by a semaphore so a burst
// of submissions cannot spawn unbounded goroutines. Each job's result
// closure, if any, is handed back to the mainloop via SubmitWork —
// workers never touch Player/Arena state directly.
type WorkerPool struct {
	sem      *semaphore.Weighted
	mainloop *Mainloop
	log      *zap.Logger
}

// NewWorkerPool creates a pool that runs at most maxConcurrent jobs at
// once.
func NewWorkerPool(m *Mainloop, maxConcurrent int64, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		sem:      semaphore.NewWeighted(maxConcurrent),
		mainloop: m,
		log:      log,
	}
}

// Job performs blocking work off the mainloop and returns a closure to
// run back on the mainloop with its result (or nil if there is nothing
// to post back).
type Job func() (onMainloop func())

// Submit runs job in a new goroutine once a pool slot is available,
// then posts its result back onto the mainloop's work-item queue.
// Submit blocks the caller until a slot is free or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, job Job) {
	if err := wp.sem.Acquire(ctx, 1); err != nil {
		wp.log.Warn("worker pool: context canceled before a slot was available", zap.Error(err))
		return
	}
	go func() {
		defer wp.sem.Release(1)
		result := wp.runJob(job)
		if result != nil {
			wp.mainloop.SubmitWork(result)
		}
	}()
}

func (wp *WorkerPool) runJob(job Job) (result func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("worker pool job panicked", zap.Any("panic", r))
			result = nil
		}
	}()
	return job()
}
