package worker

import (
	"context"
	"log"
	"runtime/debug"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start parks the worker in the idle list and runs jobs until told to stop.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog("worker-%d stopped", w.id)
				return
			}
			w.execute(ctx, job)
		}
	}()
}

func (w *Worker) execute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker-%d: %s job for session %s panicked: %v\n%s", w.id, job.Type, job.SessionID, r, debug.Stack())
		}
	}()
	debugLog("worker-%d run %s job for owner %s", w.id, job.Type, job.OwnerID)
	if job.Run != nil {
		job.Run(ctx)
	}
}
