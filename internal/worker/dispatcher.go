package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type ownerQueue struct {
	jobs     []Job
	enqueued bool
}

// DispatcherConfig sizes the queue and the elastic worker pool.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stopped   bool
	queues    map[string]*ownerQueue // job queue for each owner
	ready     *list.List             // LRU queue storing owner IDs
	positions map[string]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queues:    make(map[string]*ownerQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		JobQueue:  make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout)

	// Warm up workers so the first jobs do not pay for spawning.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.ctx.Err() != nil {
		return ErrDispatcherStopped
	}
	select {
	case d.JobQueue <- job:
		debugLog("dispatcher: queued %s job for owner %s", job.Type, job.OwnerID)
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Stop halts dispatching and retires idle workers. Queued jobs are discarded before
// Stop returns; running jobs finish on their own.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.pool.shutdown()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.drain()
	for {
		// dispatch one job of the owner in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.ctx.Done():
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-blocking intake between dispatches
			d.enqueueJob(job)
		case <-d.ctx.Done():
			return
		default:
		}
	}
}

// Pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.OwnerID]
	if q == nil {
		q = &ownerQueue{}
		d.queues[job.OwnerID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.OwnerID] = d.ready.PushBack(job.OwnerID)
}

// dispatchOne hands the next job of the least recently served owner to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	ownerID := elem.Value.(string)
	q := d.queues[ownerID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this owner, leave the ring
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, ownerID)
		delete(d.queues, ownerID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		discard(job)
		return false
	}
	debugLog("dispatcher: assign %s job for owner %s to worker-%d", job.Type, ownerID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// drain discards everything still queued once dispatching stopped.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.stopped = true
	var dropped []Job
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		if q := d.queues[elem.Value.(string)]; q != nil {
			dropped = append(dropped, q.jobs...)
		}
	}
	d.queues = make(map[string]*ownerQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
intake:
	for {
		select {
		case job := <-d.JobQueue:
			dropped = append(dropped, job)
		default:
			break intake
		}
	}
	d.mu.Unlock()

	for _, job := range dropped {
		discard(job)
	}
}

func discard(job Job) {
	debugLog("dispatcher: discard %s job for owner %s", job.Type, job.OwnerID)
	if job.Discard != nil {
		job.Discard(ErrDispatcherStopped)
	}
}
