package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"taxflow/internal/models"
)

// Task is the handle of one calculation run. It resolves exactly once.
type Task struct {
	SessionID string
	OwnerID   string

	token  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result *models.CalculationResult
	err    error
}

func newTask(parent context.Context, ownerID, sessionID string) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		SessionID: sessionID,
		OwnerID:   ownerID,
		token:     uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Done is closed once the run finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome; only meaningful after Done is closed.
func (t *Task) Result() (*models.CalculationResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, nil
	}
}

// Wait blocks until the run finished or ctx is done.
func (t *Task) Wait(ctx context.Context) (*models.CalculationResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the run; the pipeline marks the session ERROR.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) finish(result *models.CalculationResult, err error) {
	t.once.Do(func() {
		t.result, t.err = result, err
		close(t.done)
		t.cancel()
	})
}

// runRegistry holds the in-flight run of each session on this instance.
type runRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newRunRegistry() *runRegistry {
	return &runRegistry{tasks: make(map[string]*Task)}
}

func (r *runRegistry) get(sessionID string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[sessionID]
}

// reserve returns the existing task for the session, or registers the one built by create.
func (r *runRegistry) reserve(sessionID string, create func() *Task) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[sessionID]; ok {
		return task, false
	}
	task := create()
	r.tasks[sessionID] = task
	return task, true
}

// remove drops the task only if it is still the registered one.
func (r *runRegistry) remove(task *Task) {
	r.mu.Lock()
	if current, ok := r.tasks[task.SessionID]; ok && current == task {
		delete(r.tasks, task.SessionID)
	}
	r.mu.Unlock()
}

func (r *runRegistry) snapshot() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}
