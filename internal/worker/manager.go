package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"taxflow/internal/models"
	"taxflow/internal/redis"
)

// SessionStore is the slice of persistence the runner needs.
type SessionStore interface {
	GetSession(ctx context.Context, ownerID, id string) (*models.Session, error)
	ClaimSession(ctx context.Context, id string) (bool, error)
	FailSession(ctx context.Context, id, message string) (bool, error)
}

// Pipeline performs one full calculation.
type Pipeline interface {
	PerformFullCalculation(ctx context.Context, sessionID string) (*models.CalculationResult, error)
}

// CompletionHook observes every finished run.
type CompletionHook func(ctx context.Context, task *Task, result *models.CalculationResult, err error)

var ErrShuttingDown = errors.New("calculation runner shutting down")

type Option func(*Manager)

// WithRedis guards runs across instances with Redis tokens.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(m *Manager) {
		m.tokens = newRunTokens(client, ttl)
	}
}

// WithCalculationTimeout bounds each run.
func WithCalculationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithCompletionHook registers a callback fired after each run.
func WithCompletionHook(hook CompletionHook) Option {
	return func(m *Manager) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// Manager starts calculations idempotently and runs them, along with ingestion jobs,
// on the fair dispatcher. Runs live on the manager's context, never on a request's.
type Manager struct {
	store      SessionStore
	pipeline   Pipeline
	dispatcher *Dispatcher
	registry   *runRegistry
	tokens     *runTokens
	hooks      []CompletionHook
	timeout    time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

func NewManager(store SessionStore, pipeline Pipeline, cfg DispatcherConfig, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		pipeline:   pipeline,
		dispatcher: NewDispatcher(cfg),
		registry:   newRunRegistry(),
		tokens:     newRunTokens(nil, 0),
		timeout:    2 * time.Minute,
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartCalculation schedules the session's calculation unless it already runs or finished.
// It returns the run's task (nil when nothing runs on this instance) and whether this call started it.
func (m *Manager) StartCalculation(ctx context.Context, ownerID, sessionID string) (*Task, bool, error) {
	if m.closing.Load() {
		return nil, false, ErrShuttingDown
	}
	session, err := m.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, false, err
	}
	if task := m.registry.get(sessionID); task != nil {
		return task, false, nil
	}
	if session.Status != models.SessionPending {
		return nil, false, nil
	}

	task, created := m.registry.reserve(sessionID, func() *Task {
		return newTask(m.baseCtx, ownerID, sessionID)
	})
	if !created {
		return task, false, nil
	}
	abandon := func() {
		m.registry.remove(task)
		task.finish(nil, nil)
	}

	if !m.tokens.acquire(ctx, sessionID, task.token) {
		abandon()
		return nil, false, nil
	}
	won, err := m.store.ClaimSession(ctx, sessionID)
	if err != nil || !won {
		m.tokens.release(sessionID, task.token)
		abandon()
		if err != nil {
			return nil, false, fmt.Errorf("claim session: %w", err)
		}
		return nil, false, nil
	}

	m.wg.Add(1)
	err = m.dispatcher.Submit(Job{
		Type:      Calculate,
		OwnerID:   ownerID,
		SessionID: sessionID,
		Run: func(context.Context) {
			defer m.wg.Done()
			m.runCalculation(task)
		},
		Discard: func(error) {
			defer m.wg.Done()
			m.unschedule(task, ErrShuttingDown)
		},
	})
	if err != nil {
		m.wg.Done()
		m.unschedule(task, err)
		return nil, false, err
	}
	debugLog("manager: calculation for session %s queued", sessionID)
	return task, true, nil
}

// unschedule resolves a claimed run that will never execute and fails its session.
func (m *Manager) unschedule(task *Task, cause error) {
	m.tokens.release(task.SessionID, task.token)
	m.registry.remove(task)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.FailSession(ctx, task.SessionID, cause.Error()); err != nil {
		log.Printf("worker: mark unscheduled session %s failed: %v", task.SessionID, err)
	}
	task.finish(nil, fmt.Errorf("%w: %w", models.ErrCalculationFailed, cause))
}

func (m *Manager) runCalculation(task *Task) {
	ctx, cancel := context.WithTimeout(task.ctx, m.timeout)
	defer cancel()

	started := time.Now()
	result, err := m.pipeline.PerformFullCalculation(ctx, task.SessionID)
	m.registry.remove(task)
	m.tokens.release(task.SessionID, task.token)
	task.finish(result, err)

	if err != nil {
		log.Printf("worker: calculation for session %s failed after %s: %v", task.SessionID, time.Since(started).Round(time.Millisecond), err)
	} else {
		debugLog("manager: calculation for session %s done in %s", task.SessionID, time.Since(started))
	}

	hookCtx, hookCancel := context.WithTimeout(context.WithoutCancel(m.baseCtx), 10*time.Second)
	defer hookCancel()
	for _, hook := range m.hooks {
		hook(hookCtx, task, result, err)
	}
}

// Task returns the in-flight run of the session on this instance, if any.
func (m *Manager) Task(sessionID string) *Task {
	return m.registry.get(sessionID)
}

// Pending reports how many jobs wait for a worker.
func (m *Manager) Pending() int {
	return m.dispatcher.Pending()
}

// Submit runs fn on the pool as a job of the owner, with the manager's lifetime context.
func (m *Manager) Submit(jobType JobType, ownerID, sessionID string, fn func(ctx context.Context)) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	m.wg.Add(1)
	err := m.dispatcher.Submit(Job{
		Type:      jobType,
		OwnerID:   ownerID,
		SessionID: sessionID,
		Run: func(context.Context) {
			defer m.wg.Done()
			fn(m.baseCtx)
		},
		Discard: func(err error) {
			defer m.wg.Done()
			log.Printf("worker: %s job for session %s dropped: %v", jobType, sessionID, err)
		},
	})
	if err != nil {
		m.wg.Done()
	}
	return err
}

// Shutdown stops accepting work and waits for running jobs until ctx expires,
// then cancels what is left.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, task := range m.registry.snapshot() {
			task.Cancel()
		}
	}
	m.cancel()
	m.dispatcher.Stop()
	return err
}
