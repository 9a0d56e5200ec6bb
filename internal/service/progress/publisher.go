package progress

import (
	"context"
	"log"
	"time"

	"taxflow/internal/models"
)

// Event types sent to stream observers.
const (
	EventInitial             = "initial"
	EventProgressUpdate      = "progress_update"
	EventCalculationComplete = "calculation_complete"
	EventComplete            = "complete"
	EventError               = "error"
)

const recentStepCount = 5

// Event is one message on a session's progress channel.
type Event struct {
	Type      string                    `json:"type"`
	Session   *models.SessionDetail     `json:"session,omitempty"`
	Result    *models.CalculationResult `json:"result,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

type Store interface {
	GetSession(ctx context.Context, ownerID, id string) (*models.Session, error)
	RecentSteps(ctx context.Context, sessionID string, n int) ([]*models.CalculationStep, error)
}

// Run is an in-flight calculation the stream can wait on.
type Run interface {
	Done() <-chan struct{}
	Result() (*models.CalculationResult, error)
}

// Publisher turns store snapshots and run outcomes into a stream of events.
type Publisher struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

func NewPublisher(store Store, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{store: store, interval: interval, now: time.Now}
}

// Stream emits events for the session until it is terminal, emit fails, or ctx ends.
// run may be nil when no calculation is in flight on this instance.
func (p *Publisher) Stream(ctx context.Context, ownerID, sessionID string, run Run, emit func(Event) error) error {
	session, err := p.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := emit(Event{Type: EventInitial, Session: &models.SessionDetail{Session: session}, Timestamp: p.now()}); err != nil {
		return err
	}

	if session.Status.Terminal() && run == nil {
		_, err := p.update(ctx, ownerID, sessionID, emit)
		return err
	}

	var done <-chan struct{}
	if run != nil {
		done = run.Done()
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-done:
			done = nil
			if err := p.outcome(run, emit); err != nil {
				return err
			}
			run = nil
			terminal, err := p.update(ctx, ownerID, sessionID, emit)
			if err != nil || terminal {
				return err
			}

		case <-ticker.C:
			// With a run still pending, its events must precede the final update.
			if run != nil {
				snap, err := p.snapshot(ctx, ownerID, sessionID)
				if err != nil {
					log.Printf("progress: snapshot of session %s: %v", sessionID, err)
					continue
				}
				if snap.Status.Terminal() {
					continue
				}
				if err := emit(Event{Type: EventProgressUpdate, Session: snap, Timestamp: p.now()}); err != nil {
					return err
				}
				continue
			}
			terminal, err := p.update(ctx, ownerID, sessionID, emit)
			if err != nil || terminal {
				return err
			}
		}
	}
}

func (p *Publisher) outcome(run Run, emit func(Event) error) error {
	result, err := run.Result()
	if err != nil {
		return emit(Event{Type: EventError, Error: err.Error(), Timestamp: p.now()})
	}
	if err := emit(Event{Type: EventCalculationComplete, Result: result, Timestamp: p.now()}); err != nil {
		return err
	}
	return emit(Event{Type: EventComplete, Timestamp: p.now()})
}

// update emits a fresh progress_update and reports whether the session is terminal.
// Snapshot failures are logged and skipped.
func (p *Publisher) update(ctx context.Context, ownerID, sessionID string, emit func(Event) error) (bool, error) {
	snap, err := p.snapshot(ctx, ownerID, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Printf("progress: snapshot of session %s: %v", sessionID, err)
		return false, nil
	}
	if err := emit(Event{Type: EventProgressUpdate, Session: snap, Timestamp: p.now()}); err != nil {
		return false, err
	}
	return snap.Status.Terminal(), nil
}

func (p *Publisher) snapshot(ctx context.Context, ownerID, sessionID string) (*models.SessionDetail, error) {
	session, err := p.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := p.store.RecentSteps(ctx, sessionID, recentStepCount)
	if err != nil {
		return nil, err
	}
	return &models.SessionDetail{Session: session, Calculations: steps}, nil
}
