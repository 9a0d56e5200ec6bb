package sweeper

import (
	"context"
	"log"
	"time"
)

const (
	DefaultInterval   = time.Minute
	DefaultStaleAfter = 10 * time.Minute

	StaleSessionMessage  = "calculation abandoned"
	StaleDocumentMessage = "document processing timed out"
)

// Store is the storage surface the sweeper writes through.
type Store interface {
	FailStaleSessions(ctx context.Context, before time.Time, message string) (int64, error)
	FailStaleDocuments(ctx context.Context, before time.Time, message string) (int64, error)
}

// Sweeper periodically moves work that can no longer finish into ERROR:
// sessions left PROCESSING by a crashed or restarted instance, and documents
// whose ingestion job was lost.
type Sweeper struct {
	store      Store
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// New builds a sweeper. staleAfter must exceed the calculation timeout so live runs are never touched.
func New(store Store, staleAfter, interval time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("sweep stale work error: %v", err)
			}
		}
	}
}

// Sweep runs a single pass and reports how many sessions and documents were failed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, int64, error) {
	cutoff := s.now().Add(-s.staleAfter)
	sessions, err := s.store.FailStaleSessions(ctx, cutoff, StaleSessionMessage)
	if err != nil {
		return 0, 0, err
	}
	docs, err := s.store.FailStaleDocuments(ctx, cutoff, StaleDocumentMessage)
	if err != nil {
		return sessions, 0, err
	}
	if sessions > 0 || docs > 0 {
		log.Printf("swept stale work: sessions=%d documents=%d", sessions, docs)
	}
	return sessions, docs, nil
}
