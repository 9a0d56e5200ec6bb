package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	messages []string
	failDocs error
	calls    chan struct{}
}

func (f *fakeStore) FailStaleSessions(_ context.Context, before time.Time, message string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	f.messages = append(f.messages, message)
	return 1, nil
}

func (f *fakeStore) FailStaleDocuments(_ context.Context, before time.Time, message string) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, before)
	f.messages = append(f.messages, message)
	err := f.failDocs
	f.mu.Unlock()
	if f.calls != nil {
		select {
		case f.calls <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return 0, err
	}
	return 2, nil
}

func TestSweepUsesCutoff(t *testing.T) {
	store := &fakeStore{}
	s := New(store, 10*time.Minute, time.Minute)
	fixed := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	sessions, docs, err := s.Sweep(context.Background())
	if err != nil || sessions != 1 || docs != 2 {
		t.Fatalf("Sweep: sessions=%d docs=%d err=%v", sessions, docs, err)
	}
	want := fixed.Add(-10 * time.Minute)
	for _, c := range store.cutoffs {
		if !c.Equal(want) {
			t.Fatalf("unexpected cutoff %v, want %v", c, want)
		}
	}
	if store.messages[0] != StaleSessionMessage || store.messages[1] != StaleDocumentMessage {
		t.Fatalf("unexpected messages: %v", store.messages)
	}
}

func TestSweepReportsStoreErrors(t *testing.T) {
	store := &fakeStore{failDocs: errors.New("db down")}
	sessions, _, err := New(store, 0, 0).Sweep(context.Background())
	if err == nil || sessions != 1 {
		t.Fatalf("expected document error after sessions pass, got sessions=%d err=%v", sessions, err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(&fakeStore{}, 0, -time.Second)
	if s.staleAfter != DefaultStaleAfter || s.interval != DefaultInterval {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	store := &fakeStore{calls: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	New(store, time.Minute, 5*time.Millisecond).Start(ctx)

	select {
	case <-store.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper never ran")
	}
}
