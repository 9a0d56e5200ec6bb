package documents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"taxflow/internal/config"
	"taxflow/internal/models"
	"taxflow/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := storage.NewStore(db, "sqlite3")
	return NewRegistry(store), store
}

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func processDocument(t *testing.T, reg *Registry, sessionID string, fields models.TaxFields) *models.Document {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{SessionID: sessionID, FileName: "w2.pdf", FileType: "application/pdf", FileSize: 512}
	if err := reg.Register(ctx, doc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkProcessing(ctx, doc.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := reg.MarkProcessed(ctx, doc.ID, json.RawMessage(`{"source":"test"}`), fields, 1); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	return doc
}

func TestAggregateSumsProcessedDocumentsOnly(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	session, _ := store.CreateSession(ctx, "alice", 2024)

	processDocument(t, reg, session.ID, models.TaxFields{Income: amount("50000"), Withheld: amount("5000")})
	processDocument(t, reg, session.ID, models.TaxFields{Income: amount("25000.50")})

	pending := &models.Document{SessionID: session.ID, FileName: "1099.pdf", FileSize: 10}
	if err := reg.Register(ctx, pending); err != nil {
		t.Fatalf("Register: %v", err)
	}
	failed := &models.Document{SessionID: session.ID, FileName: "broken.pdf", FileSize: 10}
	reg.Register(ctx, failed)
	if err := reg.MarkFailed(ctx, failed.ID, "unreadable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	agg, err := reg.Aggregate(ctx, session.ID)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.ProcessedCount != 2 {
		t.Fatalf("expected 2 processed documents, got %d", agg.ProcessedCount)
	}
	if !agg.Income.Equal(decimal.RequireFromString("75000.50")) {
		t.Fatalf("unexpected income %s", agg.Income)
	}
	if !agg.Withheld.Equal(decimal.NewFromInt(5000)) || !agg.HasWithheld {
		t.Fatalf("unexpected withheld %s", agg.Withheld)
	}
}

func TestAggregateEmptySession(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	session, _ := store.CreateSession(ctx, "alice", 2024)

	agg, err := reg.Aggregate(ctx, session.ID)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.ProcessedCount != 0 || !agg.Income.IsZero() || agg.HasWithheld {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
}

func TestRegisterValidatesMetadata(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	session, _ := store.CreateSession(ctx, "alice", 2024)

	cases := []*models.Document{
		{SessionID: "", FileName: "a.pdf", FileSize: 1},
		{SessionID: session.ID, FileName: "  ", FileSize: 1},
		{SessionID: session.ID, FileName: "a.pdf", FileSize: 0},
	}
	for _, doc := range cases {
		if err := reg.Register(ctx, doc); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", doc, err)
		}
	}
}

func TestTransitionsAreForwardOnly(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	session, _ := store.CreateSession(ctx, "alice", 2024)
	doc := processDocument(t, reg, session.ID, models.TaxFields{Income: amount("1")})

	if err := reg.MarkProcessing(ctx, doc.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := reg.MarkFailed(ctx, doc.ID, "late"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := reg.MarkProcessing(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkProcessedRequiresIncome(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	session, _ := store.CreateSession(ctx, "alice", 2024)
	doc := &models.Document{SessionID: session.ID, FileName: "a.pdf", FileSize: 1}
	reg.Register(ctx, doc)
	reg.MarkProcessing(ctx, doc.ID)

	if err := reg.MarkProcessed(ctx, doc.ID, nil, models.TaxFields{}, 0); !errors.Is(err, models.ErrIngestionFailed) {
		t.Fatalf("expected ErrIngestionFailed, got %v", err)
	}
}
