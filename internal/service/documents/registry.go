package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"taxflow/internal/models"
)

// Store is the persistence the registry relies on.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, sessionID string) ([]*models.Document, error)
	ProcessedDocuments(ctx context.Context, sessionID string) ([]*models.Document, error)
	StartDocumentProcessing(ctx context.Context, id string) (bool, error)
	CompleteDocument(ctx context.Context, id string, extracted, taxRelevant []byte, pageCount int) (bool, error)
	FailDocument(ctx context.Context, id, message string) (bool, error)
}

// Aggregate sums extraction output over a session's PROCESSED documents.
type Aggregate struct {
	Income         decimal.Decimal
	Withheld       decimal.Decimal
	HasWithheld    bool
	ProcessedCount int
}

// Registry tracks uploaded documents and their processing state.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Register validates upload metadata and records an UPLOADED document.
func (r *Registry) Register(ctx context.Context, doc *models.Document) error {
	doc.FileName = strings.TrimSpace(doc.FileName)
	if doc.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", models.ErrValidation)
	}
	if doc.FileName == "" {
		return fmt.Errorf("%w: file name is required", models.ErrValidation)
	}
	if doc.FileSize <= 0 {
		return fmt.Errorf("%w: file is empty", models.ErrValidation)
	}
	if doc.FileType == "" {
		doc.FileType = "application/octet-stream"
	}
	if err := r.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("register document: %w", err)
	}
	return nil
}

// MarkProcessing moves an UPLOADED document to PROCESSING.
func (r *Registry) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, "processing", func() (bool, error) {
		return r.store.StartDocumentProcessing(ctx, id)
	})
}

// MarkProcessed stores extraction output on a PROCESSING document.
func (r *Registry) MarkProcessed(ctx context.Context, id string, extracted json.RawMessage, fields models.TaxFields, pageCount int) error {
	if fields.Income == nil {
		return fmt.Errorf("%w: extracted data has no income", models.ErrIngestionFailed)
	}
	taxRelevant, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode tax relevant data: %w", err)
	}
	return r.transition(ctx, id, "processed", func() (bool, error) {
		return r.store.CompleteDocument(ctx, id, extracted, taxRelevant, pageCount)
	})
}

// MarkFailed moves a document that has not finished processing to ERROR.
func (r *Registry) MarkFailed(ctx context.Context, id, message string) error {
	return r.transition(ctx, id, "failed", func() (bool, error) {
		return r.store.FailDocument(ctx, id, message)
	})
}

func (r *Registry) transition(ctx context.Context, id, target string, apply func() (bool, error)) error {
	ok, err := apply()
	if err != nil {
		return fmt.Errorf("mark document %s %s: %w", id, target, err)
	}
	if ok {
		return nil
	}
	doc, err := r.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: document %s is %s, cannot mark %s", models.ErrInvalidTransition, id, doc.ProcessingStatus, target)
}

// Get returns a single document.
func (r *Registry) Get(ctx context.Context, id string) (*models.Document, error) {
	return r.store.GetDocument(ctx, id)
}

// List returns all documents of the session.
func (r *Registry) List(ctx context.Context, sessionID string) ([]*models.Document, error) {
	return r.store.ListDocuments(ctx, sessionID)
}

// Aggregate sums income and withholding over PROCESSED documents. A missing income counts as
// zero; unprocessed and failed documents are skipped.
func (r *Registry) Aggregate(ctx context.Context, sessionID string) (Aggregate, error) {
	docs, err := r.store.ProcessedDocuments(ctx, sessionID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate documents: %w", err)
	}
	agg := Aggregate{Income: decimal.Zero, Withheld: decimal.Zero}
	for _, doc := range docs {
		agg.ProcessedCount++
		if len(doc.TaxRelevantData) == 0 {
			continue
		}
		var fields models.TaxFields
		if err := json.Unmarshal(doc.TaxRelevantData, &fields); err != nil {
			log.Printf("documents: skip malformed tax data on %s: %v", doc.ID, err)
			continue
		}
		if fields.Income != nil {
			agg.Income = agg.Income.Add(*fields.Income)
		}
		if fields.Withheld != nil {
			agg.Withheld = agg.Withheld.Add(*fields.Withheld)
			agg.HasWithheld = true
		}
	}
	return agg, nil
}
