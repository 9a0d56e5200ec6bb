package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"taxflow/internal/blob"
	"taxflow/internal/models"
)

// Registry is the document state machine the ingestor drives.
type Registry interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string, extracted json.RawMessage, fields models.TaxFields, pageCount int) error
	MarkFailed(ctx context.Context, id, message string) error
}

// Ingestor processes uploaded documents: UPLOADED -> PROCESSING -> PROCESSED or ERROR.
type Ingestor struct {
	registry        Registry
	blobs           blob.Store
	extractor       Extractor
	processingDelay time.Duration
}

func NewIngestor(registry Registry, blobs blob.Store, extractor Extractor, processingDelay time.Duration) *Ingestor {
	return &Ingestor{
		registry:        registry,
		blobs:           blobs,
		extractor:       extractor,
		processingDelay: processingDelay,
	}
}

// Process runs extraction for one document. Failures leave the document in ERROR and
// return an error wrapping models.ErrIngestionFailed.
func (i *Ingestor) Process(ctx context.Context, documentID string) error {
	doc, err := i.registry.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus != models.DocumentUploaded {
		return fmt.Errorf("%w: document %s is %s", models.ErrInvalidTransition, documentID, doc.ProcessingStatus)
	}

	if err := sleep(ctx, i.processingDelay); err != nil {
		return i.fail(ctx, doc, err)
	}
	if err := i.registry.MarkProcessing(ctx, doc.ID); err != nil {
		return err
	}

	extraction, pageCount, err := i.extract(ctx, doc)
	if err != nil {
		return i.fail(ctx, doc, err)
	}
	if extraction.Fields.Income == nil {
		return i.fail(ctx, doc, errors.New("no income found in document"))
	}
	if err := i.registry.MarkProcessed(ctx, doc.ID, extraction.Data, extraction.Fields, pageCount); err != nil {
		return i.fail(ctx, doc, err)
	}
	log.Printf("ingest: document %s processed (session %s)", doc.ID, doc.SessionID)
	return nil
}

func (i *Ingestor) extract(ctx context.Context, doc *models.Document) (*Extraction, int, error) {
	path, cleanup, err := blob.Materialize(ctx, i.blobs, doc.StorageURI, doc.FileName)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch document: %w", err)
	}
	defer cleanup()

	pageCount := 0
	if isPDF(doc) {
		if pageCount, err = pdfPageCount(path); err != nil {
			return nil, 0, err
		}
	}
	extraction, err := i.extractor.Extract(ctx, doc, path)
	if err != nil {
		return nil, 0, err
	}
	return extraction, pageCount, nil
}

func (i *Ingestor) fail(ctx context.Context, doc *models.Document, cause error) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := i.registry.MarkFailed(failCtx, doc.ID, cause.Error()); err != nil {
		log.Printf("ingest: mark document %s failed: %v", doc.ID, err)
	}
	log.Printf("ingest: document %s failed: %v", doc.ID, cause)
	return fmt.Errorf("%w: %v", models.ErrIngestionFailed, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
