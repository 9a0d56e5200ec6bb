package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taxflow/internal/models"
)

const documentColumns = `id, session_id, file_name, file_type, file_size, storage_uri, page_count,
	processing_status, extracted_data, tax_relevant_data, error_message, uploaded_at, processed_at`

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc         models.Document
		status      string
		extracted   []byte
		taxRelevant []byte
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.SessionID, &doc.FileName, &doc.FileType, &doc.FileSize,
		&doc.StorageURI, &doc.PageCount, &status, &extracted, &taxRelevant, &errMsg,
		&doc.UploadedAt, &processedAt); err != nil {
		return nil, err
	}
	doc.ProcessingStatus = models.DocumentStatus(status)
	if len(extracted) > 0 {
		doc.ExtractedData = append([]byte(nil), extracted...)
	}
	if len(taxRelevant) > 0 {
		doc.TaxRelevantData = append([]byte(nil), taxRelevant...)
	}
	doc.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}

// CreateDocument inserts an UPLOADED document for an existing session.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.ProcessingStatus = models.DocumentUploaded
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = s.timestamp()
	}
	_, err := s.exec(ctx,
		`INSERT INTO tax_documents (id, session_id, file_name, file_type, file_size, storage_uri, page_count, processing_status, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SessionID, doc.FileName, doc.FileType, doc.FileSize, doc.StorageURI,
		doc.PageCount, string(doc.ProcessingStatus), doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := scanDocument(s.queryRow(ctx, `SELECT `+documentColumns+` FROM tax_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the session's documents in upload order.
func (s *Store) ListDocuments(ctx context.Context, sessionID string) ([]*models.Document, error) {
	return s.listDocuments(ctx, `SELECT `+documentColumns+` FROM tax_documents WHERE session_id = ? ORDER BY uploaded_at ASC`, sessionID)
}

// ProcessedDocuments returns only PROCESSED documents of the session.
func (s *Store) ProcessedDocuments(ctx context.Context, sessionID string) ([]*models.Document, error) {
	return s.listDocuments(ctx,
		`SELECT `+documentColumns+` FROM tax_documents WHERE session_id = ? AND processing_status = ? ORDER BY uploaded_at ASC`,
		sessionID, string(models.DocumentProcessed))
}

func (s *Store) listDocuments(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// StartDocumentProcessing moves an UPLOADED document to PROCESSING.
func (s *Store) StartDocumentProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_documents SET processing_status = ? WHERE id = ? AND processing_status = ?`,
		string(models.DocumentProcessing), id, string(models.DocumentUploaded))
	if err != nil {
		return false, fmt.Errorf("start document processing: %w", err)
	}
	return affected(res)
}

// CompleteDocument stores extraction output and moves a PROCESSING document to PROCESSED.
func (s *Store) CompleteDocument(ctx context.Context, id string, extracted, taxRelevant []byte, pageCount int) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_documents SET processing_status = ?, extracted_data = ?, tax_relevant_data = ?,
			page_count = ?, processed_at = ?
		 WHERE id = ? AND processing_status = ?`,
		string(models.DocumentProcessed), nullJSON(extracted), nullJSON(taxRelevant), pageCount,
		s.timestamp(), id, string(models.DocumentProcessing))
	if err != nil {
		return false, fmt.Errorf("complete document: %w", err)
	}
	return affected(res)
}

// FailDocument marks a document that has not finished processing as ERROR.
func (s *Store) FailDocument(ctx context.Context, id, message string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_documents SET processing_status = ?, error_message = ?, processed_at = ?
		 WHERE id = ? AND processing_status IN (?, ?)`,
		string(models.DocumentError), nullString(message), s.timestamp(),
		id, string(models.DocumentUploaded), string(models.DocumentProcessing))
	if err != nil {
		return false, fmt.Errorf("fail document: %w", err)
	}
	return affected(res)
}

// FailStaleDocuments marks documents uploaded before the cutoff that never finished processing as ERROR.
func (s *Store) FailStaleDocuments(ctx context.Context, before time.Time, message string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_documents SET processing_status = ?, error_message = ?, processed_at = ?
		 WHERE processing_status IN (?, ?) AND uploaded_at < ?`,
		string(models.DocumentError), nullString(message), s.timestamp(),
		string(models.DocumentUploaded), string(models.DocumentProcessing),
		before.UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, fmt.Errorf("fail stale documents: %w", err)
	}
	return res.RowsAffected()
}
