package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "UPLOADED"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentProcessed  DocumentStatus = "PROCESSED"
	DocumentError      DocumentStatus = "ERROR"
)

// Document is an uploaded file attached to a session.
// ExtractedData and TaxRelevantData are only set once the document is PROCESSED.
type Document struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	FileName         string          `json:"file_name"`
	FileType         string          `json:"file_type"`
	FileSize         int64           `json:"file_size"`
	StorageURI       string          `json:"-"`
	PageCount        int             `json:"page_count,omitempty"`
	ProcessingStatus DocumentStatus  `json:"processing_status"`
	ExtractedData    json.RawMessage `json:"extracted_data,omitempty"`
	TaxRelevantData  json.RawMessage `json:"tax_relevant_data,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	UploadedAt       time.Time       `json:"uploaded_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// TaxFields is the subset of extracted data the calculation consumes.
type TaxFields struct {
	Income   *decimal.Decimal `json:"income,omitempty"`
	Withheld *decimal.Decimal `json:"withheld,omitempty"`
}
