package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"taxflow/internal/models"
)

// Extraction is the structured output of reading one document.
type Extraction struct {
	Data   json.RawMessage
	Fields models.TaxFields
}

// Extractor turns a locally available document file into structured tax fields.
type Extractor interface {
	Extract(ctx context.Context, doc *models.Document, path string) (*Extraction, error)
}

// SimulatedExtractor returns fixed W-2 style figures after a delay.
type SimulatedExtractor struct {
	Delay time.Duration
}

func (s SimulatedExtractor) Extract(ctx context.Context, doc *models.Document, _ string) (*Extraction, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	income := decimal.NewFromInt(75000)
	withheld := decimal.NewFromInt(8500)
	data, err := json.Marshal(map[string]any{
		"income":     income,
		"withheld":   withheld,
		"deductions": decimal.NewFromInt(2500),
		"source":     doc.FileName,
	})
	if err != nil {
		return nil, err
	}
	return &Extraction{
		Data:   data,
		Fields: models.TaxFields{Income: &income, Withheld: &withheld},
	}, nil
}
