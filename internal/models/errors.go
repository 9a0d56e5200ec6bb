package models

import "errors"

var (
	ErrUnauthorized      = errors.New("authorization required")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrCalculationFailed = errors.New("calculation failed")
	ErrIngestionFailed   = errors.New("ingestion failed")
	ErrInvalidTransition = errors.New("invalid status transition")
)
