package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StepType string

const (
	StepDocumentProcessing   StepType = "DOCUMENT_PROCESSING"
	StepIncomeCalculation    StepType = "INCOME_CALCULATION"
	StepDeductionCalculation StepType = "DEDUCTION_CALCULATION"
	StepTaxCalculation       StepType = "TAX_CALCULATION"
	StepRefundCalculation    StepType = "REFUND_CALCULATION"
)

type StepStatus string

// StepCompleted is the only status the pipeline records; steps are written on success.
const StepCompleted StepStatus = "COMPLETED"

// CalculationStep is one append-only audit row of a pipeline run.
type CalculationStep struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id"`
	StepType    StepType            `json:"step_type"`
	Description string              `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
	Status      StepStatus          `json:"status"`
	ProcessedAt time.Time           `json:"processed_at"`
}
