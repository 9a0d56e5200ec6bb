package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionError      SessionStatus = "ERROR"
)

// Terminal reports whether no transition can leave the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// IncomeSource records where the income figure of a calculation came from.
type IncomeSource string

const (
	IncomeFromDocuments   IncomeSource = "DOCUMENTS"
	IncomeFromPlaceholder IncomeSource = "PLACEHOLDER"
)

// Session is one filer's tax calculation for a given tax year.
// Result fields stay null until the session is COMPLETED.
type Session struct {
	ID                 string              `json:"id"`
	OwnerID            string              `json:"owner_id"`
	TaxYear            int                 `json:"tax_year"`
	Status             SessionStatus       `json:"status"`
	CompletionProgress int                 `json:"completion_progress"`
	TotalIncome        decimal.NullDecimal `json:"total_income"`
	TotalDeductions    decimal.NullDecimal `json:"total_deductions"`
	TaxableIncome      decimal.NullDecimal `json:"taxable_income"`
	FederalTaxOwed     decimal.NullDecimal `json:"federal_tax_owed"`
	StateTaxOwed       decimal.NullDecimal `json:"state_tax_owed"`
	TotalTaxOwed       decimal.NullDecimal `json:"total_tax_owed"`
	RefundAmount       decimal.NullDecimal `json:"refund_amount"`
	EffectiveRate      decimal.NullDecimal `json:"effective_rate"`
	IncomeSource       IncomeSource        `json:"income_source,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
}

// HasResult reports whether every result field is populated.
func (s *Session) HasResult() bool {
	for _, v := range []decimal.NullDecimal{
		s.TotalIncome, s.TotalDeductions, s.TaxableIncome, s.FederalTaxOwed,
		s.StateTaxOwed, s.TotalTaxOwed, s.RefundAmount, s.EffectiveRate,
	} {
		if !v.Valid {
			return false
		}
	}
	return true
}

// SessionDetail is a session with its steps (newest first) and documents.
type SessionDetail struct {
	*Session
	Calculations []*CalculationStep `json:"calculations"`
	Documents    []*Document        `json:"documents"`
}
