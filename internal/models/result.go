package models

import "github.com/shopspring/decimal"

// CalculationResult is the output of a full pipeline run.
// RefundAmount is signed: positive is a refund, negative the amount owed.
type CalculationResult struct {
	TotalIncome     decimal.Decimal `json:"total_income"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	TaxableIncome   decimal.Decimal `json:"taxable_income"`
	FederalTaxOwed  decimal.Decimal `json:"federal_tax_owed"`
	StateTaxOwed    decimal.Decimal `json:"state_tax_owed"`
	TotalTaxOwed    decimal.Decimal `json:"total_tax_owed"`
	WithheldTax     decimal.Decimal `json:"withheld_tax"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	AmountOwed      decimal.Decimal `json:"amount_owed"`
	EffectiveRate   decimal.Decimal `json:"effective_rate"`
	IncomeSource    IncomeSource    `json:"income_source"`
}
