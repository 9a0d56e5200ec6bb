package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"taxflow/internal/models"
)

const (
	summarySheet   = "Summary"
	stepsSheet     = "Steps"
	documentsSheet = "Documents"
)

// FileName is the download name of a session's report.
func FileName(s *models.Session) string {
	return fmt.Sprintf("taxflow-%d-%s.xlsx", s.TaxYear, s.ID)
}

// SessionReport renders a session, its steps and documents as an XLSX workbook.
func SessionReport(detail *models.SessionDetail) (*bytes.Buffer, error) {
	if detail == nil || detail.Session == nil {
		return nil, fmt.Errorf("%w: empty session", models.ErrValidation)
	}
	f := excelize.NewFile()
	defer f.Close()

	// The default sheet becomes the summary.
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	for _, name := range []string{stepsSheet, documentsSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	index, _ := f.GetSheetIndex(summarySheet)
	f.SetActiveSheet(index)

	writeSummary(f, detail.Session)
	writeSteps(f, detail.Calculations)
	writeDocuments(f, detail.Documents)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf, nil
}

func writeSummary(f *excelize.File, s *models.Session) {
	rows := [][]any{
		{"Session", s.ID},
		{"Tax Year", s.TaxYear},
		{"Status", string(s.Status)},
		{"Progress", fmt.Sprintf("%d%%", s.CompletionProgress)},
		{"Income Source", string(s.IncomeSource)},
		{"Total Income", money(s.TotalIncome)},
		{"Total Deductions", money(s.TotalDeductions)},
		{"Taxable Income", money(s.TaxableIncome)},
		{"Federal Tax", money(s.FederalTaxOwed)},
		{"State Tax", money(s.StateTaxOwed)},
		{"Total Tax", money(s.TotalTaxOwed)},
		{"Refund / (Owed)", money(s.RefundAmount)},
		{"Effective Rate %", money(s.EffectiveRate)},
		{"Created", s.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if s.CompletedAt != nil {
		rows = append(rows, []any{"Completed", s.CompletedAt.UTC().Format(time.RFC3339)})
	}
	if s.ErrorMessage != "" {
		rows = append(rows, []any{"Error", s.ErrorMessage})
	}
	for i, row := range rows {
		writeRow(f, summarySheet, i+1, row)
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)
}

func writeSteps(f *excelize.File, steps []*models.CalculationStep) {
	writeRow(f, stepsSheet, 1, []any{"Processed At", "Step", "Description", "Amount", "Status"})
	for i, step := range steps {
		writeRow(f, stepsSheet, i+2, []any{
			step.ProcessedAt.UTC().Format(time.RFC3339),
			string(step.StepType),
			step.Description,
			money(step.Amount),
			string(step.Status),
		})
	}
	_ = f.SetColWidth(stepsSheet, "A", "A", 22)
	_ = f.SetColWidth(stepsSheet, "B", "C", 30)
}

func writeDocuments(f *excelize.File, docs []*models.Document) {
	writeRow(f, documentsSheet, 1, []any{"File", "Type", "Size", "Pages", "Status", "Uploaded At", "Error"})
	for i, doc := range docs {
		writeRow(f, documentsSheet, i+2, []any{
			doc.FileName,
			doc.FileType,
			doc.FileSize,
			doc.PageCount,
			string(doc.ProcessingStatus),
			doc.UploadedAt.UTC().Format(time.RFC3339),
			doc.ErrorMessage,
		})
	}
	_ = f.SetColWidth(documentsSheet, "A", "A", 32)
	_ = f.SetColWidth(documentsSheet, "F", "F", 22)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func money(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.StringFixed(2)
}
