package export

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"taxflow/internal/models"
)

func completedDetail() *models.SessionDetail {
	at := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	nd := func(s string) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.RequireFromString(s)) }
	return &models.SessionDetail{
		Session: &models.Session{
			ID:                 "s1",
			TaxYear:            2024,
			Status:             models.SessionCompleted,
			CompletionProgress: 100,
			TotalIncome:        nd("75000"),
			TotalDeductions:    nd("14600"),
			TaxableIncome:      nd("60400"),
			FederalTaxOwed:     nd("8595.5"),
			StateTaxOwed:       nd("3020"),
			TotalTaxOwed:       nd("11615.5"),
			RefundAmount:       nd("-3115.5"),
			EffectiveRate:      nd("19.23"),
			IncomeSource:       models.IncomeFromDocuments,
			CreatedAt:          at,
			CompletedAt:        &at,
		},
		Calculations: []*models.CalculationStep{
			{StepType: models.StepRefundCalculation, Description: "Calculating refund or amount owed", Amount: nd("-3115.5"), Status: models.StepCompleted, ProcessedAt: at},
			{StepType: models.StepTaxCalculation, Description: "Calculating federal and state taxes", Amount: nd("11615.5"), Status: models.StepCompleted, ProcessedAt: at},
		},
		Documents: []*models.Document{
			{FileName: "w2.pdf", FileType: "application/pdf", FileSize: 2048, PageCount: 1, ProcessingStatus: models.DocumentProcessed, UploadedAt: at},
		},
	}
}

func TestSessionReportSheets(t *testing.T) {
	buf, err := SessionReport(completedDetail())
	if err != nil {
		t.Fatalf("SessionReport: %v", err)
	}
	f, err := excelize.OpenReader(buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 3 || sheets[0] != summarySheet || sheets[1] != stepsSheet || sheets[2] != documentsSheet {
		t.Fatalf("unexpected sheets %v", sheets)
	}

	rows, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	values := map[string]string{}
	for _, row := range rows {
		if len(row) == 2 {
			values[row[0]] = row[1]
		}
	}
	if values["Total Tax"] != "11615.50" || values["Refund / (Owed)"] != "-3115.50" || values["Status"] != "COMPLETED" {
		t.Fatalf("unexpected summary %v", values)
	}

	steps, _ := f.GetRows(stepsSheet)
	if len(steps) != 3 || steps[1][1] != string(models.StepRefundCalculation) || steps[1][3] != "-3115.50" {
		t.Fatalf("unexpected steps sheet %v", steps)
	}
	docs, _ := f.GetRows(documentsSheet)
	if len(docs) != 2 || docs[1][0] != "w2.pdf" || docs[1][4] != string(models.DocumentProcessed) {
		t.Fatalf("unexpected documents sheet %v", docs)
	}
}

func TestSessionReportPendingLeavesResultsBlank(t *testing.T) {
	detail := &models.SessionDetail{Session: &models.Session{ID: "s2", TaxYear: 2024, Status: models.SessionPending}}
	buf, err := SessionReport(detail)
	if err != nil {
		t.Fatalf("SessionReport: %v", err)
	}
	f, err := excelize.OpenReader(buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	v, _ := f.GetCellValue(summarySheet, "B11")
	if v != "" {
		t.Fatalf("total tax should be blank before completion, got %q", v)
	}
}

func TestSessionReportRejectsEmptyDetail(t *testing.T) {
	if _, err := SessionReport(nil); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(&models.Session{ID: "abc", TaxYear: 2024}); got != "taxflow-2024-abc.xlsx" {
		t.Fatalf("FileName = %q", got)
	}
}
