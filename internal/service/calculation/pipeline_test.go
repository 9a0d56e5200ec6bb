package calculation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"taxflow/internal/config"
	"taxflow/internal/models"
	"taxflow/internal/service/documents"
	"taxflow/internal/storage"
)

type fixture struct {
	store    *storage.Store
	registry *documents.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := storage.NewStore(db, "sqlite3")
	return &fixture{store: store, registry: documents.NewRegistry(store)}
}

func (f *fixture) pipeline(mutate func(*Options)) *Pipeline {
	opts := DefaultOptions()
	opts.StepDelay = 0
	if mutate != nil {
		mutate(&opts)
	}
	return NewPipeline(f.store, f.registry, opts)
}

func (f *fixture) addProcessedDocument(t *testing.T, sessionID, income, withheld string) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{SessionID: sessionID, FileName: "w2.pdf", FileType: "application/pdf", FileSize: 100}
	if err := f.registry.Register(ctx, doc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.registry.MarkProcessing(ctx, doc.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	in := decimal.RequireFromString(income)
	fields := models.TaxFields{Income: &in}
	if withheld != "" {
		w := decimal.RequireFromString(withheld)
		fields.Withheld = &w
	}
	if err := f.registry.MarkProcessed(ctx, doc.ID, json.RawMessage(`{}`), fields, 1); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPerformFullCalculationFromDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)
	f.addProcessedDocument(t, session.ID, "75000", "8500")

	result, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID)
	if err != nil {
		t.Fatalf("PerformFullCalculation: %v", err)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"total income", result.TotalIncome, "75000"},
		{"deductions", result.TotalDeductions, "14600"},
		{"taxable", result.TaxableIncome, "60400"},
		{"federal", result.FederalTaxOwed, "8595.50"},
		{"state", result.StateTaxOwed, "3020"},
		{"total", result.TotalTaxOwed, "11615.50"},
		{"refund field", result.RefundAmount, "-3115.50"},
		{"amount owed", result.AmountOwed, "3115.50"},
		{"effective rate", result.EffectiveRate, "19.23"},
	}
	for _, c := range checks {
		if !c.got.Equal(dec(c.want)) {
			t.Fatalf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
	if result.IncomeSource != models.IncomeFromDocuments {
		t.Fatalf("unexpected income source %s", result.IncomeSource)
	}

	detail, err := f.store.GetSessionDetail(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("GetSessionDetail: %v", err)
	}
	if detail.Status != models.SessionCompleted || detail.CompletionProgress != 100 {
		t.Fatalf("unexpected final state %s/%d", detail.Status, detail.CompletionProgress)
	}
	if !detail.TotalTaxOwed.Decimal.Equal(dec("11615.50")) {
		t.Fatalf("stored total = %s", detail.TotalTaxOwed.Decimal)
	}
	if len(detail.Calculations) != 5 {
		t.Fatalf("expected 5 step rows, got %d", len(detail.Calculations))
	}
	if detail.Calculations[0].StepType != models.StepRefundCalculation {
		t.Fatalf("newest step should be refund, got %s", detail.Calculations[0].StepType)
	}
	if detail.Calculations[0].Description != "Calculating refund amount" {
		t.Fatalf("unexpected refund description %q", detail.Calculations[0].Description)
	}
}

func TestMissingWithholdingIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)
	f.addProcessedDocument(t, session.ID, "75000", "")

	result, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID)
	if err != nil {
		t.Fatalf("PerformFullCalculation: %v", err)
	}
	if !result.RefundAmount.Equal(dec("-11615.50")) {
		t.Fatalf("refund field = %s, want -11615.50", result.RefundAmount)
	}
	steps, err := f.store.RecentSteps(ctx, session.ID, 1)
	if err != nil || len(steps) != 1 {
		t.Fatalf("RecentSteps: %v %v", steps, err)
	}
	if steps[0].Description != "Calculating refund amount (no withholding reported)" {
		t.Fatalf("missing withholding not reported: %q", steps[0].Description)
	}
}

func TestPerformFullCalculationPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)

	result, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID)
	if err != nil {
		t.Fatalf("PerformFullCalculation: %v", err)
	}
	if result.IncomeSource != models.IncomeFromPlaceholder {
		t.Fatalf("expected placeholder income source, got %s", result.IncomeSource)
	}
	if !result.TotalIncome.Equal(dec("75000")) || !result.WithheldTax.Equal(dec("8500")) {
		t.Fatalf("unexpected placeholder amounts %s / %s", result.TotalIncome, result.WithheldTax)
	}
	got, _ := f.store.SessionByID(ctx, session.ID)
	if got.Status != models.SessionCompleted || got.IncomeSource != models.IncomeFromPlaceholder {
		t.Fatalf("unexpected session %s / %s", got.Status, got.IncomeSource)
	}
}

func TestPlaceholderDisabledFailsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)

	p := f.pipeline(func(o *Options) { o.PlaceholderEnabled = false })
	if _, err := p.PerformFullCalculation(ctx, session.ID); !errors.Is(err, models.ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}
	got, _ := f.store.SessionByID(ctx, session.ID)
	if got.Status != models.SessionError || got.CompletionProgress != 25 {
		t.Fatalf("expected ERROR at 25, got %s at %d", got.Status, got.CompletionProgress)
	}
	if got.HasResult() {
		t.Fatalf("failed session must not carry results")
	}
}

func TestRefundWhenWithheldExceedsTax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)
	f.addProcessedDocument(t, session.ID, "30000", "4000")

	result, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID)
	if err != nil {
		t.Fatalf("PerformFullCalculation: %v", err)
	}
	// taxable 15400: federal 1100 + 528 = 1628, state 770, total 2398
	if !result.TotalTaxOwed.Equal(dec("2398")) {
		t.Fatalf("total = %s", result.TotalTaxOwed)
	}
	if !result.RefundAmount.Equal(dec("1602")) || !result.AmountOwed.IsZero() {
		t.Fatalf("refund = %s owed = %s", result.RefundAmount, result.AmountOwed)
	}
}

func TestIncomeBelowDeductionYieldsZeroTax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)
	f.addProcessedDocument(t, session.ID, "10000", "")

	result, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID)
	if err != nil {
		t.Fatalf("PerformFullCalculation: %v", err)
	}
	if !result.TaxableIncome.IsZero() || !result.TotalTaxOwed.IsZero() || !result.EffectiveRate.IsZero() {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.RefundAmount.IsZero() {
		t.Fatalf("refund field should be zero, got %s", result.RefundAmount)
	}
}

func TestTerminalSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 2024)
	p := f.pipeline(nil)
	if _, err := p.PerformFullCalculation(ctx, session.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := p.PerformFullCalculation(ctx, session.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on rerun, got %v", err)
	}
	steps, _ := f.store.ListSteps(ctx, session.ID, 0)
	if len(steps) != 5 {
		t.Fatalf("rerun must not duplicate steps, got %d", len(steps))
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline(nil).PerformFullCalculation(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsupportedYearFailsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session, _ := f.store.CreateSession(ctx, "alice", 1999)
	if _, err := f.pipeline(nil).PerformFullCalculation(ctx, session.ID); !errors.Is(err, models.ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}
	got, _ := f.store.SessionByID(ctx, session.ID)
	if got.Status != models.SessionError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
}

func TestCancellationMarksSessionError(t *testing.T) {
	f := newFixture(t)
	session, _ := f.store.CreateSession(context.Background(), "alice", 2024)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p := f.pipeline(func(o *Options) { o.StepDelay = time.Second })
	if _, err := p.PerformFullCalculation(ctx, session.ID); !errors.Is(err, models.ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}
	got, _ := f.store.SessionByID(context.Background(), session.ID)
	if got.Status != models.SessionError || got.CompletionProgress != 10 {
		t.Fatalf("expected ERROR at 10, got %s at %d", got.Status, got.CompletionProgress)
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("0.04", "", "1000", false, time.Millisecond)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !opts.StateRate.Equal(dec("0.04")) || !opts.PlaceholderIncome.Equal(dec("75000")) || !opts.PlaceholderWithheld.Equal(dec("1000")) {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := ParseOptions("abc", "", "", true, 0); err == nil {
		t.Fatalf("expected error for invalid rate")
	}
	if _, err := ParseOptions("-0.1", "", "", true, 0); err == nil {
		t.Fatalf("expected error for negative rate")
	}
}
