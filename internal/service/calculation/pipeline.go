package calculation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"taxflow/internal/models"
	"taxflow/internal/service/documents"
	"taxflow/internal/service/tax"
)

// Store is the session persistence the pipeline drives.
type Store interface {
	SessionByID(ctx context.Context, id string) (*models.Session, error)
	ClaimSession(ctx context.Context, id string) (bool, error)
	AdvanceProgress(ctx context.Context, id string, progress int) (bool, error)
	SetIncomeSource(ctx context.Context, id string, source models.IncomeSource) error
	AppendStep(ctx context.Context, step *models.CalculationStep) error
	CompleteSession(ctx context.Context, id string, result *models.CalculationResult) (bool, error)
	FailSession(ctx context.Context, id, message string) (bool, error)
}

// Aggregator supplies the income and withholding extracted from processed documents.
type Aggregator interface {
	Aggregate(ctx context.Context, sessionID string) (documents.Aggregate, error)
}

// Options tune the pipeline.
type Options struct {
	StateRate           decimal.Decimal
	PlaceholderEnabled  bool
	PlaceholderIncome   decimal.Decimal
	PlaceholderWithheld decimal.Decimal
	// StepDelay is the pause after each recorded step.
	StepDelay time.Duration
}

// DefaultOptions mirrors the illustrative parameters of the bundled 2024 schedule.
func DefaultOptions() Options {
	return Options{
		StateRate:           decimal.RequireFromString("0.05"),
		PlaceholderEnabled:  true,
		PlaceholderIncome:   decimal.NewFromInt(75000),
		PlaceholderWithheld: decimal.NewFromInt(8500),
		StepDelay:           time.Second,
	}
}

// Pipeline runs the ordered calculation steps for one session.
type Pipeline struct {
	store Store
	docs  Aggregator
	opts  Options
}

func NewPipeline(store Store, docs Aggregator, opts Options) *Pipeline {
	return &Pipeline{store: store, docs: docs, opts: opts}
}

var stepDescriptions = map[models.StepType]string{
	models.StepDocumentProcessing:   "Processing uploaded documents",
	models.StepIncomeCalculation:    "Calculating total income",
	models.StepDeductionCalculation: "Calculating deductions",
	models.StepTaxCalculation:       "Calculating tax liability",
	models.StepRefundCalculation:    "Calculating refund amount",
}

const noWithholdingNote = " (no withholding reported)"

// PerformFullCalculation runs every step for the session and writes the result.
// On failure the session is marked ERROR at its last progress and the returned error
// wraps models.ErrCalculationFailed.
func (p *Pipeline) PerformFullCalculation(ctx context.Context, sessionID string) (*models.CalculationResult, error) {
	session, err := p.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.SessionCompleted, models.SessionError:
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrInvalidTransition, sessionID, session.Status)
	case models.SessionPending:
		won, err := p.store.ClaimSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, fmt.Errorf("%w: session %s already claimed", models.ErrInvalidTransition, sessionID)
		}
	}

	result, err := p.run(ctx, session)
	if err != nil {
		p.fail(ctx, sessionID, err)
		return nil, fmt.Errorf("%w: %v", models.ErrCalculationFailed, err)
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, session *models.Session) (*models.CalculationResult, error) {
	id := session.ID
	schedule, err := tax.ScheduleFor(session.TaxYear)
	if err != nil {
		return nil, err
	}

	if err := p.advance(ctx, id, 10); err != nil {
		return nil, err
	}
	agg, err := p.docs.Aggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.record(ctx, id, models.StepDocumentProcessing, decimal.NewFromInt(int64(agg.ProcessedCount))); err != nil {
		return nil, err
	}

	if err := p.advance(ctx, id, 25); err != nil {
		return nil, err
	}
	income, withheld := agg.Income, agg.Withheld
	source := models.IncomeFromDocuments
	if agg.ProcessedCount == 0 {
		if !p.opts.PlaceholderEnabled {
			return nil, errors.New("no processed documents")
		}
		income, withheld = p.opts.PlaceholderIncome, p.opts.PlaceholderWithheld
		source = models.IncomeFromPlaceholder
		log.Printf("calculation: session %s has no processed documents, using placeholder income", id)
	}
	if err := p.store.SetIncomeSource(ctx, id, source); err != nil {
		return nil, err
	}
	if err := p.record(ctx, id, models.StepIncomeCalculation, income); err != nil {
		return nil, err
	}

	if err := p.advance(ctx, id, 50); err != nil {
		return nil, err
	}
	deductions := schedule.StandardDeduction
	if err := p.record(ctx, id, models.StepDeductionCalculation, deductions); err != nil {
		return nil, err
	}

	taxable := decimal.Max(decimal.Zero, income.Sub(deductions))

	if err := p.advance(ctx, id, 75); err != nil {
		return nil, err
	}
	federal := schedule.FederalTax(taxable)
	state := taxable.Mul(p.opts.StateRate).Round(2)
	total := federal.Add(state)
	if err := p.record(ctx, id, models.StepTaxCalculation, total); err != nil {
		return nil, err
	}

	if err := p.advance(ctx, id, 90); err != nil {
		return nil, err
	}
	result := Summarize(income, deductions, taxable, federal, state, withheld)
	result.IncomeSource = source
	refundDesc := stepDescriptions[models.StepRefundCalculation]
	if source == models.IncomeFromDocuments && !agg.HasWithheld {
		refundDesc += noWithholdingNote
		log.Printf("calculation: session %s documents report no withholding, treating it as zero", id)
	}
	if err := p.recordStep(ctx, id, models.StepRefundCalculation, refundDesc, result.RefundAmount); err != nil {
		return nil, err
	}

	ok, err := p.store.CompleteSession(ctx, id, result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s left PROCESSING before completion", id)
	}
	return result, nil
}

// Summarize derives the refund, amount owed and effective rate from the computed taxes.
func Summarize(income, deductions, taxable, federal, state, withheld decimal.Decimal) *models.CalculationResult {
	total := federal.Add(state)
	refund := decimal.Max(decimal.Zero, withheld.Sub(total))
	owed := decimal.Max(decimal.Zero, total.Sub(withheld))
	signed := refund
	if !refund.IsPositive() {
		signed = owed.Neg()
	}
	rate := decimal.Zero
	if taxable.IsPositive() {
		rate = total.Div(taxable).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return &models.CalculationResult{
		TotalIncome:     income,
		TotalDeductions: deductions,
		TaxableIncome:   taxable,
		FederalTaxOwed:  federal,
		StateTaxOwed:    state,
		TotalTaxOwed:    total,
		WithheldTax:     withheld,
		RefundAmount:    signed,
		AmountOwed:      owed,
		EffectiveRate:   rate,
	}
}

func (p *Pipeline) advance(ctx context.Context, id string, progress int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := p.store.AdvanceProgress(ctx, id, progress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is no longer processing at %d%%", id, progress)
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, id string, stepType models.StepType, amount decimal.Decimal) error {
	return p.recordStep(ctx, id, stepType, stepDescriptions[stepType], amount)
}

func (p *Pipeline) recordStep(ctx context.Context, id string, stepType models.StepType, description string, amount decimal.Decimal) error {
	step := &models.CalculationStep{
		SessionID:   id,
		StepType:    stepType,
		Description: description,
		Amount:      decimal.NewNullDecimal(amount),
		Status:      models.StepCompleted,
	}
	if err := p.store.AppendStep(ctx, step); err != nil {
		return err
	}
	return p.pause(ctx)
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.opts.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.opts.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fail marks the session ERROR even when ctx is already cancelled.
func (p *Pipeline) fail(ctx context.Context, id string, cause error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.store.FailSession(failCtx, id, cause.Error()); err != nil {
		log.Printf("calculation: mark session %s failed: %v", id, err)
		return
	}
	log.Printf("calculation: session %s failed: %v", id, cause)
}

// ParseOptions builds pipeline options from configuration strings.
func ParseOptions(stateRate, placeholderIncome, placeholderWithheld string, placeholderEnabled bool, stepDelay time.Duration) (Options, error) {
	opts := DefaultOptions()
	opts.PlaceholderEnabled = placeholderEnabled
	opts.StepDelay = stepDelay
	for name, pair := range map[string]struct {
		raw string
		dst *decimal.Decimal
	}{
		"state_rate":           {stateRate, &opts.StateRate},
		"placeholder_income":   {placeholderIncome, &opts.PlaceholderIncome},
		"placeholder_withheld": {placeholderWithheld, &opts.PlaceholderWithheld},
	} {
		if pair.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(pair.raw)
		if err != nil {
			return Options{}, fmt.Errorf("invalid %s %q: %w", name, pair.raw, err)
		}
		if v.IsNegative() {
			return Options{}, fmt.Errorf("invalid %s: must not be negative", name)
		}
		*pair.dst = v
	}
	return opts, nil
}
