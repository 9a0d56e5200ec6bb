package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"taxflow/internal/models"
)

var stepOrder = map[models.StepType]int{
	models.StepDocumentProcessing:   1,
	models.StepIncomeCalculation:    2,
	models.StepDeductionCalculation: 3,
	models.StepTaxCalculation:       4,
	models.StepRefundCalculation:    5,
}

// AppendStep records a completed pipeline step. A second row of the same type for a session
// returns ErrStepExists.
func (s *Store) AppendStep(ctx context.Context, step *models.CalculationStep) error {
	order, ok := stepOrder[step.StepType]
	if !ok {
		return fmt.Errorf("%w: unknown step type %q", models.ErrValidation, step.StepType)
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = models.StepCompleted
	}
	if step.ProcessedAt.IsZero() {
		step.ProcessedAt = s.timestamp()
	}
	var amount any
	if step.Amount.Valid {
		amount = step.Amount.Decimal.StringFixed(2)
	}
	_, err := s.exec(ctx,
		`INSERT INTO calculation_steps (id, session_id, step_type, step_order, description, amount, status, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.SessionID, string(step.StepType), order, step.Description, amount,
		string(step.Status), step.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrStepExists, step.StepType)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// ListSteps returns the session's steps newest first. limit <= 0 returns all of them.
func (s *Store) ListSteps(ctx context.Context, sessionID string, limit int) ([]*models.CalculationStep, error) {
	query := `SELECT id, session_id, step_type, description, amount, status, processed_at
		FROM calculation_steps WHERE session_id = ?
		ORDER BY processed_at DESC, step_order DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*models.CalculationStep, 0)
	for rows.Next() {
		var (
			step     models.CalculationStep
			stepType string
			status   string
		)
		if err := rows.Scan(&step.ID, &step.SessionID, &stepType, &step.Description,
			&step.Amount, &status, &step.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.StepType = models.StepType(stepType)
		step.Status = models.StepStatus(status)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// RecentSteps returns at most n steps, newest first.
func (s *Store) RecentSteps(ctx context.Context, sessionID string, n int) ([]*models.CalculationStep, error) {
	if n <= 0 {
		return []*models.CalculationStep{}, nil
	}
	return s.ListSteps(ctx, sessionID, n)
}
