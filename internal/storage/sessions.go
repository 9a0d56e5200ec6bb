package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taxflow/internal/models"
)

const sessionColumns = `id, owner_id, tax_year, status, completion_progress,
	total_income, total_deductions, taxable_income, federal_tax_owed,
	state_tax_owed, total_tax_owed, refund_amount, effective_rate,
	income_source, error_message, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s            models.Session
		status       string
		incomeSource sql.NullString
		errMsg       sql.NullString
		completedAt  sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.TaxYear, &status, &s.CompletionProgress,
		&s.TotalIncome, &s.TotalDeductions, &s.TaxableIncome, &s.FederalTaxOwed,
		&s.StateTaxOwed, &s.TotalTaxOwed, &s.RefundAmount, &s.EffectiveRate,
		&incomeSource, &errMsg, &s.CreatedAt, &s.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.IncomeSource = models.IncomeSource(incomeSource.String)
	s.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// CreateSession inserts a PENDING session with zero progress for the owner.
func (s *Store) CreateSession(ctx context.Context, ownerID string, taxYear int) (*models.Session, error) {
	now := s.timestamp()
	session := &models.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		TaxYear:   taxYear,
		Status:    models.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.exec(ctx,
		`INSERT INTO tax_sessions (id, owner_id, tax_year, status, completion_progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		session.ID, ownerID, taxYear, string(models.SessionPending), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession returns the session if it exists and belongs to the owner.
// Absent and foreign sessions are indistinguishable.
func (s *Store) GetSession(ctx context.Context, ownerID, id string) (*models.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM tax_sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// SessionByID loads a session without ownership scoping; for background components only.
func (s *Store) SessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM tax_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// ListSessions returns the owner's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*models.Session, error) {
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM tax_sessions WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetSessionDetail returns the owned session with its steps (newest first) and documents.
func (s *Store) GetSessionDetail(ctx context.Context, ownerID, id string) (*models.SessionDetail, error) {
	session, err := s.GetSession(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListSteps(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	docs, err := s.ListDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.SessionDetail{Session: session, Calculations: steps, Documents: docs}, nil
}

// ClaimSession moves a PENDING session to PROCESSING. It reports whether this caller won the claim.
func (s *Store) ClaimSession(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.SessionProcessing), s.timestamp(), id, string(models.SessionPending))
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	return affected(res)
}

// AdvanceProgress raises completion progress of a PROCESSING session. Progress never moves backwards.
func (s *Store) AdvanceProgress(ctx context.Context, id string, progress int) (bool, error) {
	if progress < 0 || progress > 100 {
		return false, fmt.Errorf("%w: progress %d out of range", models.ErrValidation, progress)
	}
	res, err := s.exec(ctx,
		`UPDATE tax_sessions SET completion_progress = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND completion_progress <= ?`,
		progress, s.timestamp(), id, string(models.SessionProcessing), progress)
	if err != nil {
		return false, fmt.Errorf("advance progress: %w", err)
	}
	return affected(res)
}

// SetIncomeSource records where the income figure of the running calculation came from.
func (s *Store) SetIncomeSource(ctx context.Context, id string, source models.IncomeSource) error {
	_, err := s.exec(ctx,
		`UPDATE tax_sessions SET income_source = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(source), s.timestamp(), id, string(models.SessionProcessing))
	if err != nil {
		return fmt.Errorf("set income source: %w", err)
	}
	return nil
}

// CompleteSession writes every result field, status COMPLETED and progress 100 in one statement.
func (s *Store) CompleteSession(ctx context.Context, id string, result *models.CalculationResult) (bool, error) {
	now := s.timestamp()
	res, err := s.exec(ctx,
		`UPDATE tax_sessions SET
			total_income = ?, total_deductions = ?, taxable_income = ?, federal_tax_owed = ?,
			state_tax_owed = ?, total_tax_owed = ?, refund_amount = ?, effective_rate = ?,
			income_source = ?, status = ?, completion_progress = 100, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		result.TotalIncome.StringFixed(2), result.TotalDeductions.StringFixed(2),
		result.TaxableIncome.StringFixed(2), result.FederalTaxOwed.StringFixed(2),
		result.StateTaxOwed.StringFixed(2), result.TotalTaxOwed.StringFixed(2),
		result.RefundAmount.StringFixed(2), result.EffectiveRate.StringFixed(2),
		nullString(string(result.IncomeSource)), string(models.SessionCompleted), now, now,
		id, string(models.SessionProcessing))
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	return affected(res)
}

// FailSession marks a non-terminal session ERROR, keeping its last progress.
func (s *Store) FailSession(ctx context.Context, id, message string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_sessions SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(models.SessionError), nullString(message), s.timestamp(),
		id, string(models.SessionPending), string(models.SessionProcessing))
	if err != nil {
		return false, fmt.Errorf("fail session: %w", err)
	}
	return affected(res)
}

// FailStaleSessions marks PROCESSING sessions untouched since before as ERROR.
func (s *Store) FailStaleSessions(ctx context.Context, before time.Time, message string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE tax_sessions SET status = ?, error_message = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(models.SessionError), nullString(message), s.timestamp(),
		string(models.SessionProcessing), before.UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	return res.RowsAffected()
}
