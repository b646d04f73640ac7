package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"kora/internal/domain"
	"kora/internal/repository/session_repo"
)

const uniqueViolation = "23505"

const sessionColumns = `session_id, merchant_id, amount, currency, customer_email, callback_url, payment_url,
	status, transaction_hash, failure_reason, created_at, expires_at, updated_at, completed_at`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.SessionID,
		s.MerchantID,
		s.Amount,
		s.Currency,
		nullString(s.CustomerEmail),
		s.CallbackURL,
		s.PaymentURL,
		string(s.Status),
		nullString(s.TransactionHash),
		nullString(s.FailureReason),
		s.CreatedAt,
		s.ExpiresAt,
		s.UpdatedAt,
		nullTime(s.CompletedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("session %s: %w", s.SessionID, domain.ErrDuplicateSession)
		}
		return fmt.Errorf("failed to create payment session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.PaymentSession, error) {
	return r.getTx(ctx, r.db, id, false)
}

func (r *SessionRepository) CompareAndSet(ctx context.Context, id string, expected domain.SessionStatus, mutate session_repo.Mutator) (*domain.PaymentSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	session, err := r.compareAndSetTx(ctx, tx, id, expected, mutate)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("rollback failed after %v: %w", err, rbErr)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) compareAndSetTx(ctx context.Context, tx *sql.Tx, id string, expected domain.SessionStatus, mutate session_repo.Mutator) (*domain.PaymentSession, error) {
	current, err := r.getTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, fmt.Errorf("session %s is %s, expected %s: %w", id, current.Status, expected, domain.ErrConflict)
	}

	draft := session_repo.Clone(current)
	if err := mutate(draft); err != nil {
		return nil, err
	}
	session_repo.ApplyMutable(current, draft)

	query := `
		UPDATE payment_sessions
		SET status = $1, transaction_hash = $2, failure_reason = $3, updated_at = $4, completed_at = $5
		WHERE session_id = $6 AND status = $7
	`
	res, err := tx.ExecContext(ctx, query,
		string(current.Status),
		nullString(current.TransactionHash),
		nullString(current.FailureReason),
		current.UpdatedAt,
		nullTime(current.CompletedAt),
		id,
		string(expected),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment session %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected for session %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("session %s changed during update: %w", id, domain.ErrConflict)
	}
	return current, nil
}

func (r *SessionRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM payment_sessions
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, query, string(domain.SessionStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) getTx(ctx context.Context, querier domain.Querier, id string, forUpdate bool) (*domain.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE session_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(querier.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to get payment session %s: %w", id, err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.PaymentSession, error) {
	var (
		s                            domain.PaymentSession
		status                       string
		email, txHash, failureReason sql.NullString
		completedAt                  sql.NullTime
	)
	err := row.Scan(
		&s.SessionID,
		&s.MerchantID,
		&s.Amount,
		&s.Currency,
		&email,
		&s.CallbackURL,
		&s.PaymentURL,
		&status,
		&txHash,
		&failureReason,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	s.CustomerEmail = email.String
	s.TransactionHash = txHash.String
	s.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
