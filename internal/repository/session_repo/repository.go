package session_repo

import (
	"context"
	"time"

	"kora/internal/domain"
)

// Mutator edits a copy of the stored session. Returning an error aborts the
// update and the error is passed back to the CompareAndSet caller.
type Mutator func(s *domain.PaymentSession) error

// SessionRepository is keyed persistence for payment sessions.
//
// Create fails with domain.ErrDuplicateSession when the id is taken. Get and
// CompareAndSet fail with domain.ErrSessionNotFound for unknown ids.
// CompareAndSet is atomic per id: it fails with domain.ErrConflict when the
// stored status differs from expected, and only the mutable fields (status,
// transaction hash, failure reason, completion and update times) are
// persisted from the mutated copy.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.PaymentSession) error
	Get(ctx context.Context, id string) (*domain.PaymentSession, error)
	CompareAndSet(ctx context.Context, id string, expected domain.SessionStatus, mutate Mutator) (*domain.PaymentSession, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error)
}

// ApplyMutable copies the fields a transition may change from src to dst.
func ApplyMutable(dst, src *domain.PaymentSession) {
	dst.Status = src.Status
	dst.TransactionHash = src.TransactionHash
	dst.FailureReason = src.FailureReason
	dst.UpdatedAt = src.UpdatedAt
	dst.CompletedAt = nil
	if src.CompletedAt != nil {
		t := *src.CompletedAt
		dst.CompletedAt = &t
	}
}

// Clone returns a deep copy of s.
func Clone(s *domain.PaymentSession) *domain.PaymentSession {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
