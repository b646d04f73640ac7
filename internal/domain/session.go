package domain

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusFailed    SessionStatus = "failed"
)

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Only pending sessions move, and only into a terminal state.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return s == SessionStatusPending && next.IsTerminal()
}

// PaymentSession is one payment request tracked from creation through a
// terminal state. TransactionHash is set if and only if Status is completed.
type PaymentSession struct {
	SessionID       string
	MerchantID      string
	Amount          string
	Currency        string
	CustomerEmail   string
	CallbackURL     string
	PaymentURL      string
	Status          SessionStatus
	TransactionHash string
	FailureReason   string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

type CreateSessionRequest struct {
	MerchantID    string `json:"merchant_id" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	Currency      string `json:"currency" validate:"required"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CallbackURL   string `json:"callback_url" validate:"required,url"`
}

func NewPaymentSession(id, paymentURL string, req CreateSessionRequest, now time.Time, ttl time.Duration) (*PaymentSession, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	return &PaymentSession{
		SessionID:     id,
		MerchantID:    req.MerchantID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		CallbackURL:   req.CallbackURL,
		PaymentURL:    paymentURL,
		Status:        SessionStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		UpdatedAt:     now,
	}, nil
}

// IsDue reports whether a pending session has reached its expiry time.
func (s *PaymentSession) IsDue(now time.Time) bool {
	return s.Status == SessionStatusPending && !now.Before(s.ExpiresAt)
}

func (s *PaymentSession) MarkCompleted(txHash string, now time.Time) error {
	if !s.Status.CanTransitionTo(SessionStatusCompleted) {
		return NewStateTransitionError(s.SessionID, s.Status, SessionStatusCompleted)
	}
	if s.IsDue(now) {
		return ErrSessionExpired
	}
	s.Status = SessionStatusCompleted
	s.TransactionHash = txHash
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

func (s *PaymentSession) MarkExpired(now time.Time) error {
	if !s.Status.CanTransitionTo(SessionStatusExpired) {
		return NewStateTransitionError(s.SessionID, s.Status, SessionStatusExpired)
	}
	if !s.IsDue(now) {
		return fmt.Errorf("session %s expires at %s: %w", s.SessionID, s.ExpiresAt.Format(time.RFC3339), ErrSessionNotDue)
	}
	s.Status = SessionStatusExpired
	s.UpdatedAt = now
	return nil
}

func (s *PaymentSession) MarkFailed(reason string, now time.Time) error {
	if !s.Status.CanTransitionTo(SessionStatusFailed) {
		return NewStateTransitionError(s.SessionID, s.Status, SessionStatusFailed)
	}
	if s.IsDue(now) {
		return ErrSessionExpired
	}
	s.Status = SessionStatusFailed
	s.FailureReason = reason
	s.UpdatedAt = now
	return nil
}
