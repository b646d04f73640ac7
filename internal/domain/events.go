package domain

import "time"

const EventPaymentCompleted = "payment.completed"

// SessionCompletedEvent is the payload delivered to the merchant callback
// and published on the payment status topic.
type SessionCompletedEvent struct {
	Event           string     `json:"event"`
	SessionID       string     `json:"session_id"`
	MerchantID      string     `json:"merchant_id"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	TransactionHash string     `json:"transaction_hash"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

func NewSessionCompletedEvent(s *PaymentSession, now time.Time) SessionCompletedEvent {
	return SessionCompletedEvent{
		Event:           EventPaymentCompleted,
		SessionID:       s.SessionID,
		MerchantID:      s.MerchantID,
		Amount:          s.Amount,
		Currency:        s.Currency,
		Status:          string(s.Status),
		TransactionHash: s.TransactionHash,
		CompletedAt:     s.CompletedAt,
		Timestamp:       now,
	}
}

const (
	ChainEventTransactionConfirmed = "transaction.confirmed"
	ChainEventTransactionFailed    = "transaction.failed"
)

// ChainTransactionEvent is received from the chain indexer.
type ChainTransactionEvent struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	SessionID       string    `json:"session_id"`
	TransactionHash string    `json:"transaction_hash"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
