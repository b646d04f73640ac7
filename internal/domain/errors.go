package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidRequest = errors.New("invalid request")
var ErrUnsupportedCurrency = errors.New("unsupported currency")
var ErrSessionNotFound = errors.New("payment session not found")
var ErrInvalidStateTransition = errors.New("invalid state transition")
var ErrDuplicateSession = errors.New("duplicate session id")
var ErrConflict = errors.New("session was modified concurrently")
var ErrStoreUnavailable = errors.New("session store unavailable")
var ErrSessionExpired = errors.New("payment session expired")
var ErrSessionNotDue = errors.New("payment session has not reached its expiry")
var ErrTransactionUnverified = errors.New("transaction could not be verified on chain")
var ErrTransactionReverted = errors.New("transaction reverted on chain")
var ErrVerifierUnavailable = errors.New("chain verifier unavailable")

// ValidationError names the first offending field of a request. It matches
// ErrInvalidRequest, and ErrUnsupportedCurrency for whitelist misses.
type ValidationError struct {
	Field       string
	Reason      string
	Unsupported bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrInvalidRequest:
		return true
	case ErrUnsupportedCurrency:
		return e.Unsupported
	}
	return false
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func NewUnsupportedCurrencyError(symbol string) *ValidationError {
	return &ValidationError{
		Field:       "currency",
		Reason:      fmt.Sprintf("%q is not a supported settlement token", symbol),
		Unsupported: true,
	}
}

type StateTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("session %s cannot move from %s to %s", e.SessionID, e.From, e.To)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

func NewStateTransitionError(sessionID string, from, to SessionStatus) *StateTransitionError {
	return &StateTransitionError{SessionID: sessionID, From: from, To: to}
}
