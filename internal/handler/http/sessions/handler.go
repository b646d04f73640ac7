package sessions_http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kora/internal/app/sessions"
	"kora/internal/domain"
)

const maxBodyBytes = 1 << 20

type SessionHandler struct {
	service sessions.SessionService
	logger  *zap.Logger
}

func NewSessionHandler(s sessions.SessionService, l *zap.Logger) *SessionHandler {
	return &SessionHandler{service: s, logger: l}
}

type CreateSessionResponse struct {
	SessionID  string `json:"session_id"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at"`
	Status     string `json:"status"`
}

type SessionStatusResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

type ConfirmSessionRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

type ConfirmSessionResponse struct {
	Success         bool   `json:"success"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (h *SessionHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.service.CreateSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CreateSessionResponse{
		SessionID:  session.SessionID,
		PaymentURL: session.PaymentURL,
		ExpiresAt:  session.ExpiresAt.UTC().Format(time.RFC3339Nano),
		Status:     string(session.Status),
	})
}

func (h *SessionHandler) GetSessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	session, err := h.service.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID:       session.SessionID,
		Status:          string(session.Status),
		Amount:          session.Amount,
		Currency:        session.Currency,
		TransactionHash: session.TransactionHash,
	})
}

func (h *SessionHandler) ConfirmSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req ConfirmSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.service.ConfirmSession(r.Context(), sessionID, req.TransactionHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ConfirmSessionResponse{
		Success:         true,
		SessionID:       session.SessionID,
		Status:          string(session.Status),
		TransactionHash: session.TransactionHash,
	})
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("Invalid request body", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

// writeError maps service errors onto HTTP outcomes.
func (h *SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *domain.ValidationError
		te *domain.StateTransitionError
	)
	switch {
	case errors.As(err, &ve):
		msg := "Invalid request"
		if ve.Unsupported {
			msg = "Unsupported currency"
		}
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Field: ve.Field, Reason: ve.Reason})
	case errors.Is(err, domain.ErrSessionNotFound):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Payment session not found"})
	case errors.As(err, &te):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "Invalid state transition",
			Reason: "session is " + string(te.From),
		})
	case errors.Is(err, domain.ErrTransactionReverted), errors.Is(err, domain.ErrTransactionUnverified):
		h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Transaction not verified", Reason: err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrVerifierUnavailable):
		h.logger.Error("Dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Service temporarily unavailable"})
	default:
		h.logger.Error("Unhandled error", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func (h *SessionHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
