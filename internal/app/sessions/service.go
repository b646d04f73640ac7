package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"kora/internal/chain"
	"kora/internal/domain"
	"kora/internal/metrics"
	"kora/internal/repository/session_repo"
	"kora/internal/util"
)

type SessionService interface {
	CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.PaymentSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*domain.PaymentSession, error)
	ConfirmSession(ctx context.Context, sessionID, txHash string) (*domain.PaymentSession, error)
	FailSession(ctx context.Context, sessionID, reason string) (*domain.PaymentSession, error)
	ExpireSession(ctx context.Context, sessionID string) (bool, error)
}

type RequestValidator interface {
	ValidateCreate(req domain.CreateSessionRequest) error
	ValidateConfirm(txHash string) error
}

// EventDispatcher hands completion events to webhook delivery without
// blocking the caller.
type EventDispatcher interface {
	Dispatch(callbackURL string, event domain.SessionCompletedEvent) bool
}

type Settings struct {
	TTL            time.Duration
	PaymentBaseURL string
	MaxIDAttempts  int
	MaxCASRetries  int
}

type Option func(*sessionService)

func WithClock(c util.Clock) Option {
	return func(s *sessionService) { s.clock = c }
}

func WithIDGenerator(g util.IDGenerator) Option {
	return func(s *sessionService) { s.ids = g }
}

func WithVerifier(v chain.Verifier) Option {
	return func(s *sessionService) { s.verifier = v }
}

func WithDispatcher(d EventDispatcher) Option {
	return func(s *sessionService) { s.dispatcher = d }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *sessionService) { s.metrics = r }
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, domain.SessionCompletedEvent) bool { return true }

type sessionService struct {
	repo       session_repo.SessionRepository
	validator  RequestValidator
	settings   Settings
	clock      util.Clock
	ids        util.IDGenerator
	verifier   chain.Verifier
	dispatcher EventDispatcher
	metrics    metrics.Recorder
	logger     *zap.Logger
}

func NewSessionService(
	repo session_repo.SessionRepository,
	validator RequestValidator,
	settings Settings,
	logger *zap.Logger,
	opts ...Option,
) SessionService {
	if settings.MaxIDAttempts < 1 {
		settings.MaxIDAttempts = 1
	}
	if settings.MaxCASRetries < 0 {
		settings.MaxCASRetries = 0
	}
	s := &sessionService{
		repo:       repo,
		validator:  validator,
		settings:   settings,
		clock:      util.SystemClock{},
		ids:        util.UUIDGenerator{},
		verifier:   chain.NoopVerifier{},
		dispatcher: noopDispatcher{},
		metrics:    metrics.NoopRecorder{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sessionService) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (session *domain.PaymentSession, err error) {
	defer s.observe(metrics.OperationCreate, time.Now(), &err)

	if err := s.validator.ValidateCreate(req); err != nil {
		s.logger.Warn("Rejected payment session request", zap.String("merchant_id", req.MerchantID), zap.Error(err))
		return nil, err
	}
	req.MerchantID = strings.TrimSpace(req.MerchantID)
	req.Amount = strings.TrimSpace(req.Amount)
	req.CallbackURL = strings.TrimSpace(req.CallbackURL)

	now := s.clock.Now()
	for attempt := 1; attempt <= s.settings.MaxIDAttempts; attempt++ {
		id, err := s.ids.NewSessionID()
		if err != nil {
			return nil, err
		}
		candidate, err := domain.NewPaymentSession(id, s.paymentURL(id), req, now, s.settings.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to build payment session: %w", err)
		}

		err = s.repo.Create(ctx, candidate)
		if err == nil {
			s.metrics.IncCounter(metrics.SessionsCreated, map[string]string{"currency": candidate.Currency})
			s.logger.Info("Payment session created",
				zap.String("session_id", candidate.SessionID),
				zap.String("merchant_id", candidate.MerchantID),
				zap.String("amount", candidate.Amount),
				zap.String("currency", candidate.Currency),
				zap.Time("expires_at", candidate.ExpiresAt),
			)
			return candidate, nil
		}
		if !errors.Is(err, domain.ErrDuplicateSession) {
			return nil, storeError(err)
		}
		s.logger.Warn("Session id collision, regenerating", zap.String("session_id", id), zap.Int("attempt", attempt))
	}

	return nil, fmt.Errorf("%w: no unique session id after %d attempts", domain.ErrStoreUnavailable, s.settings.MaxIDAttempts)
}

// GetSessionStatus returns the current snapshot. A pending session past its
// expiry is moved to expired before it is returned.
func (s *sessionService) GetSessionStatus(ctx context.Context, sessionID string) (session *domain.PaymentSession, err error) {
	defer s.observe(metrics.OperationGetStatus, time.Now(), &err)
	return s.current(ctx, sessionID)
}

func (s *sessionService) ConfirmSession(ctx context.Context, sessionID, txHash string) (session *domain.PaymentSession, err error) {
	defer s.observe(metrics.OperationConfirm, time.Now(), &err)

	current, err := s.current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateConfirm(txHash); err != nil {
		return nil, err
	}
	if current.Status != domain.SessionStatusPending {
		s.logger.Warn("Rejected confirmation of non-pending session",
			zap.String("session_id", sessionID),
			zap.String("status", string(current.Status)),
		)
		return nil, domain.NewStateTransitionError(sessionID, current.Status, domain.SessionStatusCompleted)
	}

	if err := s.verifier.VerifyTransaction(ctx, txHash); err != nil {
		if errors.Is(err, domain.ErrTransactionReverted) {
			if _, failErr := s.transition(ctx, sessionID, domain.SessionStatusFailed, func(p *domain.PaymentSession, now time.Time) error {
				return p.MarkFailed("transaction reverted: "+txHash, now)
			}); failErr != nil {
				s.logger.Warn("Could not mark session failed after reverted transaction", zap.String("session_id", sessionID), zap.Error(failErr))
			}
		}
		return nil, err
	}

	updated, err := s.transition(ctx, sessionID, domain.SessionStatusCompleted, func(p *domain.PaymentSession, now time.Time) error {
		return p.MarkCompleted(txHash, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncCounter(metrics.SessionsCompleted, map[string]string{"currency": updated.Currency})
	s.logger.Info("Payment session completed",
		zap.String("session_id", updated.SessionID),
		zap.String("transaction_hash", updated.TransactionHash),
	)
	s.dispatcher.Dispatch(updated.CallbackURL, domain.NewSessionCompletedEvent(updated, s.clock.Now()))
	return updated, nil
}

func (s *sessionService) FailSession(ctx context.Context, sessionID, reason string) (session *domain.PaymentSession, err error) {
	defer s.observe(metrics.OperationFail, time.Now(), &err)

	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	current, err := s.current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.SessionStatusPending {
		return nil, domain.NewStateTransitionError(sessionID, current.Status, domain.SessionStatusFailed)
	}
	updated, err := s.transition(ctx, sessionID, domain.SessionStatusFailed, func(p *domain.PaymentSession, now time.Time) error {
		return p.MarkFailed(reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncCounter(metrics.SessionsFailed, map[string]string{"currency": updated.Currency})
	s.logger.Info("Payment session failed", zap.String("session_id", sessionID), zap.String("reason", reason))
	return updated, nil
}

// ExpireSession moves a due pending session to expired. It reports false when
// another writer already moved the session to a terminal state.
func (s *sessionService) ExpireSession(ctx context.Context, sessionID string) (bool, error) {
	_, expired, err := s.expire(ctx, sessionID, s.clock.Now())
	return expired, err
}

// current reads a session and applies lazy expiry.
func (s *sessionService) current(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		return nil, storeError(err)
	}

	now := s.clock.Now()
	if !session.IsDue(now) {
		return session, nil
	}
	updated, _, err := s.expire(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *sessionService) expire(ctx context.Context, sessionID string, now time.Time) (*domain.PaymentSession, bool, error) {
	updated, err := s.repo.CompareAndSet(ctx, sessionID, domain.SessionStatusPending, func(p *domain.PaymentSession) error {
		return p.MarkExpired(now)
	})
	switch {
	case err == nil:
		s.metrics.IncCounter(metrics.SessionsExpired, map[string]string{"currency": updated.Currency})
		s.logger.Info("Payment session expired", zap.String("session_id", sessionID), zap.Time("expires_at", updated.ExpiresAt))
		return updated, true, nil
	case errors.Is(err, domain.ErrConflict):
		// Terminal states never change again, so one re-read is enough.
		current, getErr := s.repo.Get(ctx, sessionID)
		if getErr != nil {
			return nil, false, storeError(getErr)
		}
		return current, false, nil
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionNotDue):
		return nil, false, err
	default:
		return nil, false, storeError(err)
	}
}

// transition moves a pending session to target through CompareAndSet. A
// losing writer re-reads and fails with a state transition error once the
// session is terminal; an expiry found at write time wins over the
// transition.
func (s *sessionService) transition(ctx context.Context, sessionID string, target domain.SessionStatus, apply func(p *domain.PaymentSession, now time.Time) error) (*domain.PaymentSession, error) {
	for attempt := 0; attempt <= s.settings.MaxCASRetries; attempt++ {
		now := s.clock.Now()
		updated, err := s.repo.CompareAndSet(ctx, sessionID, domain.SessionStatusPending, func(p *domain.PaymentSession) error {
			return apply(p, now)
		})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, domain.ErrSessionExpired):
			current, _, expErr := s.expire(ctx, sessionID, now)
			if expErr != nil {
				return nil, expErr
			}
			return nil, domain.NewStateTransitionError(sessionID, current.Status, target)
		case errors.Is(err, domain.ErrConflict):
			s.metrics.IncCounter(metrics.StoreConflicts, nil)
			current, getErr := s.repo.Get(ctx, sessionID)
			if getErr != nil {
				return nil, storeError(getErr)
			}
			if current.Status != domain.SessionStatusPending {
				return nil, domain.NewStateTransitionError(sessionID, current.Status, target)
			}
			s.logger.Debug("Spurious conflict on pending session, retrying", zap.String("session_id", sessionID), zap.Int("attempt", attempt))
		case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrInvalidStateTransition):
			return nil, err
		default:
			return nil, storeError(err)
		}
	}
	return nil, fmt.Errorf("%w: session %s kept conflicting after %d retries", domain.ErrStoreUnavailable, sessionID, s.settings.MaxCASRetries)
}

func (s *sessionService) paymentURL(sessionID string) string {
	return strings.TrimRight(s.settings.PaymentBaseURL, "/") + "/payment/" + url.PathEscape(sessionID)
}

func (s *sessionService) observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = "error"
	}
	s.metrics.ObserveLatency(op, time.Since(start), map[string]string{"outcome": outcome})
}

func storeError(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
