package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kora/internal/domain"
	"kora/internal/metrics"
)

type PendingLister interface {
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error)
}

type Expirer interface {
	ExpireSession(ctx context.Context, sessionID string) (bool, error)
}

type Clock interface {
	Now() time.Time
}

// Sweeper periodically expires pending sessions whose deadline has passed.
// It is an optimization over lazy expiry on read, so a skipped or partial
// pass is harmless.
type Sweeper struct {
	lister    PendingLister
	expirer   Expirer
	clock     Clock
	interval  time.Duration
	timeout   time.Duration
	batchSize int
	metrics   metrics.Recorder
	logger    *zap.Logger

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	done           chan struct{}
}

func NewSweeper(
	lister PendingLister,
	expirer Expirer,
	clock Clock,
	interval time.Duration,
	timeout time.Duration,
	batchSize int,
	recorder metrics.Recorder,
	logger *zap.Logger,
) *Sweeper {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Sweeper{
		lister:         lister,
		expirer:        expirer,
		clock:          clock,
		interval:       interval,
		timeout:        timeout,
		batchSize:      batchSize,
		metrics:        recorder,
		logger:         logger,
		shutdownSignal: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting expiry sweeper", zap.Duration("interval", s.interval), zap.Int("batch_size", s.batchSize))
	ticker := time.NewTicker(s.interval)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Expiry sweeper context cancelled")
				return
			case <-s.shutdownSignal:
				s.logger.Info("Expiry sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Signaling expiry sweeper to stop...")
		close(s.shutdownSignal)
	})
	if s.done != nil {
		<-s.done
	}
}

// Sweep runs one bounded pass and returns how many sessions it expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	passCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	due, err := s.lister.ListExpiredPending(passCtx, s.clock.Now(), s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list expired pending sessions", zap.Error(err))
		s.observe(start, "error")
		return 0
	}
	if len(due) == 0 {
		s.logger.Debug("No expired pending sessions found")
		s.observe(start, "ok")
		return 0
	}

	var expired int
	for i, session := range due {
		if passCtx.Err() != nil {
			s.logger.Warn("Sweep pass ran out of time", zap.Int("expired", expired), zap.Int("remaining", len(due)-i))
			break
		}
		ok, err := s.expirer.ExpireSession(passCtx, session.SessionID)
		switch {
		case err == nil && ok:
			expired++
		case err == nil:
			s.logger.Debug("Session settled before sweep", zap.String("session_id", session.SessionID))
		case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionNotDue):
			s.logger.Debug("Skipping session", zap.String("session_id", session.SessionID), zap.Error(err))
		default:
			s.logger.Error("Failed to expire session", zap.String("session_id", session.SessionID), zap.Error(err))
		}
	}

	s.logger.Info("Expiry sweep finished", zap.Int("found", len(due)), zap.Int("expired", expired))
	s.observe(start, "ok")
	return expired
}

func (s *Sweeper) observe(start time.Time, outcome string) {
	s.metrics.ObserveLatency(metrics.OperationSweep, time.Since(start), map[string]string{"outcome": outcome})
}
