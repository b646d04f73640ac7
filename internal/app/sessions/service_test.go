package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kora/internal/app/sessions"
	"kora/internal/currency"
	"kora/internal/domain"
	"kora/internal/metrics"
	"kora/internal/repository/session_repo"
	"kora/internal/repository/session_repo/memory"
	"kora/internal/validation"
)

const testTxHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqIDs hands out the queued ids first, then sess_test_N.
type seqIDs struct {
	mu     sync.Mutex
	queued []string
	n      int
}

func (g *seqIDs) NewSessionID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queued) > 0 {
		id := g.queued[0]
		g.queued = g.queued[1:]
		return id, nil
	}
	g.n++
	return fmt.Sprintf("sess_test_%d", g.n), nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	urls   []string
	events []domain.SessionCompletedEvent
}

func (d *recordingDispatcher) Dispatch(callbackURL string, event domain.SessionCompletedEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, callbackURL)
	d.events = append(d.events, event)
	return true
}

type stubVerifier struct{ err error }

func (v stubVerifier) VerifyTransaction(context.Context, string) error { return v.err }

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, s *domain.PaymentSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockRepo) Get(ctx context.Context, id string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.PaymentSession)
	return s, args.Error(1)
}

func (m *mockRepo) CompareAndSet(ctx context.Context, id string, expected domain.SessionStatus, mutate session_repo.Mutator) (*domain.PaymentSession, error) {
	args := m.Called(ctx, id, expected, mutate)
	s, _ := args.Get(0).(*domain.PaymentSession)
	return s, args.Error(1)
}

func (m *mockRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error) {
	args := m.Called(ctx, now, limit)
	s, _ := args.Get(0).([]domain.PaymentSession)
	return s, args.Error(1)
}

type fixture struct {
	svc        sessions.SessionService
	repo       *memory.SessionRepository
	clock      *fakeClock
	ids        *seqIDs
	dispatcher *recordingDispatcher
}

func newValidator(t *testing.T) *validation.Validator {
	t.Helper()
	wl, err := currency.NewWhitelist(currency.DefaultTokens())
	require.NoError(t, err)
	return validation.New(wl)
}

func testSettings() sessions.Settings {
	return sessions.Settings{
		TTL:            30 * time.Minute,
		PaymentBaseURL: "http://localhost:3000/",
		MaxIDAttempts:  3,
		MaxCASRetries:  2,
	}
}

func newFixture(t *testing.T, opts ...sessions.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:       memory.NewSessionRepository(),
		clock:      newFakeClock(),
		ids:        &seqIDs{},
		dispatcher: &recordingDispatcher{},
	}
	all := append([]sessions.Option{
		sessions.WithClock(f.clock),
		sessions.WithIDGenerator(f.ids),
		sessions.WithDispatcher(f.dispatcher),
	}, opts...)
	f.svc = sessions.NewSessionService(f.repo, newValidator(t), testSettings(), zap.NewNop(), all...)
	return f
}

func validRequest() domain.CreateSessionRequest {
	return domain.CreateSessionRequest{
		MerchantID:    "merchant_test_001",
		Amount:        "50.00",
		Currency:      "USDC",
		CustomerEmail: "test@example.com",
		CallbackURL:   "https://example.com/webhook",
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("creates a pending session", func(t *testing.T) {
		s, err := f.svc.CreateSession(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusPending, s.Status)
		assert.Equal(t, "50.00", s.Amount)
		assert.Equal(t, "http://localhost:3000/payment/"+s.SessionID, s.PaymentURL)
		assert.True(t, s.ExpiresAt.After(s.CreatedAt))
		assert.Equal(t, 30*time.Minute, s.ExpiresAt.Sub(s.CreatedAt))

		stored, err := f.svc.GetSessionStatus(ctx, s.SessionID)
		require.NoError(t, err)
		assert.Equal(t, s.SessionID, stored.SessionID)
		assert.Equal(t, domain.SessionStatusPending, stored.Status)
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			s, err := f.svc.CreateSession(ctx, validRequest())
			require.NoError(t, err)
			assert.False(t, seen[s.SessionID])
			seen[s.SessionID] = true
		}
	})
}

func TestCreateSession_InvalidRequestsPersistNothing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *domain.CreateSessionRequest)
		field  string
	}{
		{"missing merchant", func(r *domain.CreateSessionRequest) { r.MerchantID = "  " }, "merchant_id"},
		{"zero amount", func(r *domain.CreateSessionRequest) { r.Amount = "0" }, "amount"},
		{"negative amount", func(r *domain.CreateSessionRequest) { r.Amount = "-5" }, "amount"},
		{"non numeric amount", func(r *domain.CreateSessionRequest) { r.Amount = "fifty" }, "amount"},
		{"missing currency", func(r *domain.CreateSessionRequest) { r.Currency = "" }, "currency"},
		{"missing callback", func(r *domain.CreateSessionRequest) { r.CallbackURL = "" }, "callback_url"},
		{"bad callback", func(r *domain.CreateSessionRequest) { r.CallbackURL = "not a url" }, "callback_url"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(mockRepo)
			svc := sessions.NewSessionService(repo, newValidator(t), testSettings(), zap.NewNop())

			req := validRequest()
			tc.mutate(&req)
			_, err := svc.CreateSession(context.Background(), req)

			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateSession_UnsupportedCurrency(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Currency = "BTC"

	_, err := f.svc.CreateSession(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedCurrency))
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = f.svc.GetSessionStatus(context.Background(), "sess_test_1")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestCreateSession_RegeneratesOnDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ids.queued = []string{"sess_taken"}
	_, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	f.ids.queued = []string{"sess_taken", "sess_taken", "sess_fresh"}
	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "sess_fresh", s.SessionID)
}

func TestCreateSession_GivesUpAfterMaxIDAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ids.queued = []string{"sess_taken"}
	_, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	f.ids.queued = []string{"sess_taken", "sess_taken", "sess_taken"}
	_, err = f.svc.CreateSession(ctx, validRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, domain.ErrDuplicateSession))
}

func TestConfirmSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, confirmed.Status)
	assert.Equal(t, testTxHash, confirmed.TransactionHash)
	require.NotNil(t, confirmed.CompletedAt)

	status, err := f.svc.GetSessionStatus(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, status.Status)
	assert.Equal(t, testTxHash, status.TransactionHash)

	require.Len(t, f.dispatcher.events, 1)
	assert.Equal(t, "https://example.com/webhook", f.dispatcher.urls[0])
	event := f.dispatcher.events[0]
	assert.Equal(t, domain.EventPaymentCompleted, event.Event)
	assert.Equal(t, s.SessionID, event.SessionID)
	assert.Equal(t, testTxHash, event.TransactionHash)

	t.Run("second confirmation is rejected", func(t *testing.T) {
		other := "0x" + strings.Repeat("b", 64)
		_, err := f.svc.ConfirmSession(ctx, s.SessionID, other)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))

		status, err := f.svc.GetSessionStatus(ctx, s.SessionID)
		require.NoError(t, err)
		assert.Equal(t, testTxHash, status.TransactionHash)
		assert.Len(t, f.dispatcher.events, 1)
	})

	t.Run("malformed hash", func(t *testing.T) {
		fresh, err := f.svc.CreateSession(ctx, validRequest())
		require.NoError(t, err)
		_, err = f.svc.ConfirmSession(ctx, fresh.SessionID, "0x1234")
		assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

		status, err := f.svc.GetSessionStatus(ctx, fresh.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusPending, status.Status)
	})
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetSessionStatus(ctx, "sess_nonexistent_test")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	_, err = f.svc.ConfirmSession(ctx, "sess_nonexistent_test", testTxHash)
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	_, err = f.svc.FailSession(ctx, "sess_nonexistent_test", "reverted")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	t.Run("not found takes precedence over a malformed hash", func(t *testing.T) {
		_, err := f.svc.ConfirmSession(ctx, "sess_nonexistent_test", "0x1234")
		assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
		assert.False(t, errors.Is(err, domain.ErrInvalidRequest))
	})
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	status, err := f.svc.GetSessionStatus(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, status.Status)

	f.clock.Advance(time.Minute)
	status, err = f.svc.GetSessionStatus(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, status.Status)

	_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))
	assert.Empty(t, f.dispatcher.events)
}

func TestConfirmAfterDeadlineExpiresInstead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)
	f.clock.Advance(31 * time.Minute)

	_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))

	stored, err := f.repo.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, stored.Status)
	assert.Empty(t, stored.TransactionHash)
}

func TestConcurrentConfirmations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	const writers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		winning string
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := fmt.Sprintf("0x%064x", i+1)
			_, err := f.svc.ConfirmSession(ctx, s.SessionID, hash)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				winning = hash
				return
			}
			assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	stored, err := f.svc.GetSessionStatus(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, winning, stored.TransactionHash)
	assert.Len(t, f.dispatcher.events, 1)
}

func TestConfirmSession_VerifierOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("reverted transaction fails the session", func(t *testing.T) {
		f := newFixture(t, sessions.WithVerifier(stubVerifier{err: domain.ErrTransactionReverted}))
		s, err := f.svc.CreateSession(ctx, validRequest())
		require.NoError(t, err)

		_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
		assert.True(t, errors.Is(err, domain.ErrTransactionReverted))

		stored, err := f.svc.GetSessionStatus(ctx, s.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusFailed, stored.Status)
		assert.Contains(t, stored.FailureReason, testTxHash)
	})

	t.Run("unverified transaction leaves the session pending", func(t *testing.T) {
		f := newFixture(t, sessions.WithVerifier(stubVerifier{err: domain.ErrTransactionUnverified}))
		s, err := f.svc.CreateSession(ctx, validRequest())
		require.NoError(t, err)

		_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
		assert.True(t, errors.Is(err, domain.ErrTransactionUnverified))

		stored, err := f.svc.GetSessionStatus(ctx, s.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusPending, stored.Status)
		assert.Empty(t, f.dispatcher.events)
	})
}

func TestFailSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	failed, err := f.svc.FailSession(ctx, s.SessionID, "insufficient amount")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, failed.Status)
	assert.Equal(t, "insufficient amount", failed.FailureReason)

	_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))

	_, err = f.svc.FailSession(ctx, s.SessionID, "again")
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))
}

func TestExpireSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.svc.ExpireSession(ctx, s.SessionID)
	assert.True(t, errors.Is(err, domain.ErrSessionNotDue))

	f.clock.Advance(30 * time.Minute)
	expired, err := f.svc.ExpireSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = f.svc.ExpireSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestStoreFailuresSurfaceAsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	t.Run("read", func(t *testing.T) {
		repo := new(mockRepo)
		repo.On("Get", mock.Anything, "sess_x").Return(nil, boom)
		svc := sessions.NewSessionService(repo, newValidator(t), testSettings(), zap.NewNop())

		_, err := svc.GetSessionStatus(ctx, "sess_x")
		assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("create", func(t *testing.T) {
		repo := new(mockRepo)
		repo.On("Create", mock.Anything, mock.Anything).Return(boom).Once()
		svc := sessions.NewSessionService(repo, newValidator(t), testSettings(), zap.NewNop())

		_, err := svc.CreateSession(ctx, validRequest())
		assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
		repo.AssertNumberOfCalls(t, "Create", 1)
	})

	t.Run("conflicts exhaust retries", func(t *testing.T) {
		clock := newFakeClock()
		pending := &domain.PaymentSession{
			SessionID: "sess_x",
			Status:    domain.SessionStatusPending,
			CreatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(time.Hour),
		}
		repo := new(mockRepo)
		repo.On("Get", mock.Anything, "sess_x").Return(pending, nil)
		repo.On("CompareAndSet", mock.Anything, "sess_x", domain.SessionStatusPending, mock.Anything).
			Return(nil, fmt.Errorf("lost race: %w", domain.ErrConflict))
		svc := sessions.NewSessionService(repo, newValidator(t), testSettings(), zap.NewNop(), sessions.WithClock(clock))

		_, err := svc.ConfirmSession(ctx, "sess_x", testTxHash)
		assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
		repo.AssertNumberOfCalls(t, "CompareAndSet", testSettings().MaxCASRetries+1)
	})
}

type latencyRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (r *latencyRecorder) IncCounter(string, map[string]string) {}

func (r *latencyRecorder) ObserveLatency(name string, _ time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string][]string{}
	}
	r.outcomes[name] = append(r.outcomes[name], labels["outcome"])
}

func TestOperationsRecordLatency(t *testing.T) {
	rec := &latencyRecorder{}
	f := newFixture(t, sessions.WithMetrics(rec))
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.svc.GetSessionStatus(ctx, s.SessionID)
	require.NoError(t, err)
	_, err = f.svc.FailSession(ctx, s.SessionID, "insufficient amount")
	require.NoError(t, err)
	_, err = f.svc.FailSession(ctx, s.SessionID, "again")
	require.Error(t, err)
	_, err = f.svc.ConfirmSession(ctx, s.SessionID, testTxHash)
	require.Error(t, err)

	assert.Equal(t, []string{"ok"}, rec.outcomes[metrics.OperationCreate])
	assert.Equal(t, []string{"ok"}, rec.outcomes[metrics.OperationGetStatus])
	assert.Equal(t, []string{"ok", "error"}, rec.outcomes[metrics.OperationFail])
	assert.Equal(t, []string{"error"}, rec.outcomes[metrics.OperationConfirm])
}
