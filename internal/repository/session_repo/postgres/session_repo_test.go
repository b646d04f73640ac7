package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kora/internal/domain"
)

// openTestDB connects to KORA_TEST_DATABASE_URL and migrates it from scratch.
// Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("KORA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("KORA_TEST_DATABASE_URL not set")
	}

	m, err := migrate.New("file://../../../../migrations", dsn)
	require.NoError(t, err)
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(id string, now time.Time, ttl time.Duration) *domain.PaymentSession {
	return &domain.PaymentSession{
		SessionID:     id,
		MerchantID:    "merchant_test_001",
		Amount:        "50.00",
		Currency:      "USDC",
		CustomerEmail: "test@example.com",
		CallbackURL:   "https://example.com/webhook",
		PaymentURL:    "http://localhost:3000/payment/" + id,
		Status:        domain.SessionStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		UpdatedAt:     now,
	}
}

func TestSessionRepository_Postgres(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.Create(ctx, newSession("sess_pg_1", now, time.Hour)))

	t.Run("duplicate", func(t *testing.T) {
		err := repo.Create(ctx, newSession("sess_pg_1", now, time.Hour))
		assert.True(t, errors.Is(err, domain.ErrDuplicateSession))
	})

	t.Run("get keeps the amount string", func(t *testing.T) {
		got, err := repo.Get(ctx, "sess_pg_1")
		require.NoError(t, err)
		assert.Equal(t, "50.00", got.Amount)
		assert.Equal(t, domain.SessionStatusPending, got.Status)
		assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.Get(ctx, "sess_nonexistent_test")
		assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
	})

	t.Run("single winner under contention", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("sess_pg_race", now, time.Hour)))
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.CompareAndSet(ctx, "sess_pg_race", domain.SessionStatusPending, func(s *domain.PaymentSession) error {
					return s.MarkCompleted("0x"+"a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0", time.Now().UTC())
				})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var wins int
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, domain.ErrConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("expired pending listing", func(t *testing.T) {
		past := now.Add(-2 * time.Hour)
		require.NoError(t, repo.Create(ctx, newSession("sess_pg_old", past, time.Minute)))
		due, err := repo.ListExpiredPending(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "sess_pg_old", due[0].SessionID)
	})
}
