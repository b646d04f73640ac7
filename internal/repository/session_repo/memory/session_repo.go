package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kora/internal/domain"
	"kora/internal/repository/session_repo"
)

type entry struct {
	mu      sync.Mutex
	session *domain.PaymentSession
}

// SessionRepository keeps sessions in process memory. Each session has its
// own lock, so unrelated sessions never contend.
type SessionRepository struct {
	entries sync.Map // session id -> *entry
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{}
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.PaymentSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &entry{session: session_repo.Clone(session)}
	if _, loaded := r.entries.LoadOrStore(session.SessionID, e); loaded {
		return fmt.Errorf("session %s: %w", session.SessionID, domain.ErrDuplicateSession)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.PaymentSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.load(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return session_repo.Clone(e.session), nil
}

func (r *SessionRepository) CompareAndSet(ctx context.Context, id string, expected domain.SessionStatus, mutate session_repo.Mutator) (*domain.PaymentSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.load(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != expected {
		return nil, fmt.Errorf("session %s is %s, expected %s: %w", id, e.session.Status, expected, domain.ErrConflict)
	}

	draft := session_repo.Clone(e.session)
	if err := mutate(draft); err != nil {
		return nil, err
	}
	session_repo.ApplyMutable(e.session, draft)
	return session_repo.Clone(e.session), nil
}

// ListExpiredPending returns up to limit pending sessions due at now, oldest
// expiry first.
func (r *SessionRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error) {
	var due []domain.PaymentSession
	var err error
	r.entries.Range(func(_, v any) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		e := v.(*entry)
		e.mu.Lock()
		if e.session.IsDue(now) {
			due = append(due, *session_repo.Clone(e.session))
		}
		e.mu.Unlock()
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *SessionRepository) load(id string) (*entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}
