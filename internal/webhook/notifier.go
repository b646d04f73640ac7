package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kora/internal/domain"
)

// Notifier delivers a completion event for a session.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, event domain.SessionCompletedEvent) error
}

// permanentError marks a delivery failure that retrying will not fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// HTTPNotifier POSTs the event as JSON to the merchant's callback URL.
type HTTPNotifier struct {
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func NewHTTPNotifier(timeout time.Duration, maxAttempts int, backoff time.Duration, logger *zap.Logger) *HTTPNotifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &HTTPNotifier{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, callbackURL string, event domain.SessionCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	wait := n.backoff
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.post(ctx, callbackURL, event, body)
		if lastErr == nil {
			n.logger.Info("Webhook delivered",
				zap.String("session_id", event.SessionID),
				zap.String("callback_url", callbackURL),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) || attempt == n.maxAttempts {
			break
		}

		n.logger.Warn("Webhook delivery failed, retrying",
			zap.String("session_id", event.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook delivery cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("webhook delivery to %s failed: %w", callbackURL, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, callbackURL string, event domain.SessionCompletedEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: fmt.Errorf("failed to build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kora-webhook/1.0")
	req.Header.Set("X-Kora-Event", event.Event)
	req.Header.Set("X-Kora-Session-Id", event.SessionID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("callback responded %d", resp.StatusCode)
	default:
		return &permanentError{err: fmt.Errorf("callback responded %d", resp.StatusCode)}
	}
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, callbackURL string, event domain.SessionCompletedEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, callbackURL, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
