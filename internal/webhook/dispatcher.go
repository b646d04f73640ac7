package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kora/internal/domain"
	"kora/internal/metrics"
)

type job struct {
	callbackURL string
	event       domain.SessionCompletedEvent
}

// Dispatcher runs notifications on a bounded worker pool. Dispatch never
// blocks: when the queue is full or the dispatcher is stopping, the event is
// dropped and logged.
type Dispatcher struct {
	notifier Notifier
	queue    chan job
	workers  int
	timeout  time.Duration
	metrics  metrics.Recorder
	logger   *zap.Logger

	// mu orders enqueues before the stop signal, so workers draining after
	// stop see every accepted job.
	mu       sync.RWMutex
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, workers, queueSize int, timeout time.Duration, recorder metrics.Recorder, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		notifier: notifier,
		queue:    make(chan job, queueSize),
		workers:  workers,
		timeout:  timeout,
		metrics:  recorder,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting webhook dispatcher", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Dispatch enqueues a notification and reports whether it was accepted.
func (d *Dispatcher) Dispatch(callbackURL string, event domain.SessionCompletedEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(event, "dispatcher stopped")
		return false
	}

	select {
	case d.queue <- job{callbackURL: callbackURL, event: event}:
		return true
	default:
		d.drop(event, "queue full")
		return false
	}
}

// Stop signals workers to drain the queue and waits for them until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.stop)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Webhook dispatcher stopped.")
	case <-ctx.Done():
		d.logger.Warn("Webhook dispatcher did not drain before shutdown deadline", zap.Int("pending", len(d.queue)))
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.deliver(ctx, j)
		case <-d.stop:
			for {
				select {
				case j := <-d.queue:
					d.deliver(ctx, j)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.notifier.Notify(deliverCtx, j.callbackURL, j.event)
	labels := map[string]string{"currency": j.event.Currency, "outcome": "ok"}
	if err != nil {
		labels["outcome"] = "error"
		d.metrics.IncCounter(metrics.WebhooksFailed, labels)
		d.logger.Error("Webhook notification failed",
			zap.String("session_id", j.event.SessionID),
			zap.String("callback_url", j.callbackURL),
			zap.Error(err),
		)
	} else {
		d.metrics.IncCounter(metrics.WebhooksDelivered, labels)
	}
	d.metrics.ObserveLatency(metrics.OperationWebhookNotify, time.Since(start), labels)
}

func (d *Dispatcher) drop(event domain.SessionCompletedEvent, reason string) {
	d.metrics.IncCounter(metrics.WebhooksDropped, map[string]string{"currency": event.Currency})
	d.logger.Error("Webhook notification dropped",
		zap.String("session_id", event.SessionID),
		zap.String("reason", reason),
	)
}
