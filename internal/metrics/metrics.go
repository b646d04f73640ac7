package metrics

import "time"

const (
	SessionsCreated        = "sessions_created"
	SessionsCompleted      = "sessions_completed"
	SessionsExpired        = "sessions_expired"
	SessionsFailed         = "sessions_failed"
	StoreConflicts         = "store_conflicts"
	WebhooksDelivered      = "webhooks_delivered"
	WebhooksFailed         = "webhooks_failed"
	WebhooksDropped        = "webhooks_dropped"
	OperationCreate        = "create"
	OperationConfirm       = "confirm"
	OperationGetStatus     = "get_status"
	OperationFail          = "fail"
	OperationSweep         = "sweep"
	OperationWebhookNotify = "webhook_notify"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
