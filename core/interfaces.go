package core

import (
	"context"
	"time"
)

// Logger interface used throughout the platform.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// TaskStore is the task-state store contract. The gateway is the single
// writer for terminal states; reads are point lookups keyed by task_id.
type TaskStore interface {
	// SetTask persists the record with the given TTL, overwriting any
	// previous value. TTL is absolute from this write.
	SetTask(ctx context.Context, record *TaskRecord, ttl time.Duration) error

	// GetTask returns the record or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)

	// DeleteTask removes the record, reporting whether it existed.
	DeleteTask(ctx context.Context, taskID string) (bool, error)

	// MarkProcessing upgrades PENDING to PROCESSING if and only if the
	// record exists and is still PENDING. The upgrade is a hint; it
	// never touches terminal states.
	MarkProcessing(ctx context.Context, taskID string) (bool, error)

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error
}

// DecisionAction tells the queue what to do with a delivered message.
type DecisionAction int

const (
	// ActionAck acknowledges the message; it will not be redelivered.
	ActionAck DecisionAction = iota
	// ActionDiscard drops the message without requeueing (malformed).
	ActionDiscard
	// ActionRequeue returns the message to the queue, optionally after
	// a delay.
	ActionRequeue
)

// Decision is a handler's verdict on a delivered envelope.
type Decision struct {
	Action DecisionAction
	Delay  time.Duration
}

// AckMessage acknowledges the delivery.
func AckMessage() Decision { return Decision{Action: ActionAck} }

// DiscardMessage drops the delivery without requeue.
func DiscardMessage() Decision { return Decision{Action: ActionDiscard} }

// RequeueMessage returns the delivery to the queue after delay.
func RequeueMessage(delay time.Duration) Decision {
	return Decision{Action: ActionRequeue, Delay: delay}
}

// TaskHandler processes one envelope and decides its fate.
type TaskHandler func(ctx context.Context, env *TaskEnvelope) Decision

// TaskQueue is the durable task queue contract: at-least-once delivery,
// per-message ack/requeue, prefetch 1 on the consumer side.
type TaskQueue interface {
	// Publish enqueues the envelope keyed by its task type.
	Publish(ctx context.Context, env *TaskEnvelope) error

	// Consume delivers envelopes to the handler one at a time until the
	// context is cancelled.
	Consume(ctx context.Context, handler TaskHandler) error

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error
}

// Registry is the service-registration side of the registry contract.
type Registry interface {
	Register(ctx context.Context, info *ServiceInfo) error
	Deregister(ctx context.Context, serviceID string) error
}

// Discovery finds live services by name. Only passing-health entries
// are returned.
type Discovery interface {
	Discover(ctx context.Context, name string) ([]*ServiceInfo, error)
}

// ObjectStore holds opaque bytes addressed by bucket/object paths and
// surfaces them as URLs the submitter payload can reference.
type ObjectStore interface {
	UploadBytes(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error)
	GetBytes(ctx context.Context, bucket, object string) ([]byte, string, error)
	DeleteObject(ctx context.Context, bucket, object string) error

	// ParseURL splits a URL produced by UploadBytes back into its
	// bucket and object, reporting whether the URL belongs to this
	// store.
	ParseURL(url string) (bucket, object string, ok bool)

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error
}

// LogBus is the fire-and-forget broadcast channel for LogEvents.
// Publish failures never propagate into the data plane.
type LogBus interface {
	PublishLog(event *LogEvent)
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpLogBus discards all log events.
type NoOpLogBus struct{}

func (n *NoOpLogBus) PublishLog(event *LogEvent) {}
