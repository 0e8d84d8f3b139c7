package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/resilience"
)

// TaskQueueConfig configures the JetStream task queue.
type TaskQueueConfig struct {
	// ConsumerName is the durable consumer identity. Default:
	// "scheduler".
	ConsumerName string

	// AckWait is how long a delivered message may stay unacked before
	// redelivery. Default: 5m, sized for slow worker handoffs.
	AckWait time.Duration

	// FetchTimeout bounds each poll of the consumer. Default: 5s.
	FetchTimeout time.Duration

	// RetryAttempts is the number of publish retries. Default: 3.
	RetryAttempts int

	// RetryDelay is the delay between publish retries. Default: 100ms.
	RetryDelay time.Duration

	// CircuitBreaker optionally protects publishes.
	CircuitBreaker *resilience.CircuitBreaker

	// Logger is optional.
	Logger core.Logger
}

// DefaultTaskQueueConfig returns default configuration.
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		ConsumerName:  "scheduler",
		AckWait:       5 * time.Minute,
		FetchTimeout:  5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// JetStreamTaskQueue implements core.TaskQueue on the AIFLOW_TASKS
// stream. Publishes are keyed by task type; the consumer delivers one
// message at a time (prefetch 1) with explicit ack.
type JetStreamTaskQueue struct {
	client *Client
	config TaskQueueConfig
	logger core.Logger
}

// NewJetStreamTaskQueue creates a task queue on an existing client.
func NewJetStreamTaskQueue(client *Client, config *TaskQueueConfig) *JetStreamTaskQueue {
	cfg := DefaultTaskQueueConfig()
	if config != nil {
		if config.ConsumerName != "" {
			cfg.ConsumerName = config.ConsumerName
		}
		if config.AckWait > 0 {
			cfg.AckWait = config.AckWait
		}
		if config.FetchTimeout > 0 {
			cfg.FetchTimeout = config.FetchTimeout
		}
		if config.RetryAttempts > 0 {
			cfg.RetryAttempts = config.RetryAttempts
		}
		if config.RetryDelay > 0 {
			cfg.RetryDelay = config.RetryDelay
		}
		cfg.CircuitBreaker = config.CircuitBreaker
		cfg.Logger = config.Logger
	}
	return &JetStreamTaskQueue{client: client, config: cfg, logger: cfg.Logger}
}

var subjectSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// TaskSubject maps a task type onto its queue subject.
func TaskSubject(taskType string) string {
	sanitized := subjectSanitizer.ReplaceAllString(taskType, "_")
	if sanitized == "" {
		sanitized = "_"
	}
	return TaskSubjectPrefix + "." + strings.ToLower(sanitized)
}

// Publish enqueues the envelope, retrying transient failures.
func (q *JetStreamTaskQueue) Publish(ctx context.Context, env *core.TaskEnvelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if env.TaskID == "" {
		return core.ErrMissingTaskID
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	subject := TaskSubject(env.TaskType)
	publish := func() error {
		_, err := q.client.js.Publish(ctx, subject, data)
		return err
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   q.config.RetryAttempts,
		InitialDelay:  q.config.RetryDelay,
		MaxDelay:      q.config.RetryDelay * 10,
		BackoffFactor: 2.0,
	}
	if q.config.CircuitBreaker != nil {
		err = resilience.RetryWithCircuitBreaker(ctx, retryCfg, q.config.CircuitBreaker, publish)
	} else {
		err = resilience.Retry(ctx, retryCfg, publish)
	}
	if err != nil {
		if q.logger != nil {
			q.logger.Error("Failed to publish task", map[string]interface{}{
				"task_id":   env.TaskID,
				"task_type": env.TaskType,
				"subject":   subject,
				"error":     err.Error(),
			})
		}
		return fmt.Errorf("failed to publish task %s: %w", env.TaskID, err)
	}

	if q.logger != nil {
		q.logger.Debug("Task published", map[string]interface{}{
			"task_id":   env.TaskID,
			"task_type": env.TaskType,
			"subject":   subject,
		})
	}
	return nil
}

// Consume delivers envelopes to the handler one at a time until the
// context is cancelled. MaxAckPending 1 keeps at most one unacked
// delivery in flight, the queue-side half of the prefetch-1 contract.
func (q *JetStreamTaskQueue) Consume(ctx context.Context, handler core.TaskHandler) error {
	stream, err := q.client.js.Stream(ctx, TaskStreamName)
	if err != nil {
		return fmt.Errorf("failed to open task stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.config.ConsumerName,
		FilterSubject: TaskSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if q.logger != nil {
		q.logger.Info("Task consumer started", map[string]interface{}{
			"consumer": q.config.ConsumerName,
			"stream":   TaskStreamName,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.config.FetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if q.logger != nil {
				q.logger.Warn("Fetch failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			q.dispatch(ctx, msg, handler)
		}
	}
}

// dispatch decodes one delivery and applies the handler's decision.
func (q *JetStreamTaskQueue) dispatch(ctx context.Context, msg jetstream.Msg, handler core.TaskHandler) {
	var env core.TaskEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		if q.logger != nil {
			q.logger.Error("Discarding malformed task message", map[string]interface{}{
				"subject": msg.Subject(),
				"error":   err.Error(),
			})
		}
		_ = msg.Term()
		return
	}

	decision := handler(ctx, &env)
	switch decision.Action {
	case core.ActionAck:
		if err := msg.Ack(); err != nil && q.logger != nil {
			q.logger.Warn("Ack failed", map[string]interface{}{
				"task_id": env.TaskID,
				"error":   err.Error(),
			})
		}
	case core.ActionDiscard:
		if err := msg.Term(); err != nil && q.logger != nil {
			q.logger.Warn("Term failed", map[string]interface{}{
				"task_id": env.TaskID,
				"error":   err.Error(),
			})
		}
	case core.ActionRequeue:
		var err error
		if decision.Delay > 0 {
			err = msg.NakWithDelay(decision.Delay)
		} else {
			err = msg.Nak()
		}
		if err != nil && q.logger != nil {
			q.logger.Warn("Nak failed", map[string]interface{}{
				"task_id": env.TaskID,
				"error":   err.Error(),
			})
		}
	}
}

// HealthCheck verifies the broker connection.
func (q *JetStreamTaskQueue) HealthCheck(ctx context.Context) error {
	return q.client.HealthCheck(ctx)
}
