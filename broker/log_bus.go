package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/xycdaimi/AIFlow/core"
)

// JetStreamLogBus implements core.LogBus on the AIFLOW_LOGS stream.
// Publishing is fire-and-forget: failures are counted but never
// propagate into the data plane.
type JetStreamLogBus struct {
	client *Client
}

// NewJetStreamLogBus creates a log bus on an existing client.
func NewJetStreamLogBus(client *Client) *JetStreamLogBus {
	return &JetStreamLogBus{client: client}
}

// PublishLog broadcasts the event. Errors are swallowed.
func (b *JetStreamLogBus) PublishLog(event *core.LogEvent) {
	if event == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	subject := LogSubjectPrefix + "." + event.ServiceName
	if event.ServiceName == "" {
		subject = LogSubjectPrefix + ".unknown"
	}
	// Async publish; the ack future is dropped on purpose.
	_, _ = b.client.js.PublishAsync(subject, data)
}

// LogHandler processes one log event delivered from the bus.
type LogHandler func(ctx context.Context, event *core.LogEvent) error

// ConsumeLogs delivers log events to the handler in batches until the
// context is cancelled. Used by the log sink; events that fail to
// decode are dropped.
func (b *JetStreamLogBus) ConsumeLogs(ctx context.Context, consumerName string, batchSize int, handler LogHandler) error {
	if batchSize <= 0 {
		batchSize = 50
	}

	stream, err := b.client.js.Stream(ctx, LogStreamName)
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: LogSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create log consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(batchSize, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			var event core.LogEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				_ = msg.Term()
				continue
			}
			if err := handler(ctx, &event); err != nil {
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}
