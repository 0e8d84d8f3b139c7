// Package broker implements the task queue and log bus on NATS
// JetStream. Tasks live on the AIFLOW_TASKS stream keyed by task type;
// log events are broadcast on AIFLOW_LOGS.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xycdaimi/AIFlow/core"
)

const (
	// TaskStreamName holds the durable task queue.
	TaskStreamName = "AIFLOW_TASKS"
	// TaskSubjectPrefix is the subject space for task envelopes; the
	// full subject is tasks.<sanitized task type>.
	TaskSubjectPrefix = "tasks"

	// LogStreamName holds the broadcast log bus.
	LogStreamName = "AIFLOW_LOGS"
	// LogSubjectPrefix is the subject space for log events.
	LogSubjectPrefix = "logs"
)

// Client wraps the NATS connection and its JetStream context, shared by
// the task queue, log bus, and object store clients.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger core.Logger
}

// Connect establishes the NATS connection and ensures the platform
// streams exist.
func Connect(ctx context.Context, natsURL string, logger core.Logger) (*Client, error) {
	if natsURL == "" {
		return nil, fmt.Errorf("NATS URL is required: %w", core.ErrInvalidConfiguration)
	}

	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", core.ErrConnectionFailed)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Client{conn: conn, js: js, logger: logger}
	if err := c.ensureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("Connected to NATS", map[string]interface{}{
			"url": natsURL,
		})
	}
	return c, nil
}

// ensureStreams creates the task and log streams if absent.
func (c *Client) ensureStreams(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      TaskStreamName,
		Subjects:  []string{TaskSubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure task stream: %w", err)
	}

	_, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     LogStreamName,
		Subjects: []string{LogSubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure log stream: %w", err)
	}
	return nil
}

// JetStream exposes the JetStream context for the storage client.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// HealthCheck verifies the connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return core.ErrConnectionFailed
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
