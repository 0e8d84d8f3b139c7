// Package logsink drains the platform log bus into a durable output,
// writing one JSON line per event in timestamped batches.
package logsink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xycdaimi/AIFlow/broker"
	"github.com/xycdaimi/AIFlow/core"
)

// ServiceName is the sink's log identity and durable consumer name.
const ServiceName = "log-sink"

// Sink consumes the log bus and flushes batches of events to a writer.
type Sink struct {
	bus    *broker.JetStreamLogBus
	logger core.Logger

	mu      sync.Mutex
	w       *bufio.Writer
	pending int
}

// New creates a sink writing JSON lines to out.
func New(bus *broker.JetStreamLogBus, out io.Writer, logger core.Logger) *Sink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Sink{
		bus:    bus,
		logger: logger,
		w:      bufio.NewWriter(out),
	}
}

// Run consumes until the context is cancelled. Events are buffered and
// flushed when batchSize accumulate or batchTimeout elapses, whichever
// comes first.
func (s *Sink) Run(ctx context.Context, batchSize int, batchTimeout time.Duration) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		ticker := time.NewTicker(batchTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					s.logger.Error("Log flush failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()

	err := s.bus.ConsumeLogs(ctx, ServiceName, batchSize, func(_ context.Context, event *core.LogEvent) error {
		return s.write(event, batchSize)
	})

	stopFlusher()
	flusher.Wait()
	if flushErr := s.Flush(); err == nil {
		err = flushErr
	}
	return err
}

// write appends one event, flushing when the batch is full. A write
// error naks the event for redelivery.
func (s *Sink) write(event *core.LogEvent, batchSize int) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode log event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	s.pending++
	if s.pending >= batchSize {
		s.pending = 0
		return s.w.Flush()
	}
	return nil
}

// Flush forces out any buffered events.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = 0
	return s.w.Flush()
}
