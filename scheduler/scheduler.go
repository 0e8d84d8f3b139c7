// Package scheduler implements the dispatcher: it consumes task
// envelopes from the queue, finds a capable low-load worker through the
// registry, and forwards the envelope over HTTP. It never writes
// terminal task states; its only store write is the idempotent
// PENDING to PROCESSING upgrade hint.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// ServiceName is the scheduler's registry and log identity.
const ServiceName = "scheduler"

// WorkerServiceName is the registry name workers register under.
const WorkerServiceName = "model-forwarder"

// dispatchTimeout bounds the forward POST to a worker.
const dispatchTimeout = 30 * time.Second

// Scheduler consumes the task queue and dispatches to workers.
type Scheduler struct {
	configs  *core.ConfigSource
	queue    core.TaskQueue
	store    core.TaskStore
	selector *Selector
	logger   core.Logger
	metrics  *telemetry.Metrics
	client   *http.Client

	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup

	instance string
}

// Options carries the scheduler's collaborators.
type Options struct {
	Configs   *core.ConfigSource
	Queue     core.TaskQueue
	Store     core.TaskStore
	Discovery core.Discovery
	Logger    core.Logger
	Metrics   *telemetry.Metrics
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Configs == nil || opts.Queue == nil || opts.Store == nil || opts.Discovery == nil {
		return nil, fmt.Errorf("configs, queue, store, and discovery are required: %w", core.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(ServiceName)
	}
	client := &http.Client{Transport: telemetry.HTTPTransport(nil)}

	return &Scheduler{
		configs:  opts.Configs,
		queue:    opts.Queue,
		store:    opts.Store,
		selector: NewSelector(opts.Discovery, client, logger),
		logger:   logger,
		metrics:  metrics,
		client:   client,
		instance: ServiceName + "-" + core.NewInstanceID(),
	}, nil
}

// Run consumes the queue until the context is cancelled, then drains
// in-flight dispatches.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler starting", map[string]interface{}{
		"instance": s.instance,
	})

	err := s.queue.Consume(ctx, s.handle)

	s.shuttingDown.Store(true)
	s.inFlight.Wait()
	s.logger.Info("Scheduler stopped", map[string]interface{}{
		"instance": s.instance,
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// handle decides the fate of one delivered envelope.
func (s *Scheduler) handle(ctx context.Context, env *core.TaskEnvelope) core.Decision {
	cfg := s.configs.Current()

	if s.shuttingDown.Load() {
		s.count("requeued_shutdown")
		return core.RequeueMessage(cfg.SchedulerRetryDelay)
	}

	if err := env.Validate(); err != nil {
		s.logger.Error("Discarding malformed envelope", map[string]interface{}{
			"task_id": env.TaskID,
			"error":   err.Error(),
		})
		s.count("discarded")
		return core.DiscardMessage()
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	worker, err := s.selector.Select(ctx, env.TaskType, cfg.ProbeTimeout, cfg.SchedulerMaxPendingTasks)
	if err != nil {
		s.logger.Debug("No worker available, requeueing", map[string]interface{}{
			"task_id":   env.TaskID,
			"task_type": env.TaskType,
			"error":     err.Error(),
		})
		s.count("no_worker")
		return core.RequeueMessage(cfg.SchedulerRetryDelay)
	}

	if err := s.dispatch(ctx, worker, env); err != nil {
		s.logger.Warn("Worker rejected task, requeueing", map[string]interface{}{
			"task_id": env.TaskID,
			"worker":  worker.ID,
			"error":   err.Error(),
		})
		s.count("worker_rejected")
		return core.RequeueMessage(cfg.SchedulerRetryDelay)
	}

	// Best-effort status hint; the gateway's callback handler owns the
	// authoritative transitions.
	if _, err := s.store.MarkProcessing(ctx, env.TaskID); err != nil {
		s.logger.Warn("Failed to mark task processing", map[string]interface{}{
			"task_id": env.TaskID,
			"error":   err.Error(),
		})
	}

	s.logger.Info("Task dispatched", map[string]interface{}{
		"task_id":   env.TaskID,
		"task_type": env.TaskType,
		"worker":    worker.ID,
	})
	s.count("dispatched")
	return core.AckMessage()
}

// dispatch forwards the envelope to the worker's accept endpoint. Any
// non-2xx answer counts as a rejection.
func (s *Scheduler) dispatch(ctx context.Context, worker *core.ServiceInfo, env *core.TaskEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, worker.BaseURL()+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", worker.ID, core.ErrRequestFailed)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch to %s returned %d: %w", worker.ID, resp.StatusCode, core.ErrRequestFailed)
	}
	return nil
}

func (s *Scheduler) count(outcome string) {
	s.metrics.DispatchOutcomes.WithLabelValues(outcome).Inc()
}
