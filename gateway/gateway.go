// Package gateway implements the ingress and callback controller: it
// accepts task submissions, normalizes payloads into object store URLs,
// persists task records, publishes envelopes to the queue, and drives
// the retry/timeout lifecycle from worker completion callbacks.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// ServiceName is the gateway's registry and log identity.
const ServiceName = "api-gateway"

// InternalCallbackPath is the route workers post completions to.
const InternalCallbackPath = "/api/v1/internal/task-callback"

// Gateway is the ingress and callback controller.
type Gateway struct {
	configs *core.ConfigSource
	store   core.TaskStore
	queue   core.TaskQueue
	objects core.ObjectStore
	logger  core.Logger
	metrics *telemetry.Metrics

	notifier *Notifier
	server   *http.Server

	instance string
}

// Options carries the gateway's collaborators.
type Options struct {
	Configs     *core.ConfigSource
	Store       core.TaskStore
	Queue       core.TaskQueue
	ObjectStore core.ObjectStore
	Logger      core.Logger
	Metrics     *telemetry.Metrics
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Configs == nil || opts.Store == nil || opts.Queue == nil || opts.ObjectStore == nil {
		return nil, fmt.Errorf("configs, store, queue, and object store are required: %w", core.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(ServiceName)
	}

	g := &Gateway{
		configs:  opts.Configs,
		store:    opts.Store,
		queue:    opts.Queue,
		objects:  opts.ObjectStore,
		logger:   logger,
		metrics:  metrics,
		instance: ServiceName + "-" + core.NewInstanceID(),
	}
	g.notifier = NewNotifier(logger, metrics)
	return g, nil
}

// Handler builds the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/tasks_json", g.requireAPIKey(http.HandlerFunc(g.handleSubmitJSON)))
	mux.Handle("POST /api/v1/tasks_form", g.requireAPIKey(http.HandlerFunc(g.handleSubmitForm)))
	mux.Handle("GET /api/v1/tasks/{id}", g.requireAPIKey(http.HandlerFunc(g.handleGetTask)))
	mux.Handle("GET /api/v1/tasks/{id}/status", g.requireAPIKey(http.HandlerFunc(g.handleGetStatus)))
	mux.Handle("GET /api/v1/tasks/{id}/result", g.requireAPIKey(http.HandlerFunc(g.handleGetResult)))
	mux.Handle("DELETE /api/v1/tasks/{id}", g.requireAPIKey(http.HandlerFunc(g.handleDeleteTask)))
	mux.Handle("POST "+InternalCallbackPath, g.requireInternalKey(http.HandlerFunc(g.handleInternalCallback)))
	mux.HandleFunc("GET /api/v1/storage/{bucket}/{object...}", g.handleGetObject)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", g.metrics.Handler())

	return telemetry.WrapHandler(ServiceName, mux)
}

// Run serves HTTP until the context is cancelled, then drains.
func (g *Gateway) Run(ctx context.Context) error {
	cfg := g.configs.Current()
	addr := fmt.Sprintf("%s:%d", cfg.ServiceHost, cfg.ServicePort)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Gateway listening", map[string]interface{}{
			"address":  addr,
			"instance": g.instance,
		})
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.server.Shutdown(shutdownCtx)
}

// internalCallback builds the callback descriptor the envelope carries:
// the gateway's own completion endpoint with the shared secret.
func (g *Gateway) internalCallback() *core.CallbackConfig {
	cfg := g.configs.Current()
	cb := &core.CallbackConfig{
		URL: cfg.GatewayURL + InternalCallbackPath,
	}
	if cfg.InternalKey != "" {
		cb.Headers = map[string]string{"Authorization": "Bearer " + cfg.InternalKey}
	}
	return cb
}

// audit emits a structured lifecycle event.
func (g *Gateway) audit(level core.LogLevel, event, taskID, message string, context map[string]interface{}) {
	fields := map[string]interface{}{
		"event":   event,
		"task_id": taskID,
	}
	for k, v := range context {
		fields[k] = v
	}
	switch level {
	case core.LogLevelError:
		g.logger.Error(message, fields)
	case core.LogLevelWarning:
		g.logger.Warn(message, fields)
	default:
		g.logger.Info(message, fields)
	}
}
