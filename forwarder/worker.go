package forwarder

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
	"github.com/xycdaimi/AIFlow/resilience"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// ServiceName is the registry name every worker registers under; the
// scheduler discovers workers by this name.
const ServiceName = "model-forwarder"

// shutdownGrace bounds the wait for an in-flight task on shutdown.
const shutdownGrace = 10 * time.Second

// acceptedTask is one task admitted past the accept endpoint, carrying
// the privately retained callback descriptor.
type acceptedTask struct {
	env      *core.TaskEnvelope
	callback *core.CallbackConfig
}

// completion pairs a result packet with where to post it.
type completion struct {
	result   *core.TaskResult
	callback *core.CallbackConfig
	taskType string
}

// Worker executes at most one task at a time end-to-end and posts
// exactly one callback per accepted task.
type Worker struct {
	configs  *core.ConfigSource
	adapters *AdapterRegistry
	logger   core.Logger
	metrics  *telemetry.Metrics
	client   *http.Client

	// Accept admits one task end to end: currentTask stays set from
	// accept until the callback is posted, and accept rejects with 503
	// while it is.
	tasks   chan *acceptedTask
	results chan *completion

	mu          sync.Mutex
	currentTask string

	shuttingDown atomic.Bool
	done         sync.WaitGroup

	server   *http.Server
	instance string
}

// Options carries the worker's collaborators.
type Options struct {
	Configs  *core.ConfigSource
	Adapters *AdapterRegistry
	Logger   core.Logger
	Metrics  *telemetry.Metrics
}

// New creates a worker.
func New(opts Options) (*Worker, error) {
	if opts.Configs == nil || opts.Adapters == nil {
		return nil, fmt.Errorf("configs and adapters are required: %w", core.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(ServiceName)
	}

	return &Worker{
		configs:  opts.Configs,
		adapters: opts.Adapters,
		logger:   logger,
		metrics:  metrics,
		client:   &http.Client{Transport: telemetry.HTTPTransport(nil)},
		tasks:    make(chan *acceptedTask, 1),
		results:  make(chan *completion, 1),
		instance: ServiceName + "-" + core.NewInstanceID(),
	}, nil
}

// InstanceID returns the worker's unique instance name.
func (w *Worker) InstanceID() string {
	return w.instance
}

// Handler builds the worker's route table.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", w.handleAccept)
	mux.HandleFunc("GET /api/v1/supported-tasks", w.handleSupportedTasks)
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("GET /health", w.handleHealth)
	return telemetry.WrapHandler(ServiceName, mux)
}

// Run serves HTTP and runs the inference and callback loops until the
// context is cancelled, then drains the in-flight task.
func (w *Worker) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	w.done.Add(2)
	go w.inferenceLoop(loopCtx)
	go w.callbackLoop(loopCtx)

	cfg := w.configs.Current()
	addr := fmt.Sprintf("%s:%d", cfg.ServiceHost, cfg.ServicePort)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("Worker listening", map[string]interface{}{
			"address":         addr,
			"instance":        w.instance,
			"supported_tasks": w.adapters.TaskTypes(),
		})
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stopLoops()
		return err
	case <-ctx.Done():
	}

	w.shuttingDown.Store(true)
	w.waitIdle(shutdownGrace)
	stopLoops()
	w.done.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(shutdownCtx)
}

// waitIdle polls until the in-flight task finished or the grace period
// elapsed.
func (w *Worker) waitIdle(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		idle := w.currentTask == ""
		w.mu.Unlock()
		if idle && len(w.tasks) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	w.logger.Warn("Shutdown grace elapsed with task in flight", map[string]interface{}{
		"instance": w.instance,
	})
}

// handleAccept admits one envelope into the task slot.
func (w *Worker) handleAccept(rw http.ResponseWriter, r *http.Request) {
	if w.shuttingDown.Load() {
		writeError(rw, core.CodeServiceShutdown, "", nil)
		return
	}

	var env core.TaskEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(rw, core.CodeInvalidJSON, "", err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		writeError(rw, core.CodeInvalidRequest, err.Error(), nil)
		return
	}
	if _, ok := w.adapters.Lookup(env.TaskType); !ok {
		writeError(rw, core.CodeInvalidTaskType, fmt.Sprintf("unsupported task type %q", env.TaskType), nil)
		return
	}

	// The callback never travels further than this process.
	task := &acceptedTask{env: &env, callback: env.Callback}
	task.env.Callback = nil

	// Busy until the previous task's callback is posted; the channel
	// slot alone is not enough, the loops drain it before inference
	// finishes.
	w.mu.Lock()
	if w.currentTask != "" {
		w.mu.Unlock()
		writeError(rw, core.CodeForwarderBusy, "", nil)
		return
	}
	select {
	case w.tasks <- task:
		w.currentTask = env.TaskID
	default:
		w.mu.Unlock()
		writeError(rw, core.CodeForwarderBusy, "", nil)
		return
	}
	w.mu.Unlock()

	w.logger.Info("Task accepted", map[string]interface{}{
		"task_id":   env.TaskID,
		"task_type": env.TaskType,
	})
	writeJSON(rw, http.StatusAccepted, map[string]interface{}{
		"task_id": env.TaskID,
		"message": "Task accepted",
	})
}

func (w *Worker) handleSupportedTasks(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"supported_tasks": w.adapters.TaskTypes(),
	})
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.Status())
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if w.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, map[string]interface{}{
		"status":   status,
		"service":  ServiceName,
		"instance": w.instance,
	})
}

// Status returns the live load view the scheduler probes.
func (w *Worker) Status() core.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return core.WorkerStatus{
		Busy:              w.currentTask != "",
		CurrentTask:       w.currentTask,
		PendingTasksCount: len(w.tasks),
	}
}

// inferenceLoop executes accepted tasks one at a time.
func (w *Worker) inferenceLoop(ctx context.Context) {
	defer w.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			w.mu.Lock()
			w.currentTask = task.env.TaskID
			w.mu.Unlock()

			result := w.execute(ctx, task.env)
			select {
			case w.results <- &completion{result: result, callback: task.callback, taskType: task.env.TaskType}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs one inference and produces the completion packet.
// Failures become FAILED results; the callback is always posted.
func (w *Worker) execute(ctx context.Context, env *core.TaskEnvelope) *core.TaskResult {
	adapter, ok := w.adapters.Lookup(env.TaskType)
	if !ok {
		return &core.TaskResult{
			TaskID: env.TaskID,
			Status: core.TaskStatusFailed,
			Error:  fmt.Sprintf("unsupported task type %q", env.TaskType),
		}
	}

	started := time.Now()
	output, err := adapter.Driver.Infer(ctx, &InferRequest{
		ModelSpec:       env.ModelSpec,
		Endpoint:        adapter.Descriptor.Endpoint,
		Payload:         env.Payload,
		InferenceParams: env.InferenceParams,
	})
	elapsed := time.Since(started)

	if err != nil {
		w.metrics.InferenceSeconds.WithLabelValues(env.TaskType, string(core.TaskStatusFailed)).Observe(elapsed.Seconds())
		w.logger.Error("Inference failed", map[string]interface{}{
			"task_id":   env.TaskID,
			"task_type": env.TaskType,
			"error":     err.Error(),
		})
		return &core.TaskResult{
			TaskID: env.TaskID,
			Status: core.TaskStatusFailed,
			Error:  err.Error(),
		}
	}

	w.metrics.InferenceSeconds.WithLabelValues(env.TaskType, string(core.TaskStatusSuccess)).Observe(elapsed.Seconds())
	w.logger.Info("Inference completed", map[string]interface{}{
		"task_id":         env.TaskID,
		"task_type":       env.TaskType,
		"elapsed_seconds": elapsed.Seconds(),
	})
	return &core.TaskResult{
		TaskID: env.TaskID,
		Status: core.TaskStatusSuccess,
		Result: output,
	}
}

// callbackLoop posts completion packets, then frees the task slot.
func (w *Worker) callbackLoop(ctx context.Context) {
	defer w.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-w.results:
			w.postCallback(ctx, c)
			w.mu.Lock()
			w.currentTask = ""
			w.mu.Unlock()
		}
	}
}

// postCallback delivers one completion with retries. After exhaustion
// the failure is logged; the worker still becomes idle.
func (w *Worker) postCallback(ctx context.Context, c *completion) {
	body, err := json.Marshal(c.result)
	if err != nil {
		w.logger.Error("Failed to encode callback", map[string]interface{}{
			"task_id": c.result.TaskID,
			"error":   err.Error(),
		})
		return
	}

	cfg := w.configs.Current()
	err = resilience.Retry(ctx, resilience.CallbackRetryConfig(), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.CallbackTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.callback.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.callback.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.countCallback("error")
			return fmt.Errorf("callback POST to %s: %w", c.callback.URL, core.ErrRequestFailed)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			w.countCallback("rejected")
			return fmt.Errorf("callback POST to %s returned %d: %w", c.callback.URL, resp.StatusCode, core.ErrRequestFailed)
		}
		w.countCallback("ok")
		return nil
	})
	if err != nil {
		w.logger.Error("Callback delivery failed", map[string]interface{}{
			"task_id":      c.result.TaskID,
			"callback_url": c.callback.URL,
			"error":        err.Error(),
		})
		return
	}
	w.logger.Info("Callback delivered", map[string]interface{}{
		"task_id": c.result.TaskID,
		"status":  c.result.Status,
	})
}

func (w *Worker) countCallback(result string) {
	w.metrics.CallbackAttempts.WithLabelValues("worker", result).Inc()
}

func writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}

func writeError(rw http.ResponseWriter, code core.ErrorCode, message string, details interface{}) {
	writeJSON(rw, code.HTTPStatus(), core.NewErrorResponse(code, message, details))
}
