package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/resilience"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// Notifier posts completion notifications to submitter callback URLs.
// Delivery is best-effort: retries with backoff, then an ERROR log.
type Notifier struct {
	client  *http.Client
	logger  core.Logger
	metrics *telemetry.Metrics
}

// NewNotifier creates a notifier sharing one traced HTTP client.
func NewNotifier(logger core.Logger, metrics *telemetry.Metrics) *Notifier {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Notifier{
		client:  &http.Client{Transport: telemetry.HTTPTransport(nil)},
		logger:  logger,
		metrics: metrics,
	}
}

// Notify posts the result packet to the callback URL. Each attempt is
// bounded by attemptTimeout; any non-2xx response counts as a failure.
func (n *Notifier) Notify(ctx context.Context, cb *core.CallbackConfig, result *core.TaskResult, attemptTimeout time.Duration) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	return resilience.Retry(ctx, resilience.CallbackRetryConfig(), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, cb.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cb.Headers {
			req.Header.Set(k, v)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.countAttempt("error")
			return fmt.Errorf("callback POST to %s: %w", cb.URL, core.ErrRequestFailed)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			n.countAttempt("rejected")
			return fmt.Errorf("callback POST to %s returned %d: %w", cb.URL, resp.StatusCode, core.ErrRequestFailed)
		}
		n.countAttempt("ok")
		return nil
	})
}

func (n *Notifier) countAttempt(result string) {
	if n.metrics != nil {
		n.metrics.CallbackAttempts.WithLabelValues("submitter", result).Inc()
	}
}

// handleInternalCallback is the pivot of the task lifecycle: a worker
// posts its completion here and the gateway decides terminal state,
// retry, or timeout coercion.
func (g *Gateway) handleInternalCallback(w http.ResponseWriter, r *http.Request) {
	var result core.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, core.CodeInvalidJSON, "", err.Error())
		return
	}
	if result.TaskID == "" {
		writeError(w, core.CodeInvalidRequest, "task_id is required", nil)
		return
	}

	ctx := r.Context()
	record, err := g.store.GetTask(ctx, result.TaskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			// TTL expired or the record was already reaped.
			g.audit(core.LogLevelInfo, "callback.task_not_found", result.TaskID,
				"Callback for unknown task discarded", nil)
			writeJSON(w, http.StatusOK, map[string]interface{}{"message": "discarded"})
			return
		}
		writeError(w, core.CodeStateStoreOperationFailed, "", err.Error())
		return
	}

	cfg := g.configs.Current()

	// Wall-clock deadline wins over whatever the worker reports. The
	// submitter is not notified; the record is simply reaped.
	elapsed := time.Since(record.CreatedAt)
	if elapsed > cfg.TaskMaxWaitTime {
		record.MarkFailed(fmt.Sprintf("Timeout after %.1fs", elapsed.Seconds()))
		if _, err := g.store.DeleteTask(ctx, record.TaskID); err != nil {
			g.audit(core.LogLevelError, "task.timeout", record.TaskID,
				"Failed to delete timed out task", map[string]interface{}{"error": err.Error()})
		} else {
			g.audit(core.LogLevelWarning, "task.timeout", record.TaskID,
				"Task exceeded max wait time", map[string]interface{}{
					"elapsed_seconds": elapsed.Seconds(),
				})
		}
		g.metrics.TasksCompleted.WithLabelValues(record.TaskType, string(core.TaskStatusFailed)).Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "timed out"})
		return
	}

	// Re-posted callback for an already-terminal task is a no-op.
	if record.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "already terminal",
			"status":  record.Status,
		})
		return
	}

	if result.Status == core.TaskStatusSuccess {
		g.completeSuccess(ctx, cfg, record, &result)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": record.TaskID,
			"status":  core.TaskStatusSuccess,
		})
		return
	}

	g.completeFailure(ctx, cfg, record, &result)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": record.TaskID,
		"status":  record.Status,
	})
}

func (g *Gateway) completeSuccess(ctx context.Context, cfg *core.Config, record *core.TaskRecord, result *core.TaskResult) {
	record.MarkSuccess(result.Result)
	if err := g.store.SetTask(ctx, record, cfg.TaskTTL); err != nil {
		g.audit(core.LogLevelError, "task.completed", record.TaskID,
			"Failed to persist successful task", map[string]interface{}{"error": err.Error()})
		return
	}
	g.audit(core.LogLevelInfo, "task.completed", record.TaskID, "Task completed", map[string]interface{}{
		"task_type": record.TaskType,
	})
	g.metrics.TasksCompleted.WithLabelValues(record.TaskType, string(core.TaskStatusSuccess)).Inc()

	if record.Callback != nil && record.Callback.URL != "" {
		go g.notifyAndReap(record, &core.TaskResult{
			TaskID: record.TaskID,
			Status: core.TaskStatusSuccess,
			Result: record.Result,
		}, cfg.CallbackTimeout)
	}
}

func (g *Gateway) completeFailure(ctx context.Context, cfg *core.Config, record *core.TaskRecord, result *core.TaskResult) {
	if record.RetryCount >= record.MaxRetries {
		record.MarkFailed(fmt.Sprintf("Max retries exceeded (%d): %s", record.MaxRetries, result.Error))
		if err := g.store.SetTask(ctx, record, cfg.TaskTTL); err != nil {
			g.audit(core.LogLevelError, "task.max_retries_exceeded", record.TaskID,
				"Failed to persist failed task", map[string]interface{}{"error": err.Error()})
			return
		}
		g.audit(core.LogLevelError, "task.max_retries_exceeded", record.TaskID,
			"Task failed permanently", map[string]interface{}{
				"task_type":   record.TaskType,
				"retry_count": record.RetryCount,
				"last_error":  result.Error,
			})
		g.metrics.TasksCompleted.WithLabelValues(record.TaskType, string(core.TaskStatusFailed)).Inc()

		if record.Callback != nil && record.Callback.URL != "" {
			go g.notifyAndReap(record, &core.TaskResult{
				TaskID: record.TaskID,
				Status: core.TaskStatusFailed,
				Error:  record.Error,
			}, cfg.CallbackTimeout)
		}
		return
	}

	record.RetryCount++
	record.LastError = result.Error
	record.Touch()
	if err := g.store.SetTask(ctx, record, cfg.TaskTTL); err != nil {
		g.audit(core.LogLevelError, "task.retrying", record.TaskID,
			"Failed to persist retry state", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := g.queue.Publish(ctx, record.Envelope(g.internalCallback())); err != nil {
		g.audit(core.LogLevelError, "task.retrying", record.TaskID,
			"Failed to re-publish task", map[string]interface{}{"error": err.Error()})
		return
	}
	g.audit(core.LogLevelWarning, "task.retrying", record.TaskID, "Task re-queued after failure", map[string]interface{}{
		"task_type":   record.TaskType,
		"retry_count": record.RetryCount,
		"last_error":  result.Error,
	})
}

// notifyAndReap delivers the terminal notification, then deletes the
// record. The record is already terminal, so a delivery failure only
// logs; the reap happens either way.
func (g *Gateway) notifyAndReap(record *core.TaskRecord, result *core.TaskResult, attemptTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := g.notifier.Notify(ctx, record.Callback, result, attemptTimeout); err != nil {
		g.audit(core.LogLevelError, "callback.notify_failed", record.TaskID,
			"Submitter notification failed", map[string]interface{}{
				"callback_url": record.Callback.URL,
				"error":        err.Error(),
			})
	} else {
		g.audit(core.LogLevelInfo, "callback.notified", record.TaskID,
			"Submitter notified", map[string]interface{}{"status": result.Status})
	}

	if _, err := g.store.DeleteTask(ctx, record.TaskID); err != nil {
		g.audit(core.LogLevelError, "task.reap_failed", record.TaskID,
			"Failed to delete notified task", map[string]interface{}{"error": err.Error()})
	}
}
