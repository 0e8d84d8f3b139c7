package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xycdaimi/AIFlow/core"
)

// maxFormMemory bounds in-memory parsing of multipart submissions.
const maxFormMemory = 32 << 20

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code core.ErrorCode, message string, details interface{}) {
	writeJSON(w, code.HTTPStatus(), core.NewErrorResponse(code, message, details))
}

// handleSubmitJSON accepts a JSON task submission.
func (g *Gateway) handleSubmitJSON(w http.ResponseWriter, r *http.Request) {
	var req core.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.CodeInvalidJSON, "", err.Error())
		return
	}
	g.submit(w, r.Context(), &req)
}

// handleSubmitForm accepts a multipart submission with optional file
// attachments. Files are uploaded to the object store and surfaced on
// the payload as payload.files.
func (g *Gateway) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		writeError(w, core.CodeInvalidRequest, "failed to parse multipart form", err.Error())
		return
	}

	req := core.TaskRequest{TaskType: r.FormValue("task_type")}
	if raw := r.FormValue("model_spec"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ModelSpec); err != nil {
			writeError(w, core.CodeInvalidModelSpec, "", err.Error())
			return
		}
	}
	if raw := r.FormValue("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			writeError(w, core.CodeInvalidPayload, "", err.Error())
			return
		}
	}
	if raw := r.FormValue("inference_params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.InferenceParams); err != nil {
			writeError(w, core.CodeInvalidInferenceParams, "", err.Error())
			return
		}
	}
	if raw := r.FormValue("callback"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Callback); err != nil {
			writeError(w, core.CodeInvalidCallback, "", err.Error())
			return
		}
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}

	// Attachments need the task id for their object names, so mint it
	// here and pass it through to submit.
	taskID := core.NewTaskID()
	cfg := g.configs.Current()
	var files []interface{}
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				writeError(w, core.CodeInvalidFileFormat, "", err.Error())
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, core.CodeInvalidFileFormat, "", err.Error())
				return
			}
			contentType := header.Header.Get("Content-Type")
			if contentType == "" {
				contentType = http.DetectContentType(data)
			}
			object := fmt.Sprintf("tasks/%s/inputs/%s", taskID, sanitizePath([]string{header.Filename}))
			url, err := g.objects.UploadBytes(r.Context(), cfg.InputsBucket, object, data, contentType)
			if err != nil {
				writeError(w, core.CodeStorageUploadFailed, "", err.Error())
				return
			}
			files = append(files, map[string]interface{}{
				"filename":     header.Filename,
				"url":          url,
				"content_type": contentType,
				"size":         len(data),
			})
		}
	}
	if len(files) > 0 {
		req.Payload["files"] = files
	}

	g.submitWithID(w, r.Context(), &req, taskID)
}

func (g *Gateway) submit(w http.ResponseWriter, ctx context.Context, req *core.TaskRequest) {
	g.submitWithID(w, ctx, req, core.NewTaskID())
}

// submitWithID validates, normalizes, persists, and publishes one task.
// No state store or queue write happens when validation or the object
// store fails.
func (g *Gateway) submitWithID(w http.ResponseWriter, ctx context.Context, req *core.TaskRequest, taskID string) {
	if req.TaskType == "" {
		writeError(w, core.CodeInvalidTaskType, "task_type is required", nil)
		return
	}
	if req.ModelSpec.Name == "" {
		writeError(w, core.CodeInvalidModelSpec, "model_spec.name is required", nil)
		return
	}
	if req.Payload == nil {
		writeError(w, core.CodeInvalidPayload, "payload is required", nil)
		return
	}
	if req.Callback != nil && req.Callback.URL == "" {
		writeError(w, core.CodeInvalidCallback, "callback.url is required when callback is present", nil)
		return
	}

	cfg := g.configs.Current()
	normalizer := NewNormalizer(g.objects, cfg.InputsBucket, taskID)
	payload, err := normalizer.Normalize(ctx, req.Payload)
	if err != nil {
		if errors.Is(err, errBadMediaLeaf) {
			writeError(w, core.CodeInvalidPayload, "", err.Error())
			return
		}
		writeError(w, core.CodeStorageError, "", err.Error())
		return
	}

	now := time.Now().UTC()
	record := &core.TaskRecord{
		TaskID:          taskID,
		TaskType:        req.TaskType,
		ModelSpec:       req.ModelSpec,
		Payload:         payload,
		InferenceParams: req.InferenceParams,
		Callback:        req.Callback,
		Status:          core.TaskStatusPending,
		MaxRetries:      cfg.TaskMaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := g.store.SetTask(ctx, record, cfg.TaskTTL); err != nil {
		writeError(w, core.CodeTaskCreateFailed, "", err.Error())
		return
	}
	g.audit(core.LogLevelInfo, "task.created", taskID, "Task created", map[string]interface{}{
		"task_type": req.TaskType,
	})

	if err := g.queue.Publish(ctx, record.Envelope(g.internalCallback())); err != nil {
		// Roll the record back so the submitter can retry cleanly.
		_, _ = g.store.DeleteTask(ctx, taskID)
		writeError(w, core.CodeQueuePublishFailed, "", err.Error())
		return
	}
	g.audit(core.LogLevelInfo, "task.published", taskID, "Task published to queue", map[string]interface{}{
		"task_type": req.TaskType,
	})
	g.metrics.TasksSubmitted.WithLabelValues(req.TaskType).Inc()

	writeJSON(w, http.StatusCreated, &core.TaskResponse{
		TaskID:  taskID,
		Status:  core.TaskStatusPending,
		Message: "Task created",
	})
}

// handleGetTask returns the full task record.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	record, ok := g.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleGetStatus returns the status projection.
func (g *Gateway) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	record, ok := g.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":    record.TaskID,
		"status":     record.Status,
		"created_at": record.CreatedAt,
		"updated_at": record.UpdatedAt,
	})
}

// handleGetResult returns the result once terminal, deleting the record
// on terminal read. While the task is in flight it answers 202.
func (g *Gateway) handleGetResult(w http.ResponseWriter, r *http.Request) {
	record, ok := g.loadTask(w, r)
	if !ok {
		return
	}

	switch record.Status {
	case core.TaskStatusSuccess:
		_, _ = g.store.DeleteTask(r.Context(), record.TaskID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": record.TaskID,
			"status":  record.Status,
			"result":  record.Result,
		})
	case core.TaskStatusFailed:
		_, _ = g.store.DeleteTask(r.Context(), record.TaskID)
		writeError(w, core.CodeTaskFailed, record.Error, map[string]interface{}{
			"task_id": record.TaskID,
		})
	default:
		writeError(w, core.CodeTaskProcessing, "", map[string]interface{}{
			"task_id": record.TaskID,
			"status":  record.Status,
		})
	}
}

// handleDeleteTask removes the record; 404 when it doesn't exist.
func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	existed, err := g.store.DeleteTask(r.Context(), taskID)
	if err != nil {
		writeError(w, core.CodeStateStoreOperationFailed, "", err.Error())
		return
	}
	if !existed {
		writeError(w, core.CodeTaskNotFound, "", map[string]interface{}{"task_id": taskID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": taskID,
		"message": "Task deleted",
	})
}

// handleGetObject serves stored payload media back to callers.
func (g *Gateway) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	object := r.PathValue("object")

	data, contentType, err := g.objects.GetBytes(r.Context(), bucket, object)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, core.CodeResourceNotFound, "", nil)
			return
		}
		writeError(w, core.CodeStorageDownloadFailed, "", err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleHealth reports per-dependency health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := map[string]string{
		"state_store":  healthString(g.store.HealthCheck(ctx)),
		"task_queue":   healthString(g.queue.HealthCheck(ctx)),
		"object_store": healthString(g.objects.HealthCheck(ctx)),
	}

	status := http.StatusOK
	overall := "healthy"
	for _, v := range deps {
		if v != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       overall,
		"service":      ServiceName,
		"dependencies": deps,
	})
}

func healthString(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// loadTask resolves the {id} path parameter to a record, writing the
// 404 envelope when absent.
func (g *Gateway) loadTask(w http.ResponseWriter, r *http.Request) (*core.TaskRecord, bool) {
	taskID := r.PathValue("id")
	record, err := g.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, core.CodeTaskNotFound, "", map[string]interface{}{"task_id": taskID})
		} else {
			writeError(w, core.CodeStateStoreOperationFailed, "", err.Error())
		}
		return nil, false
	}
	return record, true
}
