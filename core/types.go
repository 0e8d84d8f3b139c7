// Package core defines the shared data plane for the AIFlow platform:
// task records and envelopes, worker descriptors, log events, and the
// client contracts (state store, queue, registry, object store, log bus)
// that the gateway, scheduler, and forwarder services are built on.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
// Transitions form the DAG PENDING -> PROCESSING -> {SUCCESS, FAILED};
// a task never returns to PENDING.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusSuccess    TaskStatus = "SUCCESS"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// CanTransitionTo reports whether moving to next is a legal step in the
// status DAG. Terminal states accept no further transitions.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusSuccess || next == TaskStatusFailed
	case TaskStatusProcessing:
		return next == TaskStatusSuccess || next == TaskStatusFailed
	default:
		return false
	}
}

// ModelSpec identifies the model an inference adapter should call.
// It is passed through to the adapter opaquely.
type ModelSpec struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Version  string `json:"version,omitempty"`
}

// CallbackConfig describes where a completion notification is POSTed.
type CallbackConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// TaskRecord is the authoritative per-task state held in the task store.
// The gateway is the single writer for terminal states; the scheduler may
// apply the idempotent PENDING -> PROCESSING upgrade as a hint.
type TaskRecord struct {
	TaskID          string                 `json:"task_id"`
	TaskType        string                 `json:"task_type"`
	ModelSpec       ModelSpec              `json:"model_spec"`
	Payload         map[string]interface{} `json:"payload"`
	InferenceParams map[string]interface{} `json:"inference_params,omitempty"`
	Callback        *CallbackConfig        `json:"callback,omitempty"`
	Status          TaskStatus             `json:"status"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Touch updates the modification timestamp.
func (r *TaskRecord) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

// MarkSuccess moves the record to SUCCESS with the given result.
func (r *TaskRecord) MarkSuccess(result map[string]interface{}) {
	r.Status = TaskStatusSuccess
	r.Result = result
	r.Error = ""
	r.Touch()
}

// MarkFailed moves the record to terminal FAILED with the given error.
func (r *TaskRecord) MarkFailed(errMsg string) {
	r.Status = TaskStatusFailed
	r.Result = nil
	r.Error = errMsg
	r.Touch()
}

// Envelope projects the record into the queue message consumed by the
// scheduler. The callback here is the gateway's internal endpoint, never
// the submitter's.
func (r *TaskRecord) Envelope(internalCallback *CallbackConfig) *TaskEnvelope {
	return &TaskEnvelope{
		TaskID:          r.TaskID,
		TaskType:        r.TaskType,
		ModelSpec:       r.ModelSpec,
		Payload:         r.Payload,
		InferenceParams: r.InferenceParams,
		Callback:        internalCallback,
	}
}

// TaskEnvelope is the queue message. It carries enough of the record to
// execute the task without reading the state store.
type TaskEnvelope struct {
	TaskID          string                 `json:"task_id"`
	TaskType        string                 `json:"task_type"`
	ModelSpec       ModelSpec              `json:"model_spec"`
	Payload         map[string]interface{} `json:"payload"`
	InferenceParams map[string]interface{} `json:"inference_params,omitempty"`
	Callback        *CallbackConfig        `json:"callback,omitempty"`
}

// Validate checks the fields a worker requires before accepting the task.
func (e *TaskEnvelope) Validate() error {
	if e.TaskID == "" {
		return ErrMissingTaskID
	}
	if e.TaskType == "" {
		return ErrMissingTaskType
	}
	if e.ModelSpec.Name == "" {
		return ErrMissingModelSpec
	}
	if e.Payload == nil {
		return ErrMissingPayload
	}
	if e.Callback == nil || e.Callback.URL == "" {
		return ErrMissingCallback
	}
	return nil
}

// TaskRequest is the submission body accepted by the gateway.
type TaskRequest struct {
	TaskType        string                 `json:"task_type"`
	ModelSpec       ModelSpec              `json:"model_spec"`
	Payload         map[string]interface{} `json:"payload"`
	InferenceParams map[string]interface{} `json:"inference_params,omitempty"`
	Callback        *CallbackConfig        `json:"callback,omitempty"`
}

// TaskResponse acknowledges a submission.
type TaskResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// TaskResult is the completion packet a worker posts to its callback URL
// and the body of the gateway's internal callback endpoint.
type TaskResult struct {
	TaskID string                 `json:"task_id"`
	Status TaskStatus             `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// WorkerStatus is the load view a worker exposes on GET /status.
type WorkerStatus struct {
	Busy              bool   `json:"busy"`
	CurrentTask       string `json:"current_task,omitempty"`
	PendingTasksCount int    `json:"pending_tasks_count"`
}

// HealthStatus of a registered service.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ServiceInfo is a registry entry for a live service instance.
type ServiceInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Health       HealthStatus      `json:"health"`
	LastSeen     time.Time         `json:"last_seen"`
}

// BaseURL returns the service's HTTP base URL.
func (s *ServiceInfo) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Address, s.Port)
}

// LogLevel of a LogEvent.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogEvent is the structured audit message broadcast on the log bus.
type LogEvent struct {
	Timestamp       time.Time              `json:"timestamp"`
	TaskID          string                 `json:"task_id,omitempty"`
	ServiceName     string                 `json:"service_name"`
	ServiceInstance string                 `json:"service_instance"`
	Level           LogLevel               `json:"level"`
	Event           string                 `json:"event"`
	Message         string                 `json:"message"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

// NewTaskID returns a fresh globally unique task identifier.
func NewTaskID() string {
	return uuid.New().String()
}

// NewInstanceID returns a short unique suffix for service instance names.
func NewInstanceID() string {
	return uuid.New().String()[:8]
}
