package core

import "net/http"

// ErrorCode is the wire-level failure code returned to API clients.
// The format is EXXXYYYY: XXX is the module (100 generic, 200 auth,
// 300 task, 400 inference, 500 storage, 600 queue, 700 registry,
// 800 log, 900 system) and YYYY the specific condition.
type ErrorCode string

const (
	// Generic (100)
	CodeInvalidRequest   ErrorCode = "E1000001"
	CodeInvalidParameter ErrorCode = "E1000002"
	CodeMissingParameter ErrorCode = "E1000003"
	CodeInvalidJSON      ErrorCode = "E1000004"
	CodeResourceNotFound ErrorCode = "E1000005"
	CodeInternalError    ErrorCode = "E1000099"

	// Auth (200)
	CodeUnauthorized       ErrorCode = "E2000001"
	CodeInvalidAPIKey      ErrorCode = "E2000002"
	CodeMissingAPIKey      ErrorCode = "E2000003"
	CodeForbidden          ErrorCode = "E2000004"
	CodeInvalidInternalKey ErrorCode = "E2000005"

	// Task (300)
	CodeTaskNotFound      ErrorCode = "E3000001"
	CodeTaskCreateFailed  ErrorCode = "E3000002"
	CodeTaskTimeout       ErrorCode = "E3000003"
	CodeTaskMaxRetries    ErrorCode = "E3000004"
	CodeTaskAlreadyExists ErrorCode = "E3000005"
	CodeTaskInvalidStatus ErrorCode = "E3000006"
	CodeTaskProcessing    ErrorCode = "E3000007"
	CodeTaskFailed        ErrorCode = "E3000008"
	CodeInvalidTaskType   ErrorCode = "E3000009"
	CodeInvalidModelSpec  ErrorCode = "E3000010"
	CodeInvalidPayload    ErrorCode = "E3000011"
	CodeInvalidCallback   ErrorCode = "E3000012"

	// Inference (400)
	CodeInferenceFailed        ErrorCode = "E4000001"
	CodeModelNotFound          ErrorCode = "E4000002"
	CodeModelUnavailable       ErrorCode = "E4000003"
	CodeForwarderBusy          ErrorCode = "E4000004"
	CodeForwarderNotFound      ErrorCode = "E4000005"
	CodeInvalidInferenceParams ErrorCode = "E4000006"
	CodeModelAPIError          ErrorCode = "E4000007"

	// Storage (500)
	CodeStorageError            ErrorCode = "E5000001"
	CodeStorageConnectionFailed ErrorCode = "E5000002"
	CodeStorageUploadFailed     ErrorCode = "E5000003"
	CodeStorageDownloadFailed   ErrorCode = "E5000004"
	CodeStorageDeleteFailed     ErrorCode = "E5000005"
	CodeBucketNotFound          ErrorCode = "E5000006"
	CodeFileTooLarge            ErrorCode = "E5000007"
	CodeInvalidFileFormat       ErrorCode = "E5000008"

	// Queue (600)
	CodeQueueConnectionFailed ErrorCode = "E6000001"
	CodeQueuePublishFailed    ErrorCode = "E6000002"
	CodeQueueConsumeFailed    ErrorCode = "E6000003"
	CodeQueueNotFound         ErrorCode = "E6000004"
	CodeMessageInvalid        ErrorCode = "E6000005"

	// Registry (700)
	CodeRegistryConnectionFailed  ErrorCode = "E7000001"
	CodeServiceRegistrationFailed ErrorCode = "E7000002"
	CodeServiceNotFound           ErrorCode = "E7000003"
	CodeServiceUnavailable        ErrorCode = "E7000004"

	// Log (800)
	CodeLogWriteFailed          ErrorCode = "E8000001"
	CodeLogQueryFailed          ErrorCode = "E8000002"
	CodeLogStoreConnectionError ErrorCode = "E8000003"

	// System (900)
	CodeStateStoreConnectionFailed ErrorCode = "E9000001"
	CodeStateStoreOperationFailed  ErrorCode = "E9000002"
	CodeDatabaseError              ErrorCode = "E9000003"
	CodeNetworkError               ErrorCode = "E9000004"
	CodeTimeoutError               ErrorCode = "E9000005"
	CodeConfigurationError         ErrorCode = "E9000006"
	CodeServiceShutdown            ErrorCode = "E9000007"
)

// codeHTTPStatus maps every code to its HTTP response status.
var codeHTTPStatus = map[ErrorCode]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeInvalidParameter: http.StatusBadRequest,
	CodeMissingParameter: http.StatusBadRequest,
	CodeInvalidJSON:      http.StatusBadRequest,
	CodeResourceNotFound: http.StatusNotFound,
	CodeInternalError:    http.StatusInternalServerError,

	CodeUnauthorized:       http.StatusUnauthorized,
	CodeInvalidAPIKey:      http.StatusUnauthorized,
	CodeMissingAPIKey:      http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeInvalidInternalKey: http.StatusUnauthorized,

	CodeTaskNotFound:      http.StatusNotFound,
	CodeTaskCreateFailed:  http.StatusInternalServerError,
	CodeTaskTimeout:       http.StatusRequestTimeout,
	CodeTaskMaxRetries:    http.StatusInternalServerError,
	CodeTaskAlreadyExists: http.StatusConflict,
	CodeTaskInvalidStatus: http.StatusBadRequest,
	CodeTaskProcessing:    http.StatusAccepted,
	CodeTaskFailed:        http.StatusInternalServerError,
	CodeInvalidTaskType:   http.StatusBadRequest,
	CodeInvalidModelSpec:  http.StatusBadRequest,
	CodeInvalidPayload:    http.StatusBadRequest,
	CodeInvalidCallback:   http.StatusBadRequest,

	CodeInferenceFailed:        http.StatusInternalServerError,
	CodeModelNotFound:          http.StatusNotFound,
	CodeModelUnavailable:       http.StatusServiceUnavailable,
	CodeForwarderBusy:          http.StatusServiceUnavailable,
	CodeForwarderNotFound:      http.StatusNotFound,
	CodeInvalidInferenceParams: http.StatusBadRequest,
	CodeModelAPIError:          http.StatusBadGateway,

	CodeStorageError:            http.StatusInternalServerError,
	CodeStorageConnectionFailed: http.StatusServiceUnavailable,
	CodeStorageUploadFailed:     http.StatusInternalServerError,
	CodeStorageDownloadFailed:   http.StatusInternalServerError,
	CodeStorageDeleteFailed:     http.StatusInternalServerError,
	CodeBucketNotFound:          http.StatusNotFound,
	CodeFileTooLarge:            http.StatusRequestEntityTooLarge,
	CodeInvalidFileFormat:       http.StatusBadRequest,

	CodeQueueConnectionFailed: http.StatusServiceUnavailable,
	CodeQueuePublishFailed:    http.StatusInternalServerError,
	CodeQueueConsumeFailed:    http.StatusInternalServerError,
	CodeQueueNotFound:         http.StatusNotFound,
	CodeMessageInvalid:        http.StatusBadRequest,

	CodeRegistryConnectionFailed:  http.StatusServiceUnavailable,
	CodeServiceRegistrationFailed: http.StatusInternalServerError,
	CodeServiceNotFound:           http.StatusNotFound,
	CodeServiceUnavailable:        http.StatusServiceUnavailable,

	CodeLogWriteFailed:          http.StatusInternalServerError,
	CodeLogQueryFailed:          http.StatusInternalServerError,
	CodeLogStoreConnectionError: http.StatusServiceUnavailable,

	CodeStateStoreConnectionFailed: http.StatusServiceUnavailable,
	CodeStateStoreOperationFailed:  http.StatusInternalServerError,
	CodeDatabaseError:              http.StatusInternalServerError,
	CodeNetworkError:               http.StatusServiceUnavailable,
	CodeTimeoutError:               http.StatusRequestTimeout,
	CodeConfigurationError:         http.StatusInternalServerError,
	CodeServiceShutdown:            http.StatusServiceUnavailable,
}

// codeMessage maps every code to its default human-readable message.
var codeMessage = map[ErrorCode]string{
	CodeInvalidRequest:   "Invalid request",
	CodeInvalidParameter: "Invalid parameter",
	CodeMissingParameter: "Missing required parameter",
	CodeInvalidJSON:      "Invalid JSON format",
	CodeResourceNotFound: "Resource not found",
	CodeInternalError:    "Internal server error",

	CodeUnauthorized:       "Unauthorized",
	CodeInvalidAPIKey:      "Invalid API key",
	CodeMissingAPIKey:      "Missing API key",
	CodeForbidden:          "Forbidden",
	CodeInvalidInternalKey: "Invalid internal service key",

	CodeTaskNotFound:      "Task not found",
	CodeTaskCreateFailed:  "Failed to create task",
	CodeTaskTimeout:       "Task timeout",
	CodeTaskMaxRetries:    "Task exceeded maximum retries",
	CodeTaskAlreadyExists: "Task already exists",
	CodeTaskInvalidStatus: "Invalid task status",
	CodeTaskProcessing:    "Task is still processing",
	CodeTaskFailed:        "Task failed",
	CodeInvalidTaskType:   "Invalid task type",
	CodeInvalidModelSpec:  "Invalid model specification",
	CodeInvalidPayload:    "Invalid task payload",
	CodeInvalidCallback:   "Invalid callback configuration",

	CodeInferenceFailed:        "Model inference failed",
	CodeModelNotFound:          "Model not found",
	CodeModelUnavailable:       "Model unavailable",
	CodeForwarderBusy:          "Model forwarder is busy",
	CodeForwarderNotFound:      "Model forwarder not found",
	CodeInvalidInferenceParams: "Invalid inference parameters",
	CodeModelAPIError:          "Model API error",

	CodeStorageError:            "Storage error",
	CodeStorageConnectionFailed: "Failed to connect to object store",
	CodeStorageUploadFailed:     "Failed to upload object",
	CodeStorageDownloadFailed:   "Failed to download object",
	CodeStorageDeleteFailed:     "Failed to delete object",
	CodeBucketNotFound:          "Storage bucket not found",
	CodeFileTooLarge:            "File size exceeds limit",
	CodeInvalidFileFormat:       "Invalid file format",

	CodeQueueConnectionFailed: "Failed to connect to task queue",
	CodeQueuePublishFailed:    "Failed to publish message",
	CodeQueueConsumeFailed:    "Failed to consume message",
	CodeQueueNotFound:         "Queue not found",
	CodeMessageInvalid:        "Invalid message format",

	CodeRegistryConnectionFailed:  "Failed to connect to service registry",
	CodeServiceRegistrationFailed: "Failed to register service",
	CodeServiceNotFound:           "Service not found",
	CodeServiceUnavailable:        "Service unavailable",

	CodeLogWriteFailed:          "Failed to write log",
	CodeLogQueryFailed:          "Failed to query logs",
	CodeLogStoreConnectionError: "Failed to connect to log store",

	CodeStateStoreConnectionFailed: "Failed to connect to state store",
	CodeStateStoreOperationFailed:  "State store operation failed",
	CodeDatabaseError:              "Database error",
	CodeNetworkError:               "Network error",
	CodeTimeoutError:               "Operation timed out",
	CodeConfigurationError:         "Configuration error",
	CodeServiceShutdown:            "Service is shutting down",
}

// HTTPStatus returns the HTTP status the code maps to.
// Unknown codes fall back to 500.
func (c ErrorCode) HTTPStatus() int {
	if s, ok := codeHTTPStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// DefaultMessage returns the human-readable message for the code.
func (c ErrorCode) DefaultMessage() string {
	if m, ok := codeMessage[c]; ok {
		return m
	}
	return codeMessage[CodeInternalError]
}

// ErrorResponse is the failure envelope returned by every API endpoint.
type ErrorResponse struct {
	ErrorCode ErrorCode   `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// NewErrorResponse builds the envelope for a code. An empty message uses
// the code's default.
func NewErrorResponse(code ErrorCode, message string, details interface{}) *ErrorResponse {
	if message == "" {
		message = code.DefaultMessage()
	}
	return &ErrorResponse{ErrorCode: code, Message: message, Details: details}
}
