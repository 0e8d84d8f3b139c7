package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xycdaimi/AIFlow/core"
)

func submitBody(mutate func(m map[string]interface{})) string {
	m := map[string]interface{}{
		"task_type":  "openai-gpt5",
		"model_spec": map[string]interface{}{"name": "gpt-5", "api_key": "K"},
		"payload":    map[string]interface{}{"prompt": "hi"},
	}
	if mutate != nil {
		mutate(m)
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func doRequest(env *testEnv, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.gateway.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorResponse {
	t.Helper()
	var resp core.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitCreatesAndPublishes(t *testing.T) {
	env := newTestGateway(nil)

	rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", submitBody(nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp core.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, core.TaskStatusPending, resp.Status)

	record, ok := env.store.get(resp.TaskID)
	require.True(t, ok)
	assert.Equal(t, core.TaskStatusPending, record.Status)
	assert.Equal(t, 0, record.RetryCount)
	assert.Equal(t, env.config.TaskMaxRetries, record.MaxRetries)

	require.Equal(t, 1, env.queue.count())
	published := env.queue.last()
	assert.Equal(t, resp.TaskID, published.TaskID)
	// The envelope's callback points at the gateway, not the submitter.
	require.NotNil(t, published.Callback)
	assert.Equal(t, "http://gateway.test"+InternalCallbackPath, published.Callback.URL)
	assert.Equal(t, "Bearer internal-secret", published.Callback.Headers["Authorization"])
}

func TestSubmitValidation(t *testing.T) {
	env := newTestGateway(nil)

	cases := []struct {
		name string
		body string
		code core.ErrorCode
	}{
		{"bad json", "{not json", core.CodeInvalidJSON},
		{"missing task type", submitBody(func(m map[string]interface{}) { delete(m, "task_type") }), core.CodeInvalidTaskType},
		{"missing model name", submitBody(func(m map[string]interface{}) { m["model_spec"] = map[string]interface{}{} }), core.CodeInvalidModelSpec},
		{"missing payload", submitBody(func(m map[string]interface{}) { delete(m, "payload") }), core.CodeInvalidPayload},
		{"callback without url", submitBody(func(m map[string]interface{}) { m["callback"] = map[string]interface{}{"headers": map[string]string{}} }), core.CodeInvalidCallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).ErrorCode)
		})
	}

	// Nothing was stored or published for any rejected submission.
	assert.Equal(t, 0, env.queue.count())
	assert.Empty(t, env.store.records)
}

func TestSubmitPublishFailureRollsBack(t *testing.T) {
	env := newTestGateway(nil)
	env.queue.publishErr = fmt.Errorf("nats is down")

	rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", submitBody(nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, core.CodeQueuePublishFailed, decodeError(t, rec).ErrorCode)
	assert.Empty(t, env.store.records)
}

func TestSubmitNormalizesDataURI(t *testing.T) {
	env := newTestGateway(nil)
	encoded := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	body := submitBody(func(m map[string]interface{}) {
		m["payload"] = map[string]interface{}{
			"prompt": "describe this",
			"image":  "data:image/png;base64," + encoded,
		}
	})

	rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	published := env.queue.last()
	image, ok := published.Payload["image"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(image, "http://test/api/v1/storage/"))
	assert.Equal(t, "describe this", published.Payload["prompt"])
}

func TestSubmitRejectsMalformedDataURI(t *testing.T) {
	env := newTestGateway(nil)
	body := submitBody(func(m map[string]interface{}) {
		m["payload"] = map[string]interface{}{
			"image": "data:image/png;base64,!!not-base64!!",
		}
	})

	rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeInvalidPayload, decodeError(t, rec).ErrorCode)
	assert.Equal(t, 0, env.queue.count())
}

func TestSubmitUploadFailure(t *testing.T) {
	env := newTestGateway(nil)
	env.objects.uploadErr = fmt.Errorf("bucket gone")
	body := submitBody(func(m map[string]interface{}) {
		m["payload"] = map[string]interface{}{
			"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("data")),
		}
	})

	rec := doRequest(env, http.MethodPost, "/api/v1/tasks_json", body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, core.CodeStorageError, decodeError(t, rec).ErrorCode)
	assert.Equal(t, 0, env.queue.count())
	assert.Empty(t, env.store.records)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestGateway(nil)
	rec := doRequest(env, http.MethodGet, "/api/v1/tasks/no-such-task", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeTaskNotFound, decodeError(t, rec).ErrorCode)
}

func TestGetStatusProjection(t *testing.T) {
	env := newTestGateway(nil)
	record := &core.TaskRecord{
		TaskID:    "t-1",
		TaskType:  "openai-gpt5",
		Status:    core.TaskStatusProcessing,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.SetTask(nil, record, 0))

	rec := doRequest(env, http.MethodGet, "/api/v1/tasks/t-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "t-1", body["task_id"])
	assert.Equal(t, "PROCESSING", body["status"])
	assert.Contains(t, body, "created_at")
	// The projection never includes payload or callback.
	assert.NotContains(t, body, "payload")
	assert.NotContains(t, body, "callback")
}

func TestGetResultWhileInFlight(t *testing.T) {
	env := newTestGateway(nil)
	require.NoError(t, env.store.SetTask(nil, &core.TaskRecord{
		TaskID: "t-1",
		Status: core.TaskStatusPending,
	}, 0))

	rec := doRequest(env, http.MethodGet, "/api/v1/tasks/t-1/result", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, core.CodeTaskProcessing, decodeError(t, rec).ErrorCode)

	// Still there; 202 does not consume the record.
	_, ok := env.store.get("t-1")
	assert.True(t, ok)
}

func TestGetResultDeletesOnTerminalRead(t *testing.T) {
	env := newTestGateway(nil)
	require.NoError(t, env.store.SetTask(nil, &core.TaskRecord{
		TaskID: "t-1",
		Status: core.TaskStatusSuccess,
		Result: map[string]interface{}{"output": "hi"},
	}, 0))

	rec := doRequest(env, http.MethodGet, "/api/v1/tasks/t-1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "hi", result["output"])

	_, ok := env.store.get("t-1")
	assert.False(t, ok)

	rec = doRequest(env, http.MethodGet, "/api/v1/tasks/t-1/result", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetResultFailedTask(t *testing.T) {
	env := newTestGateway(nil)
	require.NoError(t, env.store.SetTask(nil, &core.TaskRecord{
		TaskID: "t-1",
		Status: core.TaskStatusFailed,
		Error:  "Max retries exceeded (3): model exploded",
	}, 0))

	rec := doRequest(env, http.MethodGet, "/api/v1/tasks/t-1/result", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, core.CodeTaskFailed, resp.ErrorCode)
	assert.Contains(t, resp.Message, "Max retries exceeded")

	_, ok := env.store.get("t-1")
	assert.False(t, ok)
}

func TestDeleteTask(t *testing.T) {
	env := newTestGateway(nil)
	require.NoError(t, env.store.SetTask(nil, &core.TaskRecord{TaskID: "t-1"}, 0))

	rec := doRequest(env, http.MethodDelete, "/api/v1/tasks/t-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(env, http.MethodDelete, "/api/v1/tasks/t-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeTaskNotFound, decodeError(t, rec).ErrorCode)
}

func TestStorageGet(t *testing.T) {
	env := newTestGateway(nil)
	_, err := env.objects.UploadBytes(nil, "aiflow-inputs", "tasks/t-1/inputs/image.png", []byte("png-bytes"), "image/png")
	require.NoError(t, err)

	rec := doRequest(env, http.MethodGet, "/api/v1/storage/aiflow-inputs/tasks/t-1/inputs/image.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = doRequest(env, http.MethodGet, "/api/v1/storage/aiflow-inputs/missing.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestGateway(nil)
	rec := doRequest(env, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "healthy", deps["state_store"])
	assert.Equal(t, "healthy", deps["task_queue"])
	assert.Equal(t, "healthy", deps["object_store"])
}

func TestAPIKeyEnforcement(t *testing.T) {
	env := newTestGateway(func(cfg *core.Config) {
		cfg.APIKeys = []string{"valid-key"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t-1", nil)
	rec := httptest.NewRecorder()
	env.gateway.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, core.CodeMissingAPIKey, decodeError(t, rec).ErrorCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t-1", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	env.gateway.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, core.CodeInvalidAPIKey, decodeError(t, rec).ErrorCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t-1", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rec = httptest.NewRecorder()
	env.gateway.Handler().ServeHTTP(rec, req)
	// Authenticated; 404 because the task does not exist.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalKeyEnforcement(t *testing.T) {
	env := newTestGateway(nil)

	req := httptest.NewRequest(http.MethodPost, InternalCallbackPath, strings.NewReader(`{"task_id":"t-1","status":"SUCCESS"}`))
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec := httptest.NewRecorder()
	env.gateway.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, core.CodeInvalidInternalKey, decodeError(t, rec).ErrorCode)
}
