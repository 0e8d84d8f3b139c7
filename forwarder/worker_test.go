package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// scriptedDriver returns a fixed result or error, optionally blocking
// until release is closed.
type scriptedDriver struct {
	result  map[string]interface{}
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (d *scriptedDriver) Infer(ctx context.Context, req *InferRequest) (map[string]interface{}, error) {
	d.calls.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.result, d.err
}

func testRegistry(taskType string, driver Driver) *AdapterRegistry {
	return &AdapterRegistry{
		adapters: map[string]*Adapter{
			taskType: {
				Descriptor: AdapterDescriptor{Name: taskType, TaskType: taskType, Driver: "scripted"},
				Driver:     driver,
			},
		},
		logger: &core.NoOpLogger{},
	}
}

func newTestWorker(t *testing.T, adapters *AdapterRegistry) *Worker {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.CallbackTimeout = 2 * time.Second
	w, err := New(Options{
		Configs:  core.NewConfigSource(cfg, "", nil),
		Adapters: adapters,
		Logger:   &core.NoOpLogger{},
		Metrics:  telemetry.NewMetrics("forwarder-test"),
	})
	require.NoError(t, err)
	return w
}

func startLoops(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.done.Add(2)
	go w.inferenceLoop(ctx)
	go w.callbackLoop(ctx)
}

func acceptEnvelope(w *Worker, env *core.TaskEnvelope) *httptest.ResponseRecorder {
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	return rec
}

func workerEnvelope(callbackURL string) *core.TaskEnvelope {
	return &core.TaskEnvelope{
		TaskID:    "t-1",
		TaskType:  "openai-gpt5",
		ModelSpec: core.ModelSpec{Name: "gpt-5"},
		Payload:   map[string]interface{}{"prompt": "hi"},
		Callback:  &core.CallbackConfig{URL: callbackURL, Headers: map[string]string{"Authorization": "Bearer s"}},
	}
}

func TestAcceptThenBusy(t *testing.T) {
	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{result: resultPacket("gpt-5", "hi")}))

	rec := acceptEnvelope(w, workerEnvelope("http://gw/cb"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The worker is busy; a second accept is rejected.
	second := workerEnvelope("http://gw/cb")
	second.TaskID = "t-2"
	rec = acceptEnvelope(w, second)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp core.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.CodeForwarderBusy, resp.ErrorCode)
}

func TestAcceptValidation(t *testing.T) {
	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{}))

	env := workerEnvelope("http://gw/cb")
	env.Callback = nil
	rec := acceptEnvelope(w, env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env = workerEnvelope("http://gw/cb")
	env.TaskType = "no-such-type"
	rec = acceptEnvelope(w, env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp core.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.CodeInvalidTaskType, resp.ErrorCode)
}

func TestAcceptRejectedDuringShutdown(t *testing.T) {
	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{}))
	w.shuttingDown.Store(true)

	rec := acceptEnvelope(w, workerEnvelope("http://gw/cb"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp core.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.CodeServiceShutdown, resp.ErrorCode)
}

func TestSupportedTasksEndpoint(t *testing.T) {
	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/supported-tasks", nil)
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SupportedTasks []string `json:"supported_tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"openai-gpt5"}, body.SupportedTasks)
}

func TestExactlyOneCallbackOnSuccess(t *testing.T) {
	received := make(chan core.TaskResult, 4)
	callback := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s", r.Header.Get("Authorization"))
		var result core.TaskResult
		_ = json.NewDecoder(r.Body).Decode(&result)
		received <- result
	}))
	defer callback.Close()

	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{result: resultPacket("gpt-5", "hello")}))
	startLoops(t, w)

	rec := acceptEnvelope(w, workerEnvelope(callback.URL))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case result := <-received:
		assert.Equal(t, "t-1", result.TaskID)
		assert.Equal(t, core.TaskStatusSuccess, result.Status)
		assert.Equal(t, "hello", result.Result["output"])
		assert.Equal(t, "gpt-5", result.Result["model"])
		assert.NotEmpty(t, result.Result["timestamp"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback was never posted")
	}

	// The worker becomes idle and no duplicate callback arrives.
	assert.Eventually(t, func() bool {
		return !w.Status().Busy
	}, 5*time.Second, 20*time.Millisecond)
	select {
	case <-received:
		t.Fatal("duplicate callback")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCallbackOnInferenceFailure(t *testing.T) {
	received := make(chan core.TaskResult, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var result core.TaskResult
		_ = json.NewDecoder(r.Body).Decode(&result)
		received <- result
	}))
	defer callback.Close()

	w := newTestWorker(t, testRegistry("openai-gpt5", &scriptedDriver{err: errors.New("model exploded")}))
	startLoops(t, w)

	rec := acceptEnvelope(w, workerEnvelope(callback.URL))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case result := <-received:
		assert.Equal(t, core.TaskStatusFailed, result.Status)
		assert.Contains(t, result.Error, "model exploded")
		assert.Nil(t, result.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback was never posted")
	}
}

func TestAcceptRejectedWhileExecuting(t *testing.T) {
	received := make(chan core.TaskResult, 2)
	callback := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var result core.TaskResult
		_ = json.NewDecoder(r.Body).Decode(&result)
		received <- result
	}))
	defer callback.Close()

	driver := &scriptedDriver{result: resultPacket("gpt-5", "hi"), release: make(chan struct{})}
	w := newTestWorker(t, testRegistry("openai-gpt5", driver))
	startLoops(t, w)

	rec := acceptEnvelope(w, workerEnvelope(callback.URL))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The loops have drained the channel and inference is in flight.
	require.Eventually(t, func() bool {
		status := w.Status()
		return status.Busy && status.PendingTasksCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	second := workerEnvelope(callback.URL)
	second.TaskID = "t-2"
	rec = acceptEnvelope(w, second)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp core.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.CodeForwarderBusy, resp.ErrorCode)

	// The first task still completes under its own ID, and the worker
	// only goes idle after its callback is posted.
	close(driver.release)
	select {
	case result := <-received:
		assert.Equal(t, "t-1", result.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("callback was never posted")
	}
	assert.Eventually(t, func() bool {
		return !w.Status().Busy
	}, 5*time.Second, 20*time.Millisecond)

	// Once idle, accept admits again.
	rec = acceptEnvelope(w, second)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStatusReflectsLoad(t *testing.T) {
	driver := &scriptedDriver{result: resultPacket("gpt-5", "hi"), release: make(chan struct{})}
	w := newTestWorker(t, testRegistry("openai-gpt5", driver))
	startLoops(t, w)

	assert.False(t, w.Status().Busy)

	rec := acceptEnvelope(w, workerEnvelope("http://gw/cb"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		status := w.Status()
		return status.Busy && status.CurrentTask == "t-1"
	}, 2*time.Second, 10*time.Millisecond)

	close(driver.release)
}
