package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xycdaimi/AIFlow/core"
)

func writeAdapter(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadAdapters(t *testing.T) {
	dir := t.TempDir()
	writeAdapter(t, dir, "gpt5.yaml", `
name: openai-gpt5
task_type: openai-gpt5
driver: chat-completion
endpoint: https://api.openai.com/v1/chat/completions
`)
	writeAdapter(t, dir, "dalle.yml", `
task_type: image-gen
driver: image-generation
`)
	writeAdapter(t, dir, "README.md", "not an adapter")

	reg, err := LoadAdapters(dir, BuiltinDrivers(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"image-gen", "openai-gpt5"}, reg.TaskTypes())

	adapter, ok := reg.Lookup("openai-gpt5")
	require.True(t, ok)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", adapter.Descriptor.Endpoint)

	// Name falls back to the file name when omitted.
	adapter, ok = reg.Lookup("image-gen")
	require.True(t, ok)
	assert.Equal(t, "dalle", adapter.Descriptor.Name)

	_, ok = reg.Lookup("no-such")
	assert.False(t, ok)
}

func TestLoadAdaptersUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	writeAdapter(t, dir, "bad.yaml", `
task_type: something
driver: quantum-oracle
`)
	_, err := LoadAdapters(dir, BuiltinDrivers(), nil)
	assert.ErrorIs(t, err, core.ErrAdapterNotFound)
}

func TestLoadAdaptersMissingFields(t *testing.T) {
	dir := t.TempDir()
	writeAdapter(t, dir, "bad.yaml", `
name: incomplete
driver: chat-completion
`)
	_, err := LoadAdapters(dir, BuiltinDrivers(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestLoadAdaptersMissingDir(t *testing.T) {
	reg, err := LoadAdapters(filepath.Join(t.TempDir(), "nope"), BuiltinDrivers(), nil)
	require.NoError(t, err)
	assert.Empty(t, reg.TaskTypes())
}

func TestChatCompletionDriver(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer K", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "hello back"}},
			},
		})
	}))
	defer server.Close()

	driver := BuiltinDrivers()["chat-completion"]
	result, err := driver.Infer(context.Background(), &InferRequest{
		ModelSpec:       core.ModelSpec{Name: "gpt-5", APIKey: "K", Endpoint: server.URL},
		Payload:         map[string]interface{}{"prompt": "hi"},
		InferenceParams: map[string]interface{}{"temperature": 0.3},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", result["output"])
	assert.Equal(t, "gpt-5", result["model"])
	assert.NotEmpty(t, result["timestamp"])

	assert.Equal(t, "gpt-5", captured["model"])
	assert.Equal(t, 0.3, captured["temperature"])
	messages := captured["messages"].([]interface{})
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "hi", first["content"])
}

func TestChatCompletionDriverRequiresPrompt(t *testing.T) {
	driver := BuiltinDrivers()["chat-completion"]
	_, err := driver.Infer(context.Background(), &InferRequest{
		ModelSpec: core.ModelSpec{Name: "gpt-5", Endpoint: "http://unused"},
		Payload:   map[string]interface{}{},
	})
	assert.ErrorIs(t, err, core.ErrMissingPayload)
}

func TestChatCompletionDriverUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	driver := BuiltinDrivers()["chat-completion"]
	_, err := driver.Infer(context.Background(), &InferRequest{
		ModelSpec: core.ModelSpec{Name: "gpt-5", Endpoint: server.URL},
		Payload:   map[string]interface{}{"prompt": "hi"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRequestFailed)
	assert.Contains(t, err.Error(), "429")
}

func TestImageGenerationDriver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"url": "https://cdn.example.com/img.png"},
			},
		})
	}))
	defer server.Close()

	driver := BuiltinDrivers()["image-generation"]
	result, err := driver.Infer(context.Background(), &InferRequest{
		ModelSpec: core.ModelSpec{Name: "dall-e", Endpoint: server.URL},
		Payload:   map[string]interface{}{"prompt": "a cat"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/img.png", result["output"])
}

func TestDescriptorEndpointUsedAsFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "ok"}},
			},
		})
	}))
	defer server.Close()

	driver := BuiltinDrivers()["chat-completion"]
	result, err := driver.Infer(context.Background(), &InferRequest{
		ModelSpec: core.ModelSpec{Name: "gpt-5"},
		Endpoint:  server.URL,
		Payload:   map[string]interface{}{"prompt": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["output"])
}
