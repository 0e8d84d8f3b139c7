package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/telemetry"
)

// Driver executes one inference call against a model endpoint. The
// returned map becomes the `result` object of the completion packet.
type Driver interface {
	Infer(ctx context.Context, req *InferRequest) (map[string]interface{}, error)
}

// InferRequest is one resolved inference call.
type InferRequest struct {
	ModelSpec       core.ModelSpec
	Endpoint        string // descriptor default overridden by model_spec
	Payload         map[string]interface{}
	InferenceParams map[string]interface{}
}

// BuiltinDrivers returns the driver set adapter descriptors may name.
func BuiltinDrivers() map[string]Driver {
	client := &http.Client{Transport: telemetry.HTTPTransport(nil)}
	return map[string]Driver{
		"chat-completion":  &chatCompletionDriver{client: client},
		"image-generation": &imageGenerationDriver{client: client},
	}
}

// chatCompletionDriver speaks the OpenAI-style chat completions wire
// format: payload.prompt (or payload.messages) in, first choice text
// out.
type chatCompletionDriver struct {
	client *http.Client
}

func (d *chatCompletionDriver) Infer(ctx context.Context, req *InferRequest) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"model": req.ModelSpec.Name,
	}
	if messages, ok := req.Payload["messages"]; ok {
		body["messages"] = messages
	} else if prompt, ok := req.Payload["prompt"].(string); ok {
		body["messages"] = []map[string]interface{}{
			{"role": "user", "content": prompt},
		}
	} else {
		return nil, fmt.Errorf("payload needs prompt or messages: %w", core.ErrMissingPayload)
	}
	for k, v := range req.InferenceParams {
		body[k] = v
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, d.client, req, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices: %w", core.ErrRequestFailed)
	}

	return resultPacket(req.ModelSpec.Name, resp.Choices[0].Message.Content), nil
}

// imageGenerationDriver speaks the OpenAI-style images wire format:
// payload.prompt in, first image URL or base64 data out.
type imageGenerationDriver struct {
	client *http.Client
}

func (d *imageGenerationDriver) Infer(ctx context.Context, req *InferRequest) (map[string]interface{}, error) {
	prompt, ok := req.Payload["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("payload needs prompt: %w", core.ErrMissingPayload)
	}

	body := map[string]interface{}{
		"model":  req.ModelSpec.Name,
		"prompt": prompt,
	}
	for k, v := range req.InferenceParams {
		body[k] = v
	}

	var resp struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := postJSON(ctx, d.client, req, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("model returned no images: %w", core.ErrRequestFailed)
	}

	output := resp.Data[0].URL
	if output == "" {
		output = resp.Data[0].B64JSON
	}
	return resultPacket(req.ModelSpec.Name, output), nil
}

// resultPacket is the shape the completion callback carries as `result`.
func resultPacket(model string, output interface{}) map[string]interface{} {
	return map[string]interface{}{
		"output":    output,
		"model":     model,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

func postJSON(ctx context.Context, client *http.Client, req *InferRequest, body, into interface{}) error {
	endpoint := req.ModelSpec.Endpoint
	if endpoint == "" {
		endpoint = req.Endpoint
	}
	if endpoint == "" {
		return fmt.Errorf("no endpoint for model %s: %w", req.ModelSpec.Name, core.ErrInvalidConfiguration)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ModelSpec.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.ModelSpec.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("inference call to %s: %w", endpoint, core.ErrRequestFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inference call to %s returned %d: %s: %w",
			endpoint, resp.StatusCode, bytes.TrimSpace(detail), core.ErrRequestFailed)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
