package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomery/loom/pkg/schema"
)

// HTTPExecutor performs an HTTP request per attempt. The step config sets
// the method, URL, and headers; the rendered step input is sent as the
// request body for methods that carry one.
type HTTPExecutor struct {
	client *http.Client
}

// httpConfig is the step configuration for the http executor.
type httpConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// httpOutput is the step output: status code plus the parsed response body.
type httpOutput struct {
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// NewHTTPExecutor creates the http executor. The client carries no timeout
// of its own; the per-attempt deadline arrives via ctx.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: 0},
	}
}

func (e *HTTPExecutor) Kind() string { return "http" }

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	var cfg httpConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid http step config").
			WithStep(req.StepID).WithCause(err)
	}
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http step config requires url").
			WithStep(req.StepID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	var body io.Reader
	if len(req.Input) > 0 && cfg.Method != http.MethodGet && cfg.Method != http.MethodHead {
		body = bytes.NewReader(req.Input)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build http request: %s", err.Error()).
			WithStep(req.StepID).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http request failed: %s", err.Error()).
			WithStep(req.StepID).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read http response: %s", err.Error()).
			WithStep(req.StepID).WithCause(err)
	}

	out := httpOutput{Status: resp.StatusCode}
	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		out.Body = parsed
	} else {
		out.Raw = string(respBody)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"http step got status %d from %s %s after %s", resp.StatusCode, cfg.Method, cfg.URL,
			time.Since(start).Round(time.Millisecond)).
			WithStep(req.StepID).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(respBody)})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal http output: %w", err)
	}
	return &Result{Output: data}, nil
}

var _ StepExecutor = (*HTTPExecutor)(nil)
