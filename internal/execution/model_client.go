package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// InvocationRequest is one prompt sent to the completion service.
type InvocationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Parameters   map[string]any
}

// InvocationResult is the coerced outcome of a model call. RawText is always
// retained, even when Parsed is nil.
type InvocationResult struct {
	Parsed  any
	RawText string
}

// ModelInvoker is the completion-service dependency of the block executor.
// The engine treats the service as best-effort JSON-producing, never
// guaranteed.
type ModelInvoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error)
}

// ModelClient calls the external completion service over HTTP, enforcing a
// hard per-attempt timeout and retrying transient failures. It is pure
// beyond the network call.
type ModelClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	backoff    *BackoffCalculator
}

// NewModelClient creates a client for the completion service. timeout bounds
// each attempt (default 60s); transient failures are retried up to 2 times
// with light backoff.
func NewModelClient(baseURL, apiKey string, timeout time.Duration) *ModelClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ModelClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		maxRetries: 2,
		backoff:    NewBackoffCalculator(500, 5000, 2.0, 20),
	}
}

// completionRequest is the wire shape the completion service accepts.
type completionRequest struct {
	SystemPrompt string         `json:"system_prompt,omitempty"`
	UserPrompt   string         `json:"user_prompt"`
	Model        string         `json:"model"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Format       string         `json:"format"`
}

// completionResponse is the wire shape the completion service returns.
type completionResponse struct {
	Text string `json:"text"`
}

// Invoke sends the prompt requesting JSON-formatted output and coerces the
// response text into parsed JSON. A response that arrives but cannot be
// parsed is NOT retried here — retrying the same prompt rarely fixes
// formatting; it surfaces as a MalformedOutput error with RawText preserved.
func (c *ModelClient) Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
	var lastErr *BlockError

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.NextDelay(attempt - 1)
			log.Printf("🔄 [MODEL] Retry %d/%d for model %s after %v (last error: %v)",
				attempt, c.maxRetries, req.Model, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ClassifyInvocationError(ctx.Err())
			case <-time.After(delay):
			}
		}

		rawText, attemptErr := c.attempt(ctx, req)
		if attemptErr != nil {
			lastErr = attemptErr
			if attemptErr.Retryable {
				continue
			}
			return nil, attemptErr
		}

		parsed, parseErr := CoerceJSON(rawText)
		if parseErr != nil {
			log.Printf("⚠️ [MODEL] Model %s returned unparseable output (%d bytes)", req.Model, len(rawText))
			return &InvocationResult{Parsed: nil, RawText: rawText}, &BlockError{
				Tag:       TagMalformedOutput,
				Message:   fmt.Sprintf("response is not valid JSON: %v", parseErr),
				Retryable: false,
				Cause:     parseErr,
			}
		}

		return &InvocationResult{Parsed: parsed, RawText: rawText}, nil
	}

	log.Printf("❌ [MODEL] Model %s failed after %d attempts: %v", req.Model, c.maxRetries+1, lastErr)
	return nil, lastErr
}

// attempt performs a single HTTP call under the per-attempt deadline.
func (c *ModelClient) attempt(ctx context.Context, req InvocationRequest) (string, *BlockError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(completionRequest{
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Model:        req.Model,
		Parameters:   req.Parameters,
		Format:       "json",
	})
	if err != nil {
		return "", &BlockError{Message: fmt.Sprintf("failed to marshal request: %v", err), Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, "POST", c.baseURL+"/v1/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", &BlockError{Message: fmt.Sprintf("failed to create request: %v", err), Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		blockErr := ClassifyInvocationError(err)
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			blockErr = &BlockError{
				Tag:       TagModelTimeout,
				Message:   fmt.Sprintf("model did not respond within %v", c.timeout),
				Retryable: true,
				Cause:     err,
			}
		}
		return "", blockErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ClassifyInvocationError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", ClassifyHTTPStatus(resp.StatusCode, string(body))
	}

	var envelope completionResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		// The service itself broke its envelope contract; treat the whole
		// body as the model text and let coercion sort it out.
		return string(body), nil
	}

	return envelope.Text, nil
}

// CoerceJSON parses model output as JSON, with one fallback extraction pass
// for prose-wrapped responses: strip markdown code fences, then slice from
// the first opening brace/bracket to its matching last close.
func CoerceJSON(raw string) (any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}

	extracted := extractJSONCandidate(text)
	if extracted == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return nil, fmt.Errorf("fallback extraction failed: %w", err)
	}
	return parsed, nil
}

// extractJSONCandidate strips code fences and locates the outermost JSON
// object or array within prose.
func extractJSONCandidate(text string) string {
	// ```json ... ``` or plain ``` ... ```
	if idx := strings.Index(text, "```"); idx != -1 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end != -1 {
			text = strings.TrimSpace(rest[:end])
		} else {
			text = strings.TrimSpace(rest)
		}
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start != -1 && end > start {
			return text[start : end+1]
		}
	}
	return ""
}
