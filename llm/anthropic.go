// Package llm defines the decision interface for the orchestrator's
// reasoning loop and its Anthropic API implementation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Anthropic is a Decider backed by the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	maxTokens  int
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*Anthropic)

// WithAPIKey sets the API key.
func WithAPIKey(key string) AnthropicOption {
	return func(a *Anthropic) {
		a.apiKey = key
	}
}

// WithModel sets the model.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		a.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(a *Anthropic) {
		a.httpClient = client
	}
}

// WithMaxTokens sets the response token cap.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *Anthropic) {
		a.maxTokens = n
	}
}

// Default Anthropic configuration values
const (
	DefaultAnthropicTimeout   = 5 * time.Minute
	DefaultAnthropicModel     = "claude-sonnet-4-20250514"
	DefaultAnthropicBaseURL   = "https://api.anthropic.com"
	DefaultAnthropicMaxTokens = 4096
)

// NewAnthropic creates a new Anthropic decider.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: DefaultAnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultAnthropicTimeout,
		},
		model:     DefaultAnthropicModel,
		maxTokens: DefaultAnthropicMaxTokens,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// systemBlock is a structured system prompt block with optional cache control.
type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model     string         `json:"model"`
	Messages  []anthropicMsg `json:"messages"`
	System    []systemBlock  `json:"system,omitempty"`
	MaxTokens int            `json:"max_tokens"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

const decisionSystemPrompt = `You are the control loop of a multi-agent orchestrator.
Each turn you receive a goal, the history of steps so far, the worker
profiles available, and the tools you may invoke. Choose exactly one
tool per turn.

Respond with a single JSON object and nothing else:
{"thought": "<your reasoning>", "action": {"tool": "<tool name>", "parameters": {...}}}

The tool name must be one of the listed tools, spelled exactly.
Parameters must satisfy the tool's schema. When the goal is achieved,
invoke the success conclusion tool with a final summary; when it
cannot be achieved, invoke the failure conclusion tool with a reason.`

// ValidateKey makes a minimal API call to verify the API key is valid.
func (a *Anthropic) ValidateKey(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("API key is empty")
	}

	req := &anthropicRequest{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []anthropicMsg{{Role: "user", Content: "hi"}},
	}

	_, err := a.doRequest(ctx, req)
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid") || strings.Contains(errStr, "authentication") {
		return fmt.Errorf("invalid API key: %w", err)
	}
	return fmt.Errorf("could not reach Anthropic API: %w", err)
}

// Decide requests the next reasoning step for the task.
func (a *Anthropic) Decide(ctx context.Context, req DecisionRequest) (*Decision, error) {
	resp, err := a.doRequest(ctx, a.buildRequest(req))
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return ParseDecision(text.String())
}

func (a *Anthropic) buildRequest(req DecisionRequest) *anthropicRequest {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Goal:\n%s\n\n", req.Goal)
	fmt.Fprintf(&prompt, "Worker profiles:\n%s\n\n", req.Profiles)
	prompt.WriteString("Tools:\n")
	for _, t := range req.Tools {
		schema, _ := json.Marshal(t.Params)
		fmt.Fprintf(&prompt, "- %s: %s\n  parameters: %s\n", t.Name, t.Description, schema)
	}
	fmt.Fprintf(&prompt, "\nHistory:\n%s\n", req.Context)
	prompt.WriteString("\nChoose the next action.")

	return &anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		// The system prompt is identical every turn; cache it.
		System: []systemBlock{{
			Type:         "text",
			Text:         decisionSystemPrompt,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}},
		Messages: []anthropicMsg{{Role: "user", Content: prompt.String()}},
	}
}

func (a *Anthropic) createHTTPRequest(ctx context.Context, req *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	return httpReq, nil
}

func (a *Anthropic) doRequest(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	const maxRetries = 5

	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := a.createHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		httpResp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}

		body, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var resp anthropicResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return &resp, nil
		}

		// Retry on 429 (rate limit) and 529 (overloaded).
		if (httpResp.StatusCode == 429 || httpResp.StatusCode == 529) && attempt < maxRetries {
			wait := retryAfterDelay(httpResp, attempt)
			slog.Warn("API rate limited, retrying", "status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// retryAfterDelay returns how long to wait before retrying a rate-limited request.
// It respects the retry-after header if present, otherwise uses exponential backoff.
func retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// Exponential backoff: 5s, 10s, 20s, 40s, 60s
	wait := time.Duration(5<<uint(attempt)) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}
