package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"
)

// CallOptions configure one chat-completions call.
type CallOptions struct {
	Temperature float64       // default 0.2
	MaxTokens   int           // default 4096
	Timeout     time.Duration // default 120s
	JSONMode    bool
}

func (o *CallOptions) defaults() {
	if o.Temperature == 0 {
		o.Temperature = 0.2
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 4096
	}
	if o.Timeout == 0 {
		o.Timeout = 120 * time.Second
	}
}

// CallResult holds the response content and token usage.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	FinishReason string
	Model        string
}

// IsTruncated reports whether the output hit the max_tokens limit.
func (r *CallResult) IsTruncated() bool {
	return r.FinishReason == "length"
}

// Client calls OpenAI-compatible chat-completions endpoints directly.
type Client struct {
	logger *slog.Logger
}

// NewClient creates an LLM client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Chat sends a system+user message pair and returns the first choice.
func (c *Client) Chat(ctx context.Context, model *ModelConfig, system, user string, opts CallOptions) (*CallResult, error) {
	opts.defaults()
	if model.APIKey() == "" {
		return nil, fmt.Errorf("no API key available for model %s", model.ID)
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	reqBody := map[string]any{
		"model":       model.ID,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	if opts.JSONMode {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := model.BaseURL + "/chat/completions"
	c.logger.Debug("making LLM API request",
		"model", model.ID,
		"api_url", apiURL,
		"prompt_length", len(user),
		"max_tokens", opts.MaxTokens,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+model.APIKey())

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Error("LLM API request failed", "model", model.ID, "error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("LLM API error",
			"model", model.ID,
			"status_code", resp.StatusCode,
			"response", string(body),
		)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	result := &CallResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
		Model:        model.ID,
	}
	if result.IsTruncated() {
		c.logger.Warn("LLM output truncated",
			"model", model.ID,
			"output_tokens", result.OutputTokens,
			"max_tokens", opts.MaxTokens,
		)
	}
	return result, nil
}
