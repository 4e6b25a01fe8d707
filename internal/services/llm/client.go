package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	jsonResponseType   = "json_object"
	defaultHTTPTimeout = 10 * time.Minute
	defaultBaseURL     = "https://api.openai.com/v1/chat/completions"
)

// Config captures the runtime settings required to talk to the endpoint.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Referer         string
	Title           string
	Temperature     float64
	MaxTokens       int
	TopP            float64
	ReasoningEffort string
	TimeoutSeconds  int
}

// Client wraps an OpenAI-compatible chat completion API. Each call is a
// single attempt; retry policy belongs to the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Referer = strings.TrimSpace(cfg.Referer)
	cfg.Title = strings.TrimSpace(cfg.Title)
	cfg.ReasoningEffort = strings.TrimSpace(cfg.ReasoningEffort)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat completion call.
type Request struct {
	Messages []Message
	// JSON asks the endpoint for a JSON object response.
	JSON bool
}

// Completion is the decoded result of a successful call.
type Completion struct {
	Content      string
	Reasoning    string
	FinishReason string
	Body         string
}

// Complete issues one chat completion request. Transport and HTTP failures
// are returned as-is (see IsRetryable); an answer with no content yields an
// *EmptyContentError.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	var empty Completion
	if c.cfg.APIKey == "" {
		return empty, errors.New("llm complete: api key required")
	}
	if len(req.Messages) == 0 {
		return empty, errors.New("llm complete: at least one message required")
	}
	payload := chatCompletionRequest{
		Model:           c.cfg.Model,
		Messages:        req.Messages,
		Temperature:     c.cfg.Temperature,
		MaxTokens:       c.cfg.MaxTokens,
		TopP:            c.cfg.TopP,
		ReasoningEffort: c.cfg.ReasoningEffort,
	}
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": jsonResponseType}
	}

	completion, body, err := c.send(ctx, payload)
	if err != nil {
		return empty, err
	}
	content, reasoning, finishReason := extractCompletionPayload(completion)
	if content == "" {
		if len(completion.Choices) == 0 {
			return empty, &EmptyContentError{Snippet: summarizePayloadSnippet(string(body)), NoChoices: true}
		}
		return empty, &EmptyContentError{
			FinishReason: finishReason,
			Refusal:      extractCompletionRefusal(completion),
			Snippet:      summarizePayloadSnippet(string(body)),
		}
	}
	return Completion{
		Content:      content,
		Reasoning:    reasoning,
		FinishReason: finishReason,
		Body:         string(body),
	}, nil
}

// HealthCheck issues a fast ping to verify the API key and model are usable.
func (c *Client) HealthCheck(ctx context.Context) error {
	completion, err := c.Complete(ctx, Request{
		Messages: []Message{
			{Role: "system", Content: "You must respond with JSON only."},
			{Role: "user", Content: "Respond with {\"ok\":true}"},
		},
		JSON: true,
	})
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := DecodeLLMJSON(completion.Content, &parsed); err != nil {
		return fmt.Errorf("llm health: parse payload: %w", err)
	}
	if !parsed.OK {
		return errors.New("llm health: unexpected response")
	}
	return nil
}

type chatCompletionRequest struct {
	Model           string            `json:"model"`
	Messages        []Message         `json:"messages"`
	Temperature     float64           `json:"temperature"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	TopP            float64           `json:"top_p,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	ResponseFormat  map[string]string `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
		// Some providers return the streaming schema (delta) even when stream=false.
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionMessage struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content"`
	Reasoning        string     `json:"reasoning"`
	ToolCalls        []toolCall `json:"tool_calls"`
	Refusal          string     `json:"refusal"`
}

type toolCall struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func extractCompletionPayload(completion chatCompletionResponse) (content, reasoning, finishReason string) {
	for _, choice := range completion.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		if reasoning == "" {
			reasoning = firstNonEmpty(
				choice.Message.ReasoningContent,
				choice.Message.Reasoning,
				choice.Delta.ReasoningContent,
				choice.Delta.Reasoning,
			)
		}
		if content = firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, reasoning, finishReason
		}
		if content = firstNonEmpty(toolCallArguments(choice.Message.ToolCalls), toolCallArguments(choice.Delta.ToolCalls)); content != "" {
			return content, reasoning, finishReason
		}
	}
	return "", reasoning, finishReason
}

func extractCompletionRefusal(completion chatCompletionResponse) string {
	for _, choice := range completion.Choices {
		if refusal := firstNonEmpty(choice.Message.Refusal, choice.Delta.Refusal); refusal != "" {
			return refusal
		}
	}
	return ""
}

func toolCallArguments(calls []toolCall) string {
	for _, call := range calls {
		if args := strings.TrimSpace(call.Function.Arguments); args != "" {
			return args
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (c *Client) send(ctx context.Context, payload chatCompletionRequest) (chatCompletionResponse, []byte, error) {
	var completion chatCompletionResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return completion, nil, fmt.Errorf("llm request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return completion, nil, fmt.Errorf("llm request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return completion, nil, fmt.Errorf("llm request: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return completion, nil, fmt.Errorf("llm request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return completion, body, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Delay:      retryAfter,
		}
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return completion, body, &MalformedResponseError{Snippet: summarizePayloadSnippet(string(body)), Err: err}
	}
	if completion.Error != nil {
		return completion, body, fmt.Errorf("llm request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	return completion, body, nil
}
