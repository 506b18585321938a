package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// AnthropicClient implements RawClassifier against an Anthropic-style
// messages endpoint. Any backend speaking the same request/response shape
// (including local mocks) works behind it.
type AnthropicClient struct {
	endpoint   string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropicClient constructs the reasoning service adapter.
func NewAnthropicClient(cfg config.ClassifierConfig) *AnthropicClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &AnthropicClient{
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ClassifyRaw posts the prompt and returns the first text block of the
// response. Network failures and 5xx responses surface as transient errors;
// rejected credentials are permanent.
func (c *AnthropicClient) ClassifyRaw(ctx context.Context, prompt string) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("reasoning endpoint not configured")
	}

	payload := messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", utils.Transient("reasoning request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", utils.Permanent("reasoning request", fmt.Errorf("credentials rejected: %s", resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", utils.Transient("reasoning request", fmt.Errorf("service returned %s", resp.Status))
	default:
		return "", utils.Permanent("reasoning request", fmt.Errorf("service returned %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", utils.Transient("reasoning response", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &utils.MalformedResponseError{Detail: "response envelope is not valid JSON", Err: err}
	}
	for _, block := range parsed.Content {
		if block.Type == "" || block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", &utils.MalformedResponseError{Detail: "response carries no text content"}
}
