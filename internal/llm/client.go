// Package llm provides the LLM collaborator boundary for work item execution
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloud-shuttle/muster/internal/config"
)

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest asks the model to produce a structured document
type ChatRequest struct {
	Prompt  string          // Agent's configured system prompt
	Context map[string]any  // Read-only projection of project/work item/agent state
	Schema  json.RawMessage // Expected output shape the response must conform to
}

// ChatResponse is the model's structured reply
type ChatResponse struct {
	Content json.RawMessage
	Usage   Usage
}

// Client is the LLM collaborator. An error return or an empty Content are
// both treated as terminal failures by the orchestrator.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint
type HTTPClient struct {
	baseURL string
	model   string
	apiKey  config.Secret
	client  *http.Client
}

// NewHTTPClient creates a client for an OpenAI-compatible endpoint
func NewHTTPClient(baseURL, model string, apiKey config.Secret) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat generates a structured completion
func (c *HTTPClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	contextDoc, err := json.MarshalIndent(req.Context, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}

	var user strings.Builder
	user.WriteString("Context:\n")
	user.Write(contextDoc)
	user.WriteString("\n\nRespond with a single JSON object matching this shape:\n")
	user.Write(req.Schema)

	body := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Prompt},
			{Role: "user", Content: user.String()},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey.IsSet() {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey.Value())
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(respBody))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices returned")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	return &ChatResponse{
		Content: json.RawMessage(content),
		Usage:   completion.Usage,
	}, nil
}
