// Package generate sources auto-reply text from an external generation
// backend. The mesh layer only depends on the Generator interface.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Turn is one prior exchange handed to the backend for context.
type Turn struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Generator produces reply text for an auto-replying participant.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []Turn) (string, error)
}

// GenerationError wraps any backend failure so callers can distinguish
// generation failures from transport or protocol errors.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// HTTPClient calls a chat-completions style HTTP endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ Generator = (*HTTPClient)(nil)

func NewHTTPClient(endpoint, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	req := completionRequest{Model: c.model}
	for _, turn := range history {
		req.Messages = append(req.Messages, completionMessage{
			Role:    "user",
			Content: fmt.Sprintf("%s: %s", turn.Speaker, turn.Content),
		})
	}
	req.Messages = append(req.Messages, completionMessage{Role: "user", Content: prompt})

	encoded, err := json.Marshal(req)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &GenerationError{Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &GenerationError{Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &GenerationError{Err: fmt.Errorf("backend returned no choices")}
	}
	return out.Choices[0].Message.Content, nil
}
