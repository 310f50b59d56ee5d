// Package ollama implements ports.Inference against an Ollama-compatible
// /api/chat endpoint. It is the default concrete backend wired by
// cmd/halcyond when inference.backend_url points at a local Ollama
// instance (the config default is http://127.0.0.1:11434).
//
// There is no third-party Ollama or OpenAI client in the reference pack —
// the teacher's own LLM package talks to every provider over a hand-rolled
// net/http client and an ndjson scanner, so this adapter follows the same
// wire-level approach rather than reaching for an unseen dependency.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"halcyon/internal/ports"
)

// Client talks to an Ollama server's /api/chat endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ ports.Inference = (*Client)(nil)

// New constructs a Client against baseURL (e.g. "http://127.0.0.1:11434").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (c *Client) request(prompt string, opts ports.CompletionOptions, stream bool) (chatRequest, string) {
	model := opts.Model
	if model == "" {
		model = "llama3"
	}
	messages := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  chatOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens},
	}, model
}

// Generate issues a non-streaming chat completion (spec §4.3's synchronous path).
func (c *Client) Generate(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
	req, model := c.request(prompt, opts, false)
	body, err := json.Marshal(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("marshal ollama request: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.http.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return ports.Completion{}, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(payload))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.Completion{}, fmt.Errorf("decode ollama response: %w", err)
	}

	return ports.Completion{
		Text:  out.Message.Content,
		Model: model,
		Usage: ports.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// GenerateStream issues a streaming chat completion: the server emits one
// JSON object per ndjson line, the final line carrying done:true. Mirrors
// the teacher's own ollama stream-decode shape (bufio.Scanner over the
// response body).
func (c *Client) GenerateStream(ctx context.Context, prompt string, opts ports.CompletionOptions) (<-chan ports.Delta, error) {
	req, _ := c.request(prompt, opts, true)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(payload))
	}

	out := make(chan ports.Delta)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		var prompted, completed int
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.PromptEvalCount > 0 {
				prompted = chunk.PromptEvalCount
			}
			if chunk.EvalCount > 0 {
				completed = chunk.EvalCount
			}
			if chunk.Done {
				usage := ports.Usage{PromptTokens: prompted, CompletionTokens: completed, TotalTokens: prompted + completed}
				select {
				case out <- ports.Delta{Done: true, Usage: &usage}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- ports.Delta{Text: chunk.Message.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health pings the server's root endpoint, which Ollama serves unauthenticated.
func (c *Client) Health(ctx context.Context) (ports.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return ports.Health{}, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ports.Health{Healthy: false, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ports.Health{Healthy: false, Reason: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return ports.Health{Healthy: true}, nil
}
