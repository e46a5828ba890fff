// Package llm implements the LLM capability as a streaming,
// OpenAI-compatible chat-completions client. Grounded on the teacher's
// internal/llm/cerebras.go (Cerebras exposes an OpenAI-compatible
// /v1/chat/completions endpoint) generalized from a one-shot JSON response
// to `stream: true` Server-Sent Events, parsed by hand the same way
// BaSui01-agentflow's Anthropic provider parses its SSE body: a
// bufio.Reader, line-by-line, "data:"-prefixed JSON payloads, ending on the
// literal "[DONE]" sentinel OpenAI-compatible servers emit.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chadiek/voxdialog/internal/capability"
	"github.com/chadiek/voxdialog/internal/model"
)

const defaultSystemPrompt = "You are a helpful, concise voice AI agent. Answer clearly and briefly."

// Client talks to any OpenAI-compatible chat-completions endpoint
// (Cerebras, the teacher's original target, or any equivalent server).
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	Model      string
}

// New returns a Client. endpoint defaults to Cerebras's endpoint, matching
// the teacher.
func New(apiKey, model, endpoint string) *Client {
	if endpoint == "" {
		endpoint = "https://api.cerebras.ai/v1/chat/completions"
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 0}, // streaming: caller's ctx governs deadlines
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Model:      model,
	}
}

// Factory adapts New to capability.Factory for registry wiring.
func Factory(cfg map[string]any) (capability.Provider, error) {
	apiKey, _ := cfg["api_key"].(string)
	modelName, _ := cfg["model"].(string)
	endpoint, _ := cfg["endpoint"].(string)
	return New(apiKey, modelName, endpoint), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

// Generate implements capability.LLM. Honors ctx: the underlying HTTP
// request is bound to ctx, and the token/error channels stop being written
// to the moment ctx is done, whichever comes first.
func (c *Client) Generate(ctx context.Context, systemPrompt string, history []model.HistoryEntry, userText string) (<-chan string, <-chan error) {
	tokens := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		if c.APIKey == "" {
			errs <- fmt.Errorf("llm: api key missing")
			return
		}
		if systemPrompt == "" {
			systemPrompt = defaultSystemPrompt
		}

		messages := make([]chatMessage, 0, len(history)+2)
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
		for _, h := range history {
			role := "user"
			if h.Role == model.RoleAssistant {
				role = "assistant"
			}
			messages = append(messages, chatMessage{Role: role, Content: h.Text})
		}
		messages = append(messages, chatMessage{Role: "user", Content: userText})

		body, err := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Stream: true})
		if err != nil {
			errs <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("llm: status=%d body=%s", resp.StatusCode, string(b))
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			if ctx.Err() != nil {
				return
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					errs <- fmt.Errorf("llm: stream read: %w", err)
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, ch := range chunk.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case tokens <- ch.Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return tokens, errs
}

var _ capability.LLM = (*Client)(nil)
