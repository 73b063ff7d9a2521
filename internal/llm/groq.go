package llm

import (
	"bufio"
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
	groqBaseURL      = "https://api.groq.com/openai/v1"
	groqDefaultModel = "llama3-8b-8192"

	// streamDoneSentinel terminates the delta stream.
	streamDoneSentinel = "[DONE]"
)

// GroqClient speaks the OpenAI-compatible Groq chat-completion API over a
// raw SSE transport. Unlike the SDK-backed providers it implements the
// frame-level contract directly: unparsable frames are skipped without
// aborting the stream, and a non-streamed JSON body is accepted as a
// fallback and treated as a single delta.
type GroqClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewGroqClient creates a new Groq client.
func NewGroqClient(apiKey string) (*GroqClient, error) {
	if apiKey == "" {
		return nil, errors.New("Groq API key is required")
	}
	return &GroqClient{
		httpClient: &http.Client{},
		baseURL:    groqBaseURL,
		apiKey:     apiKey,
	}, nil
}

// SetBaseURL overrides the API endpoint. Used by tests and self-hosted
// OpenAI-compatible deployments.
func (c *GroqClient) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

// Name returns the provider name.
func (c *GroqClient) Name() string {
	return "groq"
}

// Models returns available models.
func (c *GroqClient) Models() []string {
	return []string{
		"llama3-8b-8192",
		"llama3-70b-8192",
		"mixtral-8x7b-32768",
		"gemma-7b-it",
	}
}

// Wire types for the OpenAI-compatible chat completion API.

type groqChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type groqStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type groqCompletion struct {
	Model   string `json:"model"`
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
}

func (c *GroqClient) buildRequest(ctx context.Context, req *CompletionRequest, stream bool) (*http.Request, string, error) {
	model := req.Model
	if model == "" {
		model = groqDefaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	messages := req.Messages
	if req.System != "" {
		messages = append([]ChatMessage{{Role: "system", Content: req.System}}, messages...)
	}

	body, err := json.Marshal(groqChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, model, nil
}

// Complete sends a non-streaming completion request.
func (c *GroqClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	httpReq, model, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion request returned status %d", resp.StatusCode)
	}

	var completion groqCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}

	return c.toResponse(&completion, model, start), nil
}

// CompleteStream sends a streaming completion request. Deltas are delivered
// to the callback in arrival order until the [DONE] sentinel. When the
// server responds with a plain JSON completion instead of an event stream,
// the full content is delivered as a single delta.
func (c *GroqClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	httpReq, model, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("stream request returned status %d", resp.StatusCode)
	}

	// Non-streamed fallback: the provider answered with a single JSON
	// completion payload.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var completion groqCompletion
		if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
			return nil, fmt.Errorf("failed to decode fallback completion: %w", err)
		}
		out := c.toResponse(&completion, model, start)
		if out.Content != "" {
			if err := callback(out.Content, 0); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	var content strings.Builder
	var stopReason string
	index := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == streamDoneSentinel {
			return &CompletionResponse{
				Content:    content.String(),
				Model:      model,
				TokensIn:   0,
				TokensOut:  len(content.String()) / 4,
				StopReason: stopReason,
				LatencyMs:  time.Since(start).Milliseconds(),
			}, nil
		}

		var chunk groqStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed frames are dropped without aborting the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			content.WriteString(delta)
			if err := callback(delta, index); err != nil {
				return nil, err
			}
			index++
		}
		if chunk.Choices[0].FinishReason != "" {
			stopReason = chunk.Choices[0].FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	// Connection closed without the sentinel: a transport-level error.
	return nil, errors.New("stream ended before completion sentinel")
}

func (c *GroqClient) toResponse(completion *groqCompletion, fallbackModel string, start time.Time) *CompletionResponse {
	modelName := completion.Model
	if modelName == "" {
		modelName = fallbackModel
	}

	var content, stopReason string
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
		stopReason = completion.Choices[0].FinishReason
	}

	return &CompletionResponse{
		Content:    content,
		Model:      modelName,
		TokensIn:   completion.Usage.PromptTokens,
		TokensOut:  completion.Usage.CompletionTokens,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}
