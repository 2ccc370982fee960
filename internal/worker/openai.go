package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures a worker backed by an OpenAI-compatible
// chat-completions endpoint (OpenAI, vLLM, Ollama and similar servers).
type OpenAIConfig struct {
	// Model is the served model name.
	Model string
	// APIKey is the bearer token. If empty, uses OPENAI_API_KEY env var.
	APIKey string
	// BaseURL points at the server's /v1 root.
	BaseURL string
	// Temperature is the sampling temperature.
	Temperature float32
	// SystemPrompt is the worker persona.
	SystemPrompt string
	// MaxTokens caps the response length; zero leaves it to the server.
	MaxTokens int
}

// OpenAIWorker processes tasks through a chat-completions endpoint.
type OpenAIWorker struct {
	client  *openai.Client
	cfg     OpenAIConfig
	tracker *TokenTracker
}

// NewOpenAIWorker creates a worker for an OpenAI-compatible server.
func NewOpenAIWorker(cfg OpenAIConfig) (*OpenAIWorker, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai worker: model is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	// Self-hosted servers usually accept any token.
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIWorker{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		tracker: NewTokenTracker(),
	}, nil
}

// Tracker returns the token tracker for this worker.
func (w *OpenAIWorker) Tracker() *TokenTracker {
	return w.tracker
}

// Process sends the task as a chat completion and returns the first choice.
func (w *OpenAIWorker) Process(ctx context.Context, req Request) (string, error) {
	var messages []openai.ChatCompletionMessage
	if w.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: w.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: BuildPrompt(req),
	})

	temperature := w.cfg.Temperature
	if temperature == 0 {
		// A zero value is dropped from the request body by omitempty.
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := w.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       w.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   w.cfg.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	w.tracker.Add(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return "", Malformed(fmt.Errorf("task %s: no choices returned", req.TaskID))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", Malformed(fmt.Errorf("task %s: %w", req.TaskID, errEmptyOutput))
	}
	return text, nil
}

func classifyOpenAIError(err error) error {
	wrapped := fmt.Errorf("openai: %w", err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, wrapped)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, wrapped)
	}
	return Transient(wrapped)
}
