// Package genai personalizes reminder text with the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the completion carries no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultSystemPrompt frames the model as a clinic assistant writing a short reminder.
const DefaultSystemPrompt = "You write short, friendly appointment and medication reminders for a clinic. " +
	"Keep the message under 320 characters, plain text, no medical advice, and keep every fact from the draft."

// chatService is the subset of the OpenAI client the package needs.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey       string
	Model        string
	Temperature  float64
	SystemPrompt string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat         chatService
	model        string
	temperature  float64
	systemPrompt string
}

// NewClient initializes a GenAI client. Without WithAPIKey it reads OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini, Temperature: 0.3, SystemPrompt: DefaultSystemPrompt}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{
		chat:         &cli.Chat.Completions,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// GeneratePrompt returns the model's reply to systemPrompt and userPrompt.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI.GeneratePrompt: completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Personalize rewrites a drafted reminder for the named patient. An empty
// completion is treated as an error so callers fall back to the draft.
func (c *Client) Personalize(ctx context.Context, patientName, draft string) (string, error) {
	user := fmt.Sprintf("Patient first name: %s\nDraft reminder:\n%s", firstName(patientName), draft)
	out, err := c.GeneratePrompt(ctx, c.systemPrompt, user)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty personalization")
	}
	return out, nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
