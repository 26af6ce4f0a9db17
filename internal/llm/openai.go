package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrServiceUnavailable is returned when the completion service cannot
// produce an answer: missing credentials, transport errors, timeouts or an
// empty choice list.
var ErrServiceUnavailable = errors.New("completion service unavailable")

// ErrMalformedResponse is returned when the service answered but the text
// does not match the schema the caller expected.  Callers treat it exactly
// like ErrServiceUnavailable.
var ErrMalformedResponse = errors.New("malformed completion response")

// Message is a minimal chat message used by the dialogue controller.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call: a system prompt followed by the
// role-tagged conversation history.  Summary selects the summary model.
type Request struct {
	System    string
	History   []Message
	MaxTokens int
	Summary   bool
}

// Client is the text-completion service contract.  Complete returns the raw
// assistant text or an error wrapping ErrServiceUnavailable.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config configures an OpenAIClient.  BaseURL may point at any
// OpenAI-compatible provider such as Groq.
// SummaryModel defaults to Model.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SummaryModel string
	MaxTokens    int
}

// OpenAIClient calls an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	summaryModel string
	maxTokens    int
}

// NewOpenAIClient constructs a client from cfg.  With no API key the client
// is still usable but every call fails with ErrServiceUnavailable, which
// keeps the conversation running on fallbacks in local development.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	c := &OpenAIClient{model: cfg.Model, summaryModel: cfg.SummaryModel, maxTokens: cfg.MaxTokens}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.summaryModel == "" {
		c.summaryModel = c.model
	}
	if cfg.APIKey == "" {
		return c
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	c.client = openai.NewClientWithConfig(oc)
	return c
}

// Complete sends the system prompt and history to the chat completion API and
// returns the assistant's response.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("%w: no API key configured", ErrServiceUnavailable)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	for _, m := range req.History {
		role := m.Role
		if role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	model := c.model
	if req.Summary {
		model = c.summaryModel
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrServiceUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// DecodeJSON strips markdown code fences from a model reply and unmarshals
// the remaining JSON object into v.  If v has a Validate method it is called
// so that missing required fields count as a schema mismatch.  Any failure
// wraps ErrMalformedResponse.
func DecodeJSON(text string, v any) error {
	clean := strings.TrimSpace(text)
	clean = strings.ReplaceAll(clean, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(clean), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if sv, ok := v.(interface{ Validate() error }); ok {
		if err := sv.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}
