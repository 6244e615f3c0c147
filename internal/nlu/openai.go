package nlu

import (
	"context"
	"errors"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// SystemPrompt steers the assistant when no Rasa server is available.  It
// mirrors the scope of the Rasa domain: explain the widget, talk about
// chronic lung disease symptoms, never diagnose.
const SystemPrompt = "You are a friendly assistant inside a chronic lung disease screening chat. " +
	"Answer briefly in plain language. You can explain how to upload a chest X-ray for analysis, " +
	"how to find nearby pulmonologists and how to type \"generate report\" for a PDF summary. " +
	"Never give a definitive diagnosis or prescribe treatment; recommend seeing a doctor instead."

// defaultHistoryTurns bounds the per-sender context sent with each request.
const defaultHistoryTurns = 10

// OpenAIConfig configures the OpenAI-backed relay.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIRelay answers chat turns with the OpenAI chat completion API.  It
// keeps a short history per sender so follow-up questions have context.
type OpenAIRelay struct {
	client *openai.Client
	model  string

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

// NewOpenAIRelay constructs an OpenAI-backed relay.  The model falls back to
// a small modern model when unset.
func NewOpenAIRelay(cfg OpenAIConfig) *OpenAIRelay {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIRelay{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		history: make(map[string][]openai.ChatCompletionMessage),
	}
}

// Send adds the message to the sender's history and returns the assistant's
// reply as a single text.
func (r *OpenAIRelay) Send(ctx context.Context, sender, message string) ([]string, error) {
	if r.client == nil {
		return nil, errors.New("openai client not initialized")
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message}
	r.mu.Lock()
	msgs := make([]openai.ChatCompletionMessage, 0, len(r.history[sender])+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt})
	msgs = append(msgs, r.history[sender]...)
	msgs = append(msgs, user)
	r.mu.Unlock()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    msgs,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)

	r.mu.Lock()
	h := append(r.history[sender], user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
	if len(h) > 2*defaultHistoryTurns {
		h = h[len(h)-2*defaultHistoryTurns:]
	}
	r.history[sender] = h
	r.mu.Unlock()

	if reply == "" {
		return nil, nil
	}
	return []string{reply}, nil
}

// Forget drops the history kept for sender.
func (r *OpenAIRelay) Forget(sender string) {
	r.mu.Lock()
	delete(r.history, sender)
	r.mu.Unlock()
}
