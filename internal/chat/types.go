package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deepread/deepread/internal/providers"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNoMessages     = errors.New("chat request has no messages")
	ErrInvalidRole    = errors.New("chat message role must be one of system, user, assistant")
	ErrStreamConsumed = errors.New("chat stream was already consumed")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// LLMConfig identifies the provider, credentials and model for one request.
type LLMConfig struct {
	ProviderName string           `json:"provider_name"`
	Config       providers.Config `json:"config"`
	ModelName    string           `json:"model_name,omitempty"`
}

type Request struct {
	Messages  []Message `json:"messages"`
	LLMConfig LLMConfig `json:"llm_config"`
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for idx, message := range r.Messages {
		switch strings.TrimSpace(message.Role) {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: %w (got %q)", idx, ErrInvalidRole, message.Role)
		}
	}
	return nil
}

type EventKind string

const (
	EventContent EventKind = "content"
	EventUsage   EventKind = "usage"
	EventError   EventKind = "error"
)

// Event is one item of a chat stream. Content is set for EventContent, Usage
// for EventUsage and Err for EventError.
type Event struct {
	Kind    EventKind
	Content string
	Usage   *Usage
	Err     error
}

type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)
