// Package copilot runs the AI actions behind the proposal editor: evidence
// lookup, expand, summarise and custom prompts on a selection, whole section
// rewrites, answer feedback, and tender library questions.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Completer abstracts the language model so tests and offline runs can swap
// it out.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type Turn struct {
	Role    string
	Content string
}

type Prompt struct {
	System  string
	History []Turn
	User    string
	// Mode tags the action for logging and the mock; Input is the raw text
	// the action works on.
	Mode  string
	Input string
}

type Settings struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Error carries the upstream HTTP status of a failed model call.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("copilot: upstream status %d", e.Status)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatus() int { return e.Status }

var ErrEmptyCompletion = errors.New("copilot: empty choices")

// OpenAI completes prompts with the chat completions API.
type OpenAI struct {
	model string
	opts  []option.RequestOption
}

func NewOpenAI(cfg Settings) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{model: cfg.Model, opts: opts}, nil
}

func (o *OpenAI) Complete(ctx context.Context, prompt Prompt) (string, error) {
	client := openai.NewClient(o.opts...)

	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(prompt.System),
	}
	for _, turn := range prompt.History {
		switch turn.Role {
		case "assistant", "bot":
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(turn.Content))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(prompt.User))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: msgs,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &Error{Status: apiErr.StatusCode, Err: err}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Status: http.StatusBadGateway, Err: ErrEmptyCompletion}
	}
	return resp.Choices[0].Message.Content, nil
}
