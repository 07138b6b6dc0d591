// Package chat implements the assistant side panels: a persisted transcript,
// one question in flight at a time, and the typing reveal of each answer.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"tenderdesk/api/internal/richtext"
)

const (
	SurfacePreview = "previewSidepaneMessages"
	SurfaceLibrary = "tenderLibraryChatMessages"
)

const (
	Greeting     = "Ask questions here about your Tender Library documents"
	LoadingText  = "loading"
	RejectedText = "Message failed, please contact support..."
	FailedText   = "An error occurred while processing your request"
)

const (
	TypeUser = "user"
	TypeBot  = "bot"
)

var (
	ErrEmptyQuestion  = errors.New("question is required")
	ErrBusy           = errors.New("a question is already being answered")
	ErrUnknownSurface = errors.New("unknown chat surface")
	ErrBadMessage     = errors.New("no bot message at that index")
)

type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Asker answers a question against the company's tender library.
type Asker interface {
	AskLibrary(ctx context.Context, question, history, bidID string) (string, error)
}

// Drafts persists transcripts. Load returns nil when nothing is stored.
type Drafts interface {
	Load(ctx context.Context, key string) ([]Message, error)
	Save(ctx context.Context, key string, messages []Message) error
	Delete(ctx context.Context, key string) error
}

func ValidSurface(name string) bool {
	return name == SurfacePreview || name == SurfaceLibrary
}

// DraftKey scopes a surface's transcript to one user and bid.
func DraftKey(surface, userID, bidID string) string {
	return surface + ":" + userID + ":" + bidID
}

func greeting() []Message {
	return []Message{{Type: TypeBot, Text: Greeting}}
}

type Options struct {
	Key       string
	BidID     string
	Asker     Asker
	Drafts    Drafts
	Scheduler Scheduler
	// Batch is how many characters each typing frame reveals.
	Batch  int
	Logger *slog.Logger
}

type Panel struct {
	mu       sync.Mutex
	key      string
	bidID    string
	asker    Asker
	drafts   Drafts
	typist   *Typist
	logger   *slog.Logger
	messages []Message
	loading  bool
	feedback map[int]string
}

// Open loads the stored transcript for opts.Key, or starts one with the
// greeting.
func Open(ctx context.Context, opts Options) (*Panel, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Panel{
		key:      opts.Key,
		bidID:    opts.BidID,
		asker:    opts.Asker,
		drafts:   opts.Drafts,
		typist:   NewTypist(opts.Scheduler, opts.Batch),
		logger:   opts.Logger.With("chat", opts.Key),
		feedback: make(map[int]string),
	}
	if p.drafts != nil {
		stored, err := p.drafts.Load(ctx, p.key)
		if err != nil {
			return nil, err
		}
		p.messages = stored
	}
	if len(p.messages) == 0 {
		p.messages = greeting()
	}
	return p, nil
}

func (p *Panel) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func (p *Panel) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Ask posts question with the transcript so far as history. The answer, or
// the failure text, replaces the temporary loading message; a successful
// answer then starts typing.
func (p *Panel) Ask(ctx context.Context, question string) (Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Message{}, ErrEmptyQuestion
	}
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return Message{}, ErrBusy
	}
	p.stopTypingLocked()
	history := History(p.messages)
	p.messages = append(p.messages,
		Message{Type: TypeUser, Text: question},
		Message{Type: TypeBot, Text: LoadingText},
	)
	p.loading = true
	p.persistLocked(ctx)
	p.mu.Unlock()

	answer, err := p.asker.AskLibrary(ctx, question, history, p.bidID)

	p.mu.Lock()
	defer p.mu.Unlock()
	reply := Message{Type: TypeBot}
	if err != nil {
		p.logger.Warn("chat question failed", "error", err)
		reply.Text = failureText(err)
	} else {
		reply.Text = richtext.FormatResponse(answer)
	}
	if last := len(p.messages) - 1; last >= 0 && p.messages[last].Text == LoadingText {
		p.messages[last] = reply
	} else {
		p.messages = append(p.messages, reply)
	}
	p.loading = false
	p.persistLocked(ctx)
	if err == nil {
		p.typist.Start(reply.Text)
	}
	return reply, nil
}

// Clear resets the transcript to the greeting and drops the stored draft.
func (p *Panel) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typist.Stop()
	p.messages = greeting()
	p.feedback = make(map[int]string)
	if p.drafts == nil {
		return nil
	}
	return p.drafts.Delete(ctx, p.key)
}

// Stop freezes a running typing animation and keeps only the revealed text
// in the transcript.
func (p *Panel) Stop(ctx context.Context) Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTypingLocked()
	p.persistLocked(ctx)
	return p.typist.Frame()
}

func (p *Panel) Typing() Frame {
	return p.typist.Frame()
}

// ToggleFeedback records a thumbs up or down on a bot message. Repeating the
// same value clears it.
func (p *Panel) ToggleFeedback(index int, value string) (map[int]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.messages) || p.messages[index].Type != TypeBot {
		return nil, ErrBadMessage
	}
	if p.feedback[index] == value || value == "" {
		delete(p.feedback, index)
	} else {
		p.feedback[index] = value
	}
	out := make(map[int]string, len(p.feedback))
	for k, v := range p.feedback {
		out[k] = v
	}
	return out, nil
}

func (p *Panel) Close() {
	p.typist.Stop()
}

func (p *Panel) stopTypingLocked() {
	revealed, stopped := p.typist.Stop()
	if !stopped {
		return
	}
	if last := len(p.messages) - 1; last >= 0 && p.messages[last].Type == TypeBot {
		p.messages[last].Text = revealed
	}
}

func (p *Panel) persistLocked(ctx context.Context) {
	if p.drafts == nil {
		return
	}
	if err := p.drafts.Save(ctx, p.key, p.messages); err != nil {
		p.logger.Warn("chat draft save failed", "error", err)
	}
}

// History renders a transcript the way the library endpoint expects it.
func History(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Type+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

// HTTPStatusError is implemented by backend errors that carry a status code.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func failureText(err error) string {
	var coded HTTPStatusError
	if errors.As(err, &coded) && coded.HTTPStatus() == http.StatusBadRequest {
		return RejectedText
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return FailedText
}
