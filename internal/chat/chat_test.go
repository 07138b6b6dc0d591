package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (s *manualScheduler) Next(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// frames runs n frames, one queued step each.
func (s *manualScheduler) frames(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		fn()
	}
}

type memoryDrafts struct {
	data map[string][]Message
}

func (d *memoryDrafts) Load(_ context.Context, key string) ([]Message, error) {
	return append([]Message(nil), d.data[key]...), nil
}

func (d *memoryDrafts) Save(_ context.Context, key string, messages []Message) error {
	d.data[key] = append([]Message(nil), messages...)
	return nil
}

func (d *memoryDrafts) Delete(_ context.Context, key string) error {
	delete(d.data, key)
	return nil
}

type askerFunc func(ctx context.Context, question, history, bidID string) (string, error)

func (f askerFunc) AskLibrary(ctx context.Context, question, history, bidID string) (string, error) {
	return f(ctx, question, history, bidID)
}

type statusErr int

func (e statusErr) Error() string   { return "upstream status" }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestTypistRevealsOneCharacterPerFrame(t *testing.T) {
	sched := &manualScheduler{}
	typist := NewTypist(sched, 1)
	typist.Start("Yes.")

	assert.Equal(t, Frame{Text: "", Typing: true}, typist.Frame())
	sched.frames(2)
	assert.Equal(t, Frame{Text: "Ye", Typing: true}, typist.Frame())
	sched.frames(10)
	assert.Equal(t, Frame{Text: "Yes.", Typing: false}, typist.Frame())
}

func TestTypistStartCancelsPrevious(t *testing.T) {
	sched := &manualScheduler{}
	typist := NewTypist(sched, 2)
	typist.Start("first answer")
	sched.frames(1)
	typist.Start("second")

	sched.frames(20)
	assert.Equal(t, Frame{Text: "second", Typing: false}, typist.Frame())
}

func TestTypistStopFreezes(t *testing.T) {
	sched := &manualScheduler{}
	typist := NewTypist(sched, 1)
	typist.Start("abcdef")
	sched.frames(3)

	revealed, stopped := typist.Stop()
	assert.True(t, stopped)
	assert.Equal(t, "abc", revealed)

	sched.frames(10)
	assert.Equal(t, Frame{Text: "abc", Typing: false}, typist.Frame())

	_, stopped = typist.Stop()
	assert.False(t, stopped)
}

func TestOpenStartsWithGreeting(t *testing.T) {
	drafts := &memoryDrafts{data: map[string][]Message{}}
	panel, err := Open(context.Background(), Options{Key: "k", Drafts: drafts})
	require.NoError(t, err)
	assert.Equal(t, []Message{{Type: TypeBot, Text: Greeting}}, panel.Messages())
}

func TestAskAppendsAnswerAndPersists(t *testing.T) {
	ctx := context.Background()
	drafts := &memoryDrafts{data: map[string][]Message{}}
	sched := &manualScheduler{}
	var gotHistory, gotBid string
	asker := askerFunc(func(_ context.Context, question, history, bidID string) (string, error) {
		gotHistory, gotBid = history, bidID
		return "We hold **ISO 27001**.", nil
	})
	key := DraftKey(SurfacePreview, "u1", "b1")
	panel, err := Open(ctx, Options{Key: key, BidID: "b1", Asker: asker, Drafts: drafts, Scheduler: sched})
	require.NoError(t, err)

	reply, err := panel.Ask(ctx, "  Which certifications?  ")
	require.NoError(t, err)
	assert.Equal(t, "<p>We hold <strong>ISO 27001</strong>.</p>", reply.Text)
	assert.Equal(t, "bot: "+Greeting, gotHistory, "history excludes the new question")
	assert.Equal(t, "b1", gotBid)

	msgs := panel.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Type: TypeUser, Text: "Which certifications?"}, msgs[1])
	assert.Equal(t, reply, msgs[2])
	assert.Equal(t, msgs, drafts.data[key])
	assert.True(t, panel.Typing().Typing)

	reopened, err := Open(ctx, Options{Key: key, Drafts: drafts})
	require.NoError(t, err)
	assert.Equal(t, msgs, reopened.Messages())
}

func TestAskFailureTexts(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "bad request", err: statusErr(400), want: RejectedText},
		{name: "other status", err: statusErr(502), want: "upstream status"},
		{name: "plain error", err: errors.New("network unreachable"), want: "network unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asker := askerFunc(func(context.Context, string, string, string) (string, error) {
				return "", tt.err
			})
			panel, err := Open(context.Background(), Options{Key: "k", Asker: asker, Scheduler: &manualScheduler{}})
			require.NoError(t, err)

			reply, err := panel.Ask(context.Background(), "hello")
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply.Text)
			assert.False(t, panel.Loading())
			assert.False(t, panel.Typing().Typing)
			msgs := panel.Messages()
			assert.Equal(t, tt.want, msgs[len(msgs)-1].Text)
		})
	}
}

func TestAskWhileLoadingIsBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	asker := askerFunc(func(context.Context, string, string, string) (string, error) {
		close(entered)
		<-release
		return "done", nil
	})
	panel, err := Open(context.Background(), Options{Key: "k", Asker: asker, Scheduler: &manualScheduler{}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = panel.Ask(context.Background(), "first")
	}()
	<-entered
	assert.True(t, panel.Loading())
	msgs := panel.Messages()
	assert.Equal(t, LoadingText, msgs[len(msgs)-1].Text)

	_, err = panel.Ask(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
	<-done
}

func TestStopKeepsRevealedText(t *testing.T) {
	sched := &manualScheduler{}
	asker := askerFunc(func(context.Context, string, string, string) (string, error) {
		return "Twelve offices", nil
	})
	panel, err := Open(context.Background(), Options{Key: "k", Asker: asker, Scheduler: sched, Batch: 5})
	require.NoError(t, err)
	_, err = panel.Ask(context.Background(), "How many offices?")
	require.NoError(t, err)

	sched.frames(2)
	frame := panel.Stop(context.Background())
	assert.False(t, frame.Typing)
	assert.Equal(t, "<p>Twelve ", frame.Text)
	msgs := panel.Messages()
	assert.Equal(t, "<p>Twelve ", msgs[len(msgs)-1].Text)
}

func TestClearResetsTranscript(t *testing.T) {
	ctx := context.Background()
	drafts := &memoryDrafts{data: map[string][]Message{
		"k": {{Type: TypeBot, Text: Greeting}, {Type: TypeUser, Text: "hi"}},
	}}
	panel, err := Open(ctx, Options{Key: "k", Drafts: drafts})
	require.NoError(t, err)
	require.Len(t, panel.Messages(), 2)

	require.NoError(t, panel.Clear(ctx))
	assert.Equal(t, []Message{{Type: TypeBot, Text: Greeting}}, panel.Messages())
	_, stored := drafts.data["k"]
	assert.False(t, stored)
}

func TestToggleFeedback(t *testing.T) {
	panel, err := Open(context.Background(), Options{Key: "k"})
	require.NoError(t, err)

	got, err := panel.ToggleFeedback(0, "positive")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "positive"}, got)
	got, err = panel.ToggleFeedback(0, "negative")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "negative"}, got)
	got, err = panel.ToggleFeedback(0, "negative")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = panel.ToggleFeedback(4, "positive")
	assert.ErrorIs(t, err, ErrBadMessage)
}
