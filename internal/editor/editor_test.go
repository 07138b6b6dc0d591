package editor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
)

func mountedSurface(t *testing.T, html string) *Surface {
	t.Helper()
	s := NewSurface()
	_, err := s.Mount(html)
	require.NoError(t, err)
	return s
}

func TestMountSeedsOnlyOnce(t *testing.T) {
	s := NewSurface()
	var changes []string
	s.On(EventChange, func(e Event) { changes = append(changes, e.HTML) })

	mounted, err := s.Mount("First answer")
	require.NoError(t, err)
	assert.True(t, mounted)
	assert.Equal(t, `<p class="mb-4">First answer</p>`, s.HTML())
	assert.Equal(t, []string{`<p class="mb-4">First answer</p>`}, changes, "formatted seed flows back up once")

	mounted, err = s.Mount("Second answer")
	require.NoError(t, err)
	assert.False(t, mounted)
	assert.Equal(t, `<p class="mb-4">First answer</p>`, s.HTML())
}

func TestMountWithMarkupEmitsNoChange(t *testing.T) {
	s := NewSurface()
	called := false
	s.On(EventChange, func(Event) { called = true })
	_, err := s.Mount(`<p>ready</p>`)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSetValueIsIdempotentWhenUnfocused(t *testing.T) {
	s := mountedSurface(t, `<p>Acme provides cloud services.</p>`)
	before := s.Snapshot()

	for i := 0; i < 3; i++ {
		applied, err := s.SetValue(`<p>Acme provides cloud services.</p>`)
		require.NoError(t, err)
		assert.False(t, applied)
	}
	assert.Equal(t, before.HTML(), s.HTML())
}

func TestSetValueNeverClobbersFocusedSurface(t *testing.T) {
	s := mountedSurface(t, `<p>draft</p>`)
	s.Focus()
	require.NoError(t, s.Input(`<p>draft being typed</p>`))

	applied, err := s.SetValue(`<p>server copy</p>`)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, `<p>draft being typed</p>`, s.HTML())

	s.Blur()
	applied, err = s.SetValue(`<p>server copy</p>`)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, `<p>server copy</p>`, s.HTML())
}

func TestCloseDropsListeners(t *testing.T) {
	s := mountedSurface(t, `<p>x</p>`)
	count := 0
	s.On(EventInput, func(Event) { count++ })
	require.NoError(t, s.Input(`<p>y</p>`))
	s.Close()
	require.NoError(t, s.Input(`<p>z</p>`))
	s.Focus()
	assert.Equal(t, 1, count)
	assert.Equal(t, `<p>y</p>`, s.HTML())
}

func TestUnsubscribe(t *testing.T) {
	s := mountedSurface(t, `<p>x</p>`)
	count := 0
	off := s.On(EventFocus, func(Event) { count++ })
	s.Focus()
	off()
	s.Blur()
	s.Focus()
	assert.Equal(t, 1, count)
}

func TestClickReportsFeedbackMarker(t *testing.T) {
	s := mountedSurface(t, `<p>We are <span class="feedback-text" data-feedback-id="feedback-1">very good</span> at this.</p>`)
	var got Event
	s.On(EventClick, func(e Event) { got = e })

	s.Click(9)
	assert.Equal(t, "feedback-1", got.FeedbackID)
	s.Click(1)
	assert.Empty(t, got.FeedbackID)
}

func TestSelectFillsText(t *testing.T) {
	s := mountedSurface(t, `<p>Acme provides cloud services.</p>`)
	sel := s.Select(Selection{Range: richtext.Range{Start: 5, End: 13}})
	assert.Equal(t, "provides", sel.Text)
}

func TestSelectionTrackerCentresMenu(t *testing.T) {
	tracker := NewSelectionTracker()
	menu := tracker.Update(Selection{
		Range:     richtext.Range{Start: 0, End: 4},
		Text:      "Acme",
		Bounds:    Rect{Top: 400, Left: 150, Width: 80, Height: 20},
		Container: Rect{Top: 100, Left: 50},
	})
	assert.True(t, menu.Visible)
	assert.Equal(t, 400-100+10-MenuHeight/2, menu.Top)
	assert.Equal(t, 100.0, menu.Left)

	stored, ok := tracker.Current()
	require.True(t, ok)
	stored.Range.End = 99
	again, _ := tracker.Current()
	assert.Equal(t, 4, again.Range.End, "stored range is a copy")

	menu = tracker.Update(Selection{Range: richtext.Range{Start: 2, End: 3}, Text: "  "})
	assert.False(t, menu.Visible)
	_, ok = tracker.Current()
	assert.False(t, ok)
}

func TestSyncerCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	content := ""
	syncer := NewSyncer(40*time.Millisecond, func() string {
		mu.Lock()
		defer mu.Unlock()
		return content
	}, func(html string) {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, html)
	})
	defer syncer.Close()

	for i := 1; i <= 5; i++ {
		mu.Lock()
		content = []string{"", "a", "ab", "abc", "abcd", "abcde"}[i]
		mu.Unlock()
		syncer.Touch()
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"abcde"}, writes)
}

func TestSyncerNeverFiresAfterClose(t *testing.T) {
	fired := make(chan string, 1)
	syncer := NewSyncer(20*time.Millisecond, func() string { return "x" }, func(html string) { fired <- html })
	syncer.Touch()
	syncer.Close()

	select {
	case <-fired:
		t.Fatal("write after close")
	case <-time.After(80 * time.Millisecond):
	}
	assert.False(t, syncer.Flush())
}

func TestSyncerFlush(t *testing.T) {
	var writes []string
	syncer := NewSyncer(time.Hour, func() string { return "now" }, func(html string) { writes = append(writes, html) })
	defer syncer.Close()

	assert.False(t, syncer.Flush(), "nothing pending")
	syncer.Touch()
	assert.True(t, syncer.Pending())
	assert.True(t, syncer.Flush())
	assert.Equal(t, []string{"now"}, writes)
	assert.False(t, syncer.Pending())
}

func TestRewriteHistorySingleSlot(t *testing.T) {
	state := outline.NewState("bid", []outline.Section{{ID: "s1", Answer: "original"}})
	history := NewRewriteHistory()

	rewrite := func(answer string) {
		prior, _ := state.Section(0)
		history.Capture(0, prior)
		require.NoError(t, state.SetAnswer(0, answer))
	}
	rewrite("rewrite A")
	rewrite("rewrite B")

	_, err := history.Undo(state)
	require.NoError(t, err)
	sec, _ := state.Section(0)
	assert.Equal(t, "rewrite A", sec.Answer, "undo restores the pre-B state")

	_, err = history.Undo(state)
	assert.ErrorIs(t, err, ErrNothingToUndo)
	sec, _ = state.Section(0)
	assert.Equal(t, "rewrite A", sec.Answer, "empty undo mutates nothing")

	_, err = history.Redo(state)
	require.NoError(t, err)
	sec, _ = state.Section(0)
	assert.Equal(t, "rewrite B", sec.Answer)

	_, err = history.Redo(state)
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestRewriteHistoryMissingSection(t *testing.T) {
	state := outline.NewState("bid", nil)
	history := NewRewriteHistory()
	history.Capture(3, outline.Section{ID: "gone"})
	_, err := history.Undo(state)
	assert.ErrorIs(t, err, outline.ErrSectionNotFound)
	assert.True(t, history.CanUndo(), "failed undo keeps the snapshot")
}

func TestCommandsAndNativeUndo(t *testing.T) {
	s := mountedSurface(t, `<p>Acme provides cloud services.</p>`)
	inputs := 0
	s.On(EventInput, func(Event) { inputs++ })

	require.NoError(t, richtext.Exec(s, richtext.CommandBold, richtext.Range{Start: 0, End: 4}, ""))
	assert.Equal(t, `<p><strong>Acme</strong> provides cloud services.</p>`, s.HTML())

	require.NoError(t, s.Link(richtext.Range{Start: 14, End: 19}, "https://acme.test"))
	assert.Contains(t, s.HTML(), `<a href="https://acme.test">cloud</a>`)
	assert.ErrorIs(t, s.Link(richtext.Range{Start: 0, End: 4}, "javascript:x"), ErrInvalidLink)

	require.NoError(t, s.Undo())
	require.NoError(t, s.Undo())
	assert.Equal(t, `<p>Acme provides cloud services.</p>`, s.HTML())
	assert.ErrorIs(t, s.Undo(), richtext.ErrHistoryEmpty)

	require.NoError(t, s.Redo())
	assert.Equal(t, `<p><strong>Acme</strong> provides cloud services.</p>`, s.HTML())
	assert.Equal(t, 5, inputs)
}
