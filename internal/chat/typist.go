package chat

import (
	"sync"
	"time"
)

// DefaultFrame approximates one display frame.
const DefaultFrame = 16 * time.Millisecond

// Scheduler runs fn once, on the next frame.
type Scheduler interface {
	Next(fn func())
}

// FrameScheduler schedules frames on wall-clock timers.
type FrameScheduler struct {
	Interval time.Duration
}

func (s FrameScheduler) Next(fn func()) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultFrame
	}
	time.AfterFunc(interval, fn)
}

type Frame struct {
	Text   string `json:"text"`
	Typing bool   `json:"typing"`
}

// Typist reveals a response a few characters per frame. Only one animation
// runs at a time: Start abandons any previous one, and every step checks that
// it still belongs to the current animation before touching state.
type Typist struct {
	mu     sync.Mutex
	sched  Scheduler
	batch  int
	runes  []rune
	shown  int
	typing bool
	gen    uint64
}

func NewTypist(sched Scheduler, batch int) *Typist {
	if sched == nil {
		sched = FrameScheduler{}
	}
	if batch <= 0 {
		batch = 1
	}
	return &Typist{sched: sched, batch: batch}
}

func (t *Typist) Start(text string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.runes = []rune(text)
	t.shown = 0
	t.typing = len(t.runes) > 0
	t.mu.Unlock()
	if len(text) > 0 {
		t.sched.Next(func() { t.step(gen) })
	}
}

func (t *Typist) step(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.shown = min(t.shown+t.batch, len(t.runes))
	if t.shown >= len(t.runes) {
		t.typing = false
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.sched.Next(func() { t.step(gen) })
}

// Stop freezes the animation where it is. It returns the text revealed so
// far and whether an animation was actually interrupted.
func (t *Typist) Stop() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.typing {
		return string(t.runes), false
	}
	t.gen++
	t.typing = false
	t.runes = t.runes[:t.shown]
	return string(t.runes), true
}

func (t *Typist) Frame() Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Frame{Text: string(t.runes[:t.shown]), Typing: t.typing}
}

func (t *Typist) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}
