// Package editor is the headless editing surface for one proposal section:
// the content tree, its focus and selection, debounced upward sync, and the
// rewrite undo slots.
package editor

import (
	"fmt"
	"sync"

	"tenderdesk/api/internal/richtext"
)

type EventKind int

const (
	EventFocus EventKind = iota
	EventBlur
	EventClick
	EventInput
	EventChange
	EventSelection
)

func (k EventKind) String() string {
	switch k {
	case EventFocus:
		return "focus"
	case EventBlur:
		return "blur"
	case EventClick:
		return "click"
	case EventInput:
		return "input"
	case EventChange:
		return "change"
	case EventSelection:
		return "selection"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind       EventKind
	HTML       string
	Selection  Selection
	Offset     int
	FeedbackID string
}

type Listener func(Event)

const feedbackAttr = "data-feedback-id"

// Surface owns the content tree of one section. Listeners are scoped to the
// surface: Close drops them all and later calls emit nothing.
type Surface struct {
	mu        sync.Mutex
	doc       *richtext.Document
	focused   bool
	mounted   bool
	closed    bool
	history   *richtext.History
	listeners map[EventKind]map[int]Listener
	nextID    int
}

func NewSurface() *Surface {
	return &Surface{
		doc:       richtext.MustParse(""),
		history:   richtext.NewHistory(200),
		listeners: make(map[EventKind]map[int]Listener),
	}
}

// On registers fn for kind and returns the func that removes it.
func (s *Surface) On(kind EventKind, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	if s.listeners[kind] == nil {
		s.listeners[kind] = make(map[int]Listener)
	}
	id := s.nextID
	s.nextID++
	s.listeners[kind][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[kind], id)
	}
}

// Mount seeds the surface from initial the first time only. When formatting
// changed the value, a change event carries the formatted markup back up.
func (s *Surface) Mount(initial string) (bool, error) {
	s.mu.Lock()
	if s.mounted || s.closed {
		s.mu.Unlock()
		return false, nil
	}
	formatted := richtext.FormatSectionText(initial)
	doc, err := richtext.Parse(formatted)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.doc = doc
	s.mounted = true
	listeners := s.snapshotListeners(EventChange)
	s.mu.Unlock()

	if formatted != initial {
		emit(listeners, Event{Kind: EventChange, HTML: formatted})
	}
	return true, nil
}

// SetValue applies an external update. It is ignored while the surface has
// focus, and when the incoming value renders to the markup already shown.
func (s *Surface) SetValue(value string) (bool, error) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return s.Mount(value)
	}
	if s.closed || s.focused {
		s.mu.Unlock()
		return false, nil
	}
	incoming := richtext.Normalize(richtext.FormatSectionText(value))
	if incoming == s.doc.HTML() {
		s.mu.Unlock()
		return false, nil
	}
	doc, err := richtext.Parse(incoming)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.doc = doc
	s.history.Reset()
	s.mu.Unlock()
	return true, nil
}

func (s *Surface) Focus() {
	s.setFocus(true, EventFocus)
}

func (s *Surface) Blur() {
	s.setFocus(false, EventBlur)
}

func (s *Surface) setFocus(focused bool, kind EventKind) {
	s.mu.Lock()
	if s.closed || s.focused == focused {
		s.mu.Unlock()
		return
	}
	s.focused = focused
	listeners := s.snapshotListeners(kind)
	s.mu.Unlock()
	emit(listeners, Event{Kind: kind})
}

func (s *Surface) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Input records a user edit: the surface now holds html.
func (s *Surface) Input(html string) error {
	doc, err := richtext.Parse(html)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	previous := s.doc.HTML()
	current := doc.HTML()
	if previous == current {
		s.mu.Unlock()
		return nil
	}
	s.history.Record(previous)
	s.doc = doc
	listeners := s.snapshotListeners(EventInput)
	s.mu.Unlock()

	emit(listeners, Event{Kind: EventInput, HTML: current})
	return nil
}

// Click reports a click at a text offset. Clicks landing in a feedback marker
// carry its id.
func (s *Surface) Click(offset int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	feedbackID := ""
	for _, n := range s.doc.Find(func(n *richtext.Node) bool {
		_, ok := n.Attr(feedbackAttr)
		return ok
	}) {
		if r, ok := s.doc.RangeOf(n); ok && r.Contains(offset) {
			feedbackID, _ = n.Attr(feedbackAttr)
		}
	}
	listeners := s.snapshotListeners(EventClick)
	s.mu.Unlock()
	emit(listeners, Event{Kind: EventClick, Offset: offset, FeedbackID: feedbackID})
}

// Select reports a selection change. The text is filled in from the tree.
func (s *Surface) Select(sel Selection) Selection {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return sel
	}
	sel.Text = s.doc.Slice(sel.Range)
	listeners := s.snapshotListeners(EventSelection)
	s.mu.Unlock()
	emit(listeners, Event{Kind: EventSelection, Selection: sel})
	return sel
}

func (s *Surface) HTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.HTML()
}

func (s *Surface) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// Snapshot returns a private copy of the content tree.
func (s *Surface) Snapshot() *richtext.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Mutate hands fn a copy of the live tree under the surface lock and installs
// whatever tree fn returns. Programmatic changes such as marker rendering skip
// the keystroke history and ignore focus.
func (s *Surface) Mutate(fn func(*richtext.Document) (*richtext.Document, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	next, err := fn(s.doc.Clone())
	if err != nil {
		return err
	}
	if next != nil {
		s.doc = next
		s.mounted = true
	}
	return nil
}

func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close detaches the surface. Every listener is dropped.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[EventKind]map[int]Listener)
}

func (s *Surface) snapshotListeners(kind EventKind) []Listener {
	out := make([]Listener, 0, len(s.listeners[kind]))
	for _, fn := range s.listeners[kind] {
		out = append(out, fn)
	}
	return out
}

func emit(listeners []Listener, event Event) {
	for _, fn := range listeners {
		fn(event)
	}
}
