package editor

import (
	"errors"

	"tenderdesk/api/internal/richtext"
)

var ErrInvalidLink = errors.New("invalid link target")

var _ richtext.RichTextCommand = (*Surface)(nil)

func (s *Surface) Bold(r richtext.Range) error {
	return s.edit(func(doc *richtext.Document) error {
		return doc.ApplyInline(r, "strong")
	})
}

func (s *Surface) Italic(r richtext.Range) error {
	return s.edit(func(doc *richtext.Document) error {
		return doc.ApplyInline(r, "em")
	})
}

func (s *Surface) List(r richtext.Range, ordered bool) error {
	tag := "ul"
	if ordered {
		tag = "ol"
	}
	return s.edit(func(doc *richtext.Document) error {
		return doc.ApplyBlock(r, tag)
	})
}

func (s *Surface) Blockquote(r richtext.Range) error {
	return s.edit(func(doc *richtext.Document) error {
		return doc.ApplyBlock(r, "blockquote")
	})
}

func (s *Surface) Link(r richtext.Range, href string) error {
	target, ok := richtext.SafeHref(href)
	if !ok {
		return ErrInvalidLink
	}
	return s.edit(func(doc *richtext.Document) error {
		return doc.ApplyInline(r, "a", richtext.Attr{Key: "href", Val: target})
	})
}

// Undo steps back through keystroke-level history. It never touches the
// rewrite slots.
func (s *Surface) Undo() error {
	return s.travel(s.history.Undo)
}

func (s *Surface) Redo() error {
	return s.travel(s.history.Redo)
}

func (s *Surface) travel(step func(string) (string, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	target, err := step(s.doc.HTML())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	doc, err := richtext.Parse(target)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = doc
	listeners := s.snapshotListeners(EventInput)
	s.mu.Unlock()
	emit(listeners, Event{Kind: EventInput, HTML: target})
	return nil
}

func (s *Surface) edit(fn func(*richtext.Document) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	next := s.doc.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.history.Record(s.doc.HTML())
	s.doc = next
	html := next.HTML()
	listeners := s.snapshotListeners(EventInput)
	s.mu.Unlock()
	emit(listeners, Event{Kind: EventInput, HTML: html})
	return nil
}
