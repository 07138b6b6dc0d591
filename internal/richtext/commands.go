package richtext

import (
	"errors"
	"fmt"
	"strings"
)

// RichTextCommand is the formatting capability an editing surface offers.
// Undo and Redo walk keystroke-level history only; whole-section rewrites
// keep their own history elsewhere.
type RichTextCommand interface {
	Bold(r Range) error
	Italic(r Range) error
	List(r Range, ordered bool) error
	Blockquote(r Range) error
	Link(r Range, href string) error
	Undo() error
	Redo() error
}

type Command string

const (
	CommandBold          Command = "bold"
	CommandItalic        Command = "italic"
	CommandUnorderedList Command = "insertUnorderedList"
	CommandOrderedList   Command = "insertOrderedList"
	CommandBlockquote    Command = "blockquote"
	CommandLink          Command = "createLink"
	CommandUndo          Command = "undo"
	CommandRedo          Command = "redo"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrHistoryEmpty   = errors.New("history is empty")
)

// Exec dispatches a named command, the way toolbar buttons address it.
func Exec(target RichTextCommand, cmd Command, r Range, value string) error {
	switch cmd {
	case CommandBold:
		return target.Bold(r)
	case CommandItalic:
		return target.Italic(r)
	case CommandUnorderedList:
		return target.List(r, false)
	case CommandOrderedList:
		return target.List(r, true)
	case CommandBlockquote:
		return target.Blockquote(r)
	case CommandLink:
		return target.Link(r, value)
	case CommandUndo:
		return target.Undo()
	case CommandRedo:
		return target.Redo()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// ApplyInline wraps r in a new inline element.
func (d *Document) ApplyInline(r Range, tag string, attrs ...Attr) error {
	return d.Wrap(r, NewElement(tag, attrs...))
}

// ApplyBlock wraps the top-level blocks touched by r in a container element.
// For lists every block becomes an <li> of the new container.
func (d *Document) ApplyBlock(r Range, tag string) error {
	if err := d.validate(r); err != nil {
		return err
	}
	first, last := -1, -1
	offset := 0
	for i, c := range d.root.Children {
		l := c.textLen()
		span := Range{Start: offset, End: offset + l}
		offset += l
		if l == 0 || !span.Overlaps(r) {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return ErrEmptyRange
	}
	blocks := append([]*Node(nil), d.root.Children[first:last+1]...)
	container := NewElement(tag)
	for _, b := range blocks {
		b.detach()
		if tag != "ul" && tag != "ol" {
			container.AppendChild(b)
			continue
		}
		item := NewElement("li")
		if b.Type == ElementNode && isParagraphLike(b.Tag) {
			item.AppendChild(append([]*Node(nil), b.Children...)...)
		} else {
			item.AppendChild(b)
		}
		container.AppendChild(item)
	}
	d.root.InsertAt(first, container)
	return nil
}

func isParagraphLike(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "li":
		return true
	}
	return false
}

// SafeHref accepts http(s), mailto and relative links.
func SafeHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "vbscript:") {
		return "", false
	}
	return href, true
}

// History is a bounded keystroke-level undo log of serialized states.
type History struct {
	limit int
	undo  []string
	redo  []string
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 100
	}
	return &History{limit: limit}
}

// Record saves the state being left behind by an edit.
func (h *History) Record(previous string) {
	if n := len(h.undo); n > 0 && h.undo[n-1] == previous {
		return
	}
	h.undo = append(h.undo, previous)
	if len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = nil
}

func (h *History) Undo(current string) (string, error) {
	if len(h.undo) == 0 {
		return "", ErrHistoryEmpty
	}
	last := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, current)
	return last, nil
}

func (h *History) Redo(current string) (string, error) {
	if len(h.redo) == 0 {
		return "", ErrHistoryEmpty
	}
	next := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, current)
	return next, nil
}

func (h *History) Reset() {
	h.undo = nil
	h.redo = nil
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }

func (h *History) CanRedo() bool { return len(h.redo) > 0 }
