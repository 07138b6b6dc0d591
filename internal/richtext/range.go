package richtext

import (
	"errors"
	"strings"
)

var (
	ErrEmptyRange      = errors.New("range is empty")
	ErrRangeOutOfBound = errors.New("range is outside the document")
)

// Range is a half-open span of rune offsets into Document.Text. It is a value,
// so holding one never aliases the tree it was taken from.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) Collapsed() bool {
	return r.End <= r.Start
}

func (r Range) Contains(offset int) bool {
	return offset >= r.Start && offset < r.End
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Shift moves r to account for an edit that replaced edited with a span of
// newLen runes. Ranges overlapping the edit are clamped onto its new extent.
func (r Range) Shift(edited Range, newLen int) Range {
	delta := newLen - edited.Len()
	switch {
	case r.End <= edited.Start:
		return r
	case r.Start >= edited.End:
		return Range{Start: r.Start + delta, End: r.End + delta}
	}
	start, end := r.Start, r.End
	if start > edited.Start {
		start = edited.Start
	}
	if end >= edited.End {
		end += delta
	} else {
		end = edited.Start + newLen
	}
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

func (d *Document) validate(r Range) error {
	if r.Start < 0 || r.End > d.Len() || r.Start > r.End {
		return ErrRangeOutOfBound
	}
	if r.Collapsed() {
		return ErrEmptyRange
	}
	return nil
}

// Slice returns the text covered by r.
func (d *Document) Slice(r Range) string {
	runes := []rune(d.Text())
	if r.Start < 0 {
		r.Start = 0
	}
	if r.End > len(runes) {
		r.End = len(runes)
	}
	if r.Collapsed() {
		return ""
	}
	return string(runes[r.Start:r.End])
}

// IndexOf finds the first occurrence of text at or after from.
func (d *Document) IndexOf(text string, from int) (Range, bool) {
	if text == "" {
		return Range{}, false
	}
	runes := []rune(d.Text())
	if from < 0 {
		from = 0
	}
	if from > len(runes) {
		return Range{}, false
	}
	idx := strings.Index(string(runes[from:]), text)
	if idx < 0 {
		return Range{}, false
	}
	start := from + runeLen(string(runes[from:])[:idx])
	return Range{Start: start, End: start + runeLen(text)}, true
}

// RangeOf reports the span a node's text occupies in the document.
func (d *Document) RangeOf(target *Node) (Range, bool) {
	offset := 0
	found := false
	var result Range
	d.root.Walk(func(n *Node) bool {
		if found {
			return false
		}
		if n == target {
			result = Range{Start: offset, End: offset + n.textLen()}
			found = true
			return false
		}
		if n.Type == TextNode {
			offset += runeLen(n.Text)
		}
		return true
	})
	return result, found
}

type textSpan struct {
	node       *Node
	start, end int
}

func (d *Document) textSpans() []textSpan {
	var spans []textSpan
	offset := 0
	d.root.Walk(func(n *Node) bool {
		if n.Type == TextNode {
			l := runeLen(n.Text)
			spans = append(spans, textSpan{node: n, start: offset, end: offset + l})
			offset += l
		}
		return true
	})
	return spans
}

// splitAt guarantees a text node boundary at offset.
func (d *Document) splitAt(offset int) {
	for _, span := range d.textSpans() {
		if offset <= span.start || offset >= span.end {
			continue
		}
		runes := []rune(span.node.Text)
		cut := offset - span.start
		tail := NewText(string(runes[cut:]))
		span.node.Text = string(runes[:cut])
		parent := span.node.Parent
		parent.InsertAt(span.node.Index()+1, tail)
		return
	}
}

// boundaryNodes returns the first and last non-empty text nodes inside r,
// assuming splitAt has been applied to both ends.
func (d *Document) boundaryNodes(r Range) (*Node, *Node) {
	var first, last *Node
	for _, span := range d.textSpans() {
		if span.start == span.end {
			continue
		}
		if span.start >= r.Start && span.end <= r.End {
			if first == nil {
				first = span.node
			}
			last = span.node
		}
	}
	return first, last
}

// ReplaceRange swaps the content covered by r for a single text node.
// Offsets after r shift by runeLen(text) - r.Len().
func (d *Document) ReplaceRange(r Range, text string) error {
	if err := d.validate(r); err != nil {
		return err
	}
	parent, base := d.commonAncestor(r)
	_, insertAt := extractChildren(parent, r.Start-base, r.End-base, false)
	if text != "" {
		parent.InsertAt(insertAt, NewText(text))
	}
	d.Normalize()
	return nil
}
