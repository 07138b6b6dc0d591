package richtext

import (
	"errors"
	"strings"
)

// ErrPartialSelection is what a browser's surroundContents throws when the
// range partially selects a non-text node.
var ErrPartialSelection = errors.New("range partially selects an element")

// SplitAttr tags the partial copies WrapJoinable makes of elements the range
// only partly covers. A "head" piece belongs at the end of the element before
// it, a "tail" piece at the start of the element after it.
const SplitAttr = "data-split"

const (
	splitHead = "head"
	splitTail = "tail"
)

// Surround moves the nodes inside r into wrapper, in place. It fails with
// ErrPartialSelection when r crosses element boundaries, leaving only split
// text nodes behind.
func (d *Document) Surround(r Range, wrapper *Node) error {
	if err := d.validate(r); err != nil {
		return err
	}
	d.splitAt(r.Start)
	d.splitAt(r.End)
	first, last := d.boundaryNodes(r)
	if first == nil || last == nil {
		return ErrEmptyRange
	}
	if first.Parent != last.Parent {
		return ErrPartialSelection
	}
	parent := first.Parent
	from, to := first.Index(), last.Index()
	moved := append([]*Node(nil), parent.Children[from:to+1]...)
	for _, n := range moved {
		n.detach()
	}
	wrapper.AppendChild(moved...)
	parent.InsertAt(from, wrapper)
	return nil
}

// ExtractInto pulls the content of r out of the tree, cloning any element
// that is only partly covered, appends it to wrapper and reinserts wrapper
// where the range started.
func (d *Document) ExtractInto(r Range, wrapper *Node) error {
	return d.extractInto(r, wrapper, false)
}

func (d *Document) extractInto(r Range, wrapper *Node, mark bool) error {
	if err := d.validate(r); err != nil {
		return err
	}
	parent, base := d.commonAncestor(r)
	extracted, insertAt := extractChildren(parent, r.Start-base, r.End-base, mark)
	wrapper.AppendChild(extracted...)
	parent.InsertAt(insertAt, wrapper)
	return nil
}

// Wrap surrounds r with wrapper, falling back to ExtractInto when the native
// surround refuses a selection that crosses element boundaries.
func (d *Document) Wrap(r Range, wrapper *Node) error {
	err := d.Surround(r, wrapper)
	if errors.Is(err, ErrPartialSelection) {
		return d.ExtractInto(r, wrapper)
	}
	return err
}

// WrapJoinable is Wrap for wrappers that will later be unwrapped. Elements
// cut by the extract fallback carry SplitAttr so Rejoin can stitch them back.
func (d *Document) WrapJoinable(r Range, wrapper *Node) error {
	err := d.Surround(r, wrapper)
	if errors.Is(err, ErrPartialSelection) {
		return d.extractInto(r, wrapper, true)
	}
	return err
}

// Rejoin merges every piece tagged with SplitAttr into its neighbour of the
// same tag and drops the tag. Pieces with no such neighbour stay where they
// are.
func (d *Document) Rejoin() {
	pieces := d.Find(func(n *Node) bool {
		_, ok := n.Attr(SplitAttr)
		return ok
	})
	for _, piece := range pieces {
		side, _ := piece.Attr(SplitAttr)
		piece.RemoveAttr(SplitAttr)
		children := append([]*Node(nil), piece.Children...)
		switch side {
		case splitHead:
			if prev := piece.sibling(-1); prev != nil && prev.Tag == piece.Tag {
				prev.AppendChild(children...)
				piece.detach()
			}
		case splitTail:
			if next := piece.sibling(1); next != nil && next.Tag == piece.Tag {
				next.InsertAt(0, children...)
				piece.detach()
			}
		}
	}
	d.Normalize()
}

// sibling returns the nearest element next to n in direction step, passing
// over whitespace-only text.
func (n *Node) sibling(step int) *Node {
	if n.Parent == nil {
		return nil
	}
	siblings := n.Parent.Children
	for i := n.Index() + step; i >= 0 && i < len(siblings); i += step {
		switch c := siblings[i]; {
		case c.Type == ElementNode:
			return c
		case c.Type != TextNode || strings.TrimSpace(c.Text) != "":
			return nil
		}
	}
	return nil
}

// commonAncestor descends from the root while a single element child covers
// the whole of r. It returns that element and its starting text offset.
func (d *Document) commonAncestor(r Range) (*Node, int) {
	current, base := d.root, 0
	for {
		offset := base
		var next *Node
		nextBase := 0
		for _, c := range current.Children {
			l := c.textLen()
			if c.Type == ElementNode && l > 0 && offset <= r.Start && r.End <= offset+l {
				next, nextBase = c, offset
				break
			}
			offset += l
		}
		if next == nil {
			return current, base
		}
		current, base = next, nextBase
	}
}

// extractChildren removes the part of parent's children between lo and hi
// (offsets relative to parent) and returns it together with the child index
// where the extracted content used to begin.
func extractChildren(parent *Node, lo, hi int, mark bool) ([]*Node, int) {
	var extracted []*Node
	kept := make([]*Node, 0, len(parent.Children))
	insertAt := -1
	offset := 0
	for _, c := range parent.Children {
		n := c.textLen()
		cs, ce := offset, offset+n
		offset = ce

		contained := lo <= cs && ce <= hi && (n > 0 || (lo < cs && ce < hi))
		switch {
		case contained:
			if insertAt < 0 {
				insertAt = len(kept)
			}
			c.Parent = nil
			extracted = append(extracted, c)
		case ce <= lo:
			kept = append(kept, c)
		case cs >= hi:
			if insertAt < 0 {
				insertAt = len(kept)
			}
			kept = append(kept, c)
		case c.Type == TextNode:
			runes := []rune(c.Text)
			a, b := max(lo-cs, 0), min(hi-cs, n)
			if a > 0 {
				kept = append(kept, NewText(string(runes[:a])))
			}
			if insertAt < 0 {
				insertAt = len(kept)
			}
			extracted = append(extracted, NewText(string(runes[a:b])))
			if b < n {
				kept = append(kept, NewText(string(runes[b:])))
			}
			c.Parent = nil
		default:
			clone := c.shallowClone()
			if mark {
				side := splitTail
				if lo > cs {
					side = splitHead
				}
				clone.SetAttr(SplitAttr, side)
			}
			inner, _ := extractChildren(c, lo-cs, hi-cs, mark)
			clone.AppendChild(inner...)
			extracted = append(extracted, clone)
			kept = append(kept, c)
			if insertAt < 0 {
				insertAt = len(kept)
			}
		}
	}
	for _, c := range kept {
		c.Parent = parent
	}
	parent.Children = kept
	if insertAt < 0 {
		insertAt = len(kept)
	}
	return extracted, insertAt
}
