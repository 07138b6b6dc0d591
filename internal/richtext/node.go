// Package richtext models the editable section body as an HTML tree addressed
// by text offsets. It is the headless counterpart of a contentEditable region:
// ranges are measured in runes over the concatenated text content, and every
// mutation keeps the text content of untouched regions byte-identical.
package richtext

import "strings"

type NodeType uint8

const (
	TextNode NodeType = iota
	ElementNode
	FragmentNode
)

type Attr struct {
	Key string
	Val string
}

type Node struct {
	Type     NodeType
	Tag      string
	Attrs    []Attr
	Text     string
	Parent   *Node
	Children []*Node
}

func NewText(text string) *Node {
	return &Node{Type: TextNode, Text: text}
}

func NewElement(tag string, attrs ...Attr) *Node {
	return &Node{Type: ElementNode, Tag: strings.ToLower(tag), Attrs: attrs}
}

func newFragment() *Node {
	return &Node{Type: FragmentNode}
}

func (n *Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (n *Node) SetAttr(key, val string) {
	for i := range n.Attrs {
		if n.Attrs[i].Key == key {
			n.Attrs[i].Val = val
			return
		}
	}
	n.Attrs = append(n.Attrs, Attr{Key: key, Val: val})
}

func (n *Node) RemoveAttr(key string) {
	kept := n.Attrs[:0]
	for _, a := range n.Attrs {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attrs = kept
}

func (n *Node) HasClass(class string) bool {
	value, ok := n.Attr("class")
	if !ok {
		return false
	}
	for _, field := range strings.Fields(value) {
		if field == class {
			return true
		}
	}
	return false
}

// TextContent mirrors the DOM property: text of all descendants, no separators.
func (n *Node) TextContent() string {
	if n.Type == TextNode {
		return n.Text
	}
	var b strings.Builder
	n.writeText(&b)
	return b.String()
}

func (n *Node) writeText(b *strings.Builder) {
	if n.Type == TextNode {
		b.WriteString(n.Text)
		return
	}
	for _, c := range n.Children {
		c.writeText(b)
	}
}

func (n *Node) textLen() int {
	if n.Type == TextNode {
		return runeLen(n.Text)
	}
	total := 0
	for _, c := range n.Children {
		total += c.textLen()
	}
	return total
}

func (n *Node) Index() int {
	if n.Parent == nil {
		return -1
	}
	for i, c := range n.Parent.Children {
		if c == n {
			return i
		}
	}
	return -1
}

func (n *Node) AppendChild(children ...*Node) {
	for _, c := range children {
		c.detach()
		c.Parent = n
		n.Children = append(n.Children, c)
	}
}

func (n *Node) InsertAt(index int, children ...*Node) {
	for _, c := range children {
		c.detach()
	}
	if index < 0 {
		index = 0
	}
	if index > len(n.Children) {
		index = len(n.Children)
	}
	next := make([]*Node, 0, len(n.Children)+len(children))
	next = append(next, n.Children[:index]...)
	next = append(next, children...)
	next = append(next, n.Children[index:]...)
	for _, c := range children {
		c.Parent = n
	}
	n.Children = next
}

func (n *Node) detach() {
	if n.Parent == nil {
		return
	}
	parent := n.Parent
	for i, c := range parent.Children {
		if c == n {
			parent.Children = append(parent.Children[:i:i], parent.Children[i+1:]...)
			break
		}
	}
	n.Parent = nil
}

// Remove detaches n from its parent.
func (n *Node) Remove() {
	n.detach()
}

// ReplaceWith puts replacements where n was and detaches n.
func (n *Node) ReplaceWith(replacements ...*Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	index := n.Index()
	n.detach()
	parent.InsertAt(index, replacements...)
}

// Unwrap replaces n with its own children.
func (n *Node) Unwrap() {
	children := append([]*Node(nil), n.Children...)
	n.ReplaceWith(children...)
}

func (n *Node) shallowClone() *Node {
	return &Node{
		Type:  n.Type,
		Tag:   n.Tag,
		Attrs: append([]Attr(nil), n.Attrs...),
		Text:  n.Text,
	}
}

func (n *Node) Clone() *Node {
	c := n.shallowClone()
	for _, child := range n.Children {
		cc := child.Clone()
		cc.Parent = c
		c.Children = append(c.Children, cc)
	}
	return c
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range append([]*Node(nil), n.Children...) {
		c.Walk(fn)
	}
}

// normalize merges adjacent text nodes and drops empty ones.
func (n *Node) normalize() {
	merged := n.Children[:0]
	for _, c := range n.Children {
		if c.Type == TextNode {
			if c.Text == "" {
				c.Parent = nil
				continue
			}
			if last := len(merged) - 1; last >= 0 && merged[last].Type == TextNode {
				merged[last].Text += c.Text
				c.Parent = nil
				continue
			}
		} else {
			c.normalize()
		}
		merged = append(merged, c)
	}
	n.Children = merged
}

func runeLen(s string) int {
	count := 0
	for range s {
		count++
	}
	return count
}
