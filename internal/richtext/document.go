package richtext

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type Document struct {
	root *Node
}

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "source": {}, "track": {}, "wbr": {},
}

// Parse reads an HTML fragment the way a browser fills innerHTML of a div.
func Parse(src string) (*Document, error) {
	container := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), container)
	if err != nil {
		return nil, fmt.Errorf("parse html fragment: %w", err)
	}
	root := newFragment()
	for _, n := range nodes {
		if converted := convert(n); converted != nil {
			converted.Parent = root
			root.Children = append(root.Children, converted)
		}
	}
	return &Document{root: root}, nil
}

// MustParse is Parse for literals known to be well formed.
func MustParse(src string) *Document {
	doc, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return doc
}

func convert(n *html.Node) *Node {
	switch n.Type {
	case html.TextNode:
		return NewText(n.Data)
	case html.ElementNode:
		el := NewElement(n.Data)
		for _, a := range n.Attr {
			key := a.Key
			if a.Namespace != "" {
				key = a.Namespace + ":" + a.Key
			}
			el.Attrs = append(el.Attrs, Attr{Key: key, Val: a.Val})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if child := convert(c); child != nil {
				child.Parent = el
				el.Children = append(el.Children, child)
			}
		}
		return el
	default:
		return nil
	}
}

func (d *Document) Root() *Node {
	return d.root
}

func (d *Document) Clone() *Document {
	return &Document{root: d.root.Clone()}
}

// Text is the document's text content; Range offsets index into it by rune.
func (d *Document) Text() string {
	return d.root.TextContent()
}

func (d *Document) Len() int {
	return d.root.textLen()
}

func (d *Document) HTML() string {
	var b strings.Builder
	for _, c := range d.root.Children {
		render(&b, c)
	}
	return b.String()
}

func (d *Document) Normalize() {
	d.root.normalize()
}

// Find returns every node matching fn in document order.
func (d *Document) Find(fn func(*Node) bool) []*Node {
	var found []*Node
	d.root.Walk(func(n *Node) bool {
		if n != d.root && fn(n) {
			found = append(found, n)
		}
		return true
	})
	return found
}

// Normalize re-serialises src so two renderings of the same tree compare equal.
func Normalize(src string) string {
	doc, err := Parse(src)
	if err != nil {
		return src
	}
	return doc.HTML()
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\u00a0", "&nbsp;")
	attrEscaper = strings.NewReplacer("&", "&amp;", `"`, "&quot;", "\u00a0", "&nbsp;")
)

func render(b *strings.Builder, n *Node) {
	switch n.Type {
	case TextNode:
		if n.Parent != nil && (n.Parent.Tag == "script" || n.Parent.Tag == "style") {
			b.WriteString(n.Text)
			return
		}
		b.WriteString(textEscaper.Replace(n.Text))
	case ElementNode:
		b.WriteByte('<')
		b.WriteString(n.Tag)
		for _, a := range n.Attrs {
			b.WriteByte(' ')
			b.WriteString(a.Key)
			b.WriteString(`="`)
			b.WriteString(attrEscaper.Replace(a.Val))
			b.WriteByte('"')
		}
		b.WriteByte('>')
		if _, void := voidElements[n.Tag]; void {
			return
		}
		for _, c := range n.Children {
			render(b, c)
		}
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteByte('>')
	case FragmentNode:
		for _, c := range n.Children {
			render(b, c)
		}
	}
}
