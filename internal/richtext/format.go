package richtext

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithRendererOptions(
		gmhtml.WithHardWraps(),
		gmhtml.WithUnsafe(),
	),
)

// IsMarkup reports whether text already carries block or inline markup and
// should be shown as-is.
func IsMarkup(text string) bool {
	for _, marker := range []string{"<p>", "<p ", "<div", "<span"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// FormatSectionText turns a plain or markdown-ish answer into the paragraph
// markup the editor expects. Existing markup passes through untouched.
func FormatSectionText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if IsMarkup(text) {
		return text
	}
	doc, err := convertMarkdown(text)
	if err != nil {
		return text
	}
	doc.root.Walk(func(n *Node) bool {
		if n.Type != ElementNode {
			return true
		}
		switch n.Tag {
		case "p":
			n.SetAttr("class", "mb-4")
		case "strong":
			n.SetAttr("class", "font-bold")
		}
		return true
	})
	return doc.HTML()
}

// FormatResponse renders an assistant reply (lists, emphasis, line breaks)
// for display in a chat panel.
func FormatResponse(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	doc, err := convertMarkdown(text)
	if err != nil {
		return text
	}
	return doc.HTML()
}

func convertMarkdown(text string) (*Document, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return nil, err
	}
	doc, err := Parse(buf.String())
	if err != nil {
		return nil, err
	}
	trimLayoutWhitespace(doc.root)
	doc.Normalize()
	return doc, nil
}

// trimLayoutWhitespace drops the newlines goldmark emits between blocks and
// after hard breaks, which would otherwise leak into the text content.
func trimLayoutWhitespace(n *Node) {
	var afterBreak bool
	for _, c := range append([]*Node(nil), n.Children...) {
		switch {
		case c.Type == TextNode && n.Type == FragmentNode && strings.TrimSpace(c.Text) == "":
			c.Remove()
		case c.Type == TextNode && isBlockContainer(n) && strings.TrimSpace(c.Text) == "":
			c.Remove()
		case c.Type == TextNode && afterBreak:
			c.Text = strings.TrimPrefix(c.Text, "\n")
		case c.Type == ElementNode:
			trimLayoutWhitespace(c)
		}
		afterBreak = c.Type == ElementNode && c.Tag == "br"
	}
	if n.Type == ElementNode && len(n.Children) > 0 {
		if last := n.Children[len(n.Children)-1]; last.Type == TextNode {
			last.Text = strings.TrimRight(last.Text, "\n")
		}
	}
}

func isBlockContainer(n *Node) bool {
	switch n.Tag {
	case "ul", "ol", "blockquote", "table", "thead", "tbody", "tr":
		return true
	}
	return false
}
