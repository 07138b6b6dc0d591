package richtext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []string{
		`<p class="mb-4">Acme provides <strong>cloud</strong> services.</p>`,
		`plain text`,
		`<p>one<br>two</p><ul><li>a</li><li>b</li></ul>`,
		`<p>R&amp;D &lt;tag&gt;</p>`,
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			doc, err := Parse(src)
			require.NoError(t, err)
			assert.Equal(t, src, doc.HTML())
		})
	}
}

func TestTextAndLen(t *testing.T) {
	doc := MustParse(`<p>héllo <em>wörld</em></p>`)
	assert.Equal(t, "héllo wörld", doc.Text())
	assert.Equal(t, 11, doc.Len())
	assert.Equal(t, "wörld", doc.Slice(Range{Start: 6, End: 11}))
}

func TestSurroundWithinTextNode(t *testing.T) {
	doc := MustParse(`<p>Acme provides cloud services.</p>`)
	span := NewElement("span", Attr{Key: "data-comment-id", Val: "c1"})

	require.NoError(t, doc.Surround(Range{Start: 5, End: 13}, span))

	assert.Equal(t, `<p>Acme <span data-comment-id="c1">provides</span> cloud services.</p>`, doc.HTML())
	assert.Equal(t, "Acme provides cloud services.", doc.Text())
}

func TestSurroundRejectsPartialElement(t *testing.T) {
	doc := MustParse(`<p>Acme <strong>provides</strong> cloud</p>`)
	err := doc.Surround(Range{Start: 5, End: 16}, NewElement("span"))
	assert.ErrorIs(t, err, ErrPartialSelection)
	assert.Equal(t, "Acme provides cloud", doc.Text())
}

func TestWrapFallsBackToExtract(t *testing.T) {
	tests := []struct {
		name string
		src  string
		r    Range
		want string
	}{
		{
			name: "element fully inside",
			src:  `<p>Acme <strong>provides</strong> cloud</p>`,
			r:    Range{Start: 5, End: 16},
			want: `<p>Acme <span><strong>provides</strong> cl</span>oud</p>`,
		},
		{
			name: "starts inside element",
			src:  `<p><em>hello world</em> there</p>`,
			r:    Range{Start: 6, End: 14},
			want: `<p><em>hello </em><span><em>world</em> th</span>ere</p>`,
		},
		{
			name: "crosses paragraphs",
			src:  `<p>first para</p><p>second para</p>`,
			r:    Range{Start: 6, End: 16},
			want: `<p>first </p><span><p>para</p><p>second</p></span><p> para</p>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := MustParse(tt.src)
			before := doc.Text()

			require.NoError(t, doc.Wrap(tt.r, NewElement("span")))

			assert.Equal(t, tt.want, doc.HTML())
			assert.Equal(t, before, doc.Text())
		})
	}
}

func TestWrapRejectsEmptyAndOutOfBounds(t *testing.T) {
	doc := MustParse(`<p>abc</p>`)
	assert.ErrorIs(t, doc.Wrap(Range{Start: 1, End: 1}, NewElement("span")), ErrEmptyRange)
	assert.ErrorIs(t, doc.Wrap(Range{Start: 1, End: 9}, NewElement("span")), ErrRangeOutOfBound)
}

func TestWrapJoinableRejoinsCutBlocks(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		r     Range
		cut   string
		inner string
	}{
		{
			name:  "paragraphs",
			src:   `<p>Alpha beta.</p><p>Gamma delta.</p><p>Tail.</p>`,
			r:     Range{Start: 6, End: 16},
			cut:   `<p>Alpha </p><span><p data-split="head">beta.</p><p data-split="tail">Gamma</p></span><p> delta.</p><p>Tail.</p>`,
			inner: "beta.Gamma",
		},
		{
			name:  "list into paragraph",
			src:   `<ul><li>one two</li><li>three four</li></ul><p>tail end</p>`,
			r:     Range{Start: 4, End: 21},
			cut:   `<ul><li>one </li></ul><span><ul data-split="head"><li data-split="head">two</li><li>three four</li></ul><p data-split="tail">tail</p></span><p> end</p>`,
			inner: "twothree fourtail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := MustParse(tt.src)
			wrapper := NewElement("span")
			require.NoError(t, doc.WrapJoinable(tt.r, wrapper))
			assert.Equal(t, tt.cut, doc.HTML())
			assert.Equal(t, tt.inner, wrapper.TextContent())

			wrapper.Unwrap()
			doc.Rejoin()
			assert.Equal(t, tt.src, doc.HTML())
		})
	}
}

func TestRejoinLeavesUnmatchedPieces(t *testing.T) {
	doc := MustParse(`<blockquote>quoted</blockquote><p data-split="head">beta.</p>`)
	doc.Rejoin()
	assert.Equal(t, `<blockquote>quoted</blockquote><p>beta.</p>`, doc.HTML())
}

func TestRangeOfAndIndexOf(t *testing.T) {
	doc := MustParse(`<p>Acme <span id="x">fast support</span> today</p>`)
	span := doc.Find(func(n *Node) bool { v, _ := n.Attr("id"); return v == "x" })
	require.Len(t, span, 1)

	r, ok := doc.RangeOf(span[0])
	require.True(t, ok)
	assert.Equal(t, Range{Start: 5, End: 17}, r)

	found, ok := doc.IndexOf("support", 0)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 10, End: 17}, found)

	_, ok = doc.IndexOf("missing", 0)
	assert.False(t, ok)
}

func TestReplaceRange(t *testing.T) {
	doc := MustParse(`<p>Acme <strong>provides</strong> cloud services.</p>`)
	require.NoError(t, doc.ReplaceRange(Range{Start: 5, End: 19}, "sells hosting"))
	assert.Equal(t, "Acme sells hosting services.", doc.Text())
	assert.Equal(t, `<p>Acme sells hosting services.</p>`, doc.HTML())
}

func TestRangeShift(t *testing.T) {
	edit := Range{Start: 10, End: 20}
	tests := []struct {
		name string
		in   Range
		want Range
	}{
		{"before", Range{Start: 0, End: 5}, Range{Start: 0, End: 5}},
		{"after", Range{Start: 25, End: 30}, Range{Start: 20, End: 25}},
		{"covering", Range{Start: 5, End: 25}, Range{Start: 5, End: 20}},
		{"inside", Range{Start: 12, End: 15}, Range{Start: 10, End: 15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Shift(edit, 5))
		})
	}
}

func TestHighlightAppliesToDescendants(t *testing.T) {
	doc := MustParse(`<span><strong>bold</strong> and <em style="color: red;">it</em></span>`)
	span := doc.Root().Children[0]

	Highlight(span, "#FFE5CC")
	assert.Equal(t, `<span style="background-color: #FFE5CC;"><strong style="background-color: #FFE5CC;">bold</strong> and <em style="color: red; background-color: #FFE5CC;">it</em></span>`, doc.HTML())

	ClearHighlight(span, "#ffe5cc")
	assert.Equal(t, `<span><strong>bold</strong> and <em style="color: red;">it</em></span>`, doc.HTML())
}

func TestClearHighlightKeepsForeignColors(t *testing.T) {
	doc := MustParse(`<span style="background-color: yellow;">x</span>`)
	ClearHighlight(doc.Root(), "#FFE5CC")
	assert.Equal(t, `<span style="background-color: yellow;">x</span>`, doc.HTML())
}

func TestFormatSectionText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"markup passes through", `<p>already</p>`, `<p>already</p>`},
		{"span passes through", `text <span class="x">y</span>`, `text <span class="x">y</span>`},
		{
			name: "paragraphs and bold",
			in:   "Hello **world** today\nsecond line\n\nNext",
			want: `<p class="mb-4">Hello <strong class="font-bold">world</strong> today<br>second line</p><p class="mb-4">Next</p>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSectionText(tt.in))
		})
	}
}

func TestFormatResponseLists(t *testing.T) {
	got := FormatResponse("1. first\n2. second")
	assert.Equal(t, `<ol><li>first</li><li>second</li></ol>`, got)
}

func TestApplyBlock(t *testing.T) {
	doc := MustParse(`<p>one</p><p>two</p><p>three</p>`)
	require.NoError(t, doc.ApplyBlock(Range{Start: 1, End: 5}, "ul"))
	assert.Equal(t, `<ul><li>one</li><li>two</li></ul><p>three</p>`, doc.HTML())

	doc = MustParse(`<p>one</p><p>two</p>`)
	require.NoError(t, doc.ApplyBlock(Range{Start: 3, End: 6}, "blockquote"))
	assert.Equal(t, `<blockquote><p>two</p></blockquote>`, doc.HTML()[len(`<p>one</p>`):])
}

func TestHistory(t *testing.T) {
	h := NewHistory(2)
	_, err := h.Undo("a")
	assert.ErrorIs(t, err, ErrHistoryEmpty)

	h.Record("a")
	h.Record("b")
	h.Record("c")

	prev, err := h.Undo("d")
	require.NoError(t, err)
	assert.Equal(t, "c", prev)
	prev, err = h.Undo("c")
	require.NoError(t, err)
	assert.Equal(t, "b", prev)
	_, err = h.Undo("b")
	assert.ErrorIs(t, err, ErrHistoryEmpty, "limit drops the oldest state")

	next, err := h.Redo("b")
	require.NoError(t, err)
	assert.Equal(t, "c", next)
}

func TestSafeHref(t *testing.T) {
	_, ok := SafeHref("javascript:alert(1)")
	assert.False(t, ok)
	href, ok := SafeHref(" https://example.com ")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com", href)
}
