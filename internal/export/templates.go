package export

import (
	"bytes"
	"embed"
	"html/template"
	"regexp"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowercases s and joins its words with dashes, for classes and anchors.
func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

var proposalTemplate = template.Must(template.New("proposal.html").Funcs(template.FuncMap{
	"slug": slug,
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("2 January 2006")
	},
}).ParseFS(templateFS, "templates/proposal.html"))

type TemplateData struct {
	Title     string
	Version   string
	Author    string
	UpdatedAt time.Time
	Sections  []TemplateSection
}

type TemplateSection struct {
	Anchor     string
	Heading    string
	Question   string
	AnswerHTML template.HTML
	Status     string
	Words      int
	// WordLimit is zero when the section has none.
	WordLimit int
	Comments  []TemplateComment
}

// OverLimit reports whether the answer runs past the section's word limit.
func (s TemplateSection) OverLimit() bool {
	return s.WordLimit > 0 && s.Words > s.WordLimit
}

type TemplateComment struct {
	Author  string
	Text    string
	Replies []TemplateReply
}

type TemplateReply struct {
	Author string
	Body   string
}

func RenderProposalHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := proposalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
