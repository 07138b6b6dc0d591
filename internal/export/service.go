package export

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
)

// Source loads the proposal at a version.
type Source interface {
	LoadProposal(ctx context.Context, bidID, version string) (Proposal, error)
}

// Converter turns rendered HTML into a file.
type Converter func(ctx context.Context, html, title string) (*Result, error)

type Options struct {
	PDF     Converter
	DOCX    Converter
	Objects ObjectStore
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service provides proposal export functionality
type Service struct {
	source  Source
	pdf     Converter
	docx    Converter
	objects ObjectStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(source Source, opts Options) *Service {
	if opts.PDF == nil {
		opts.PDF = Chrome{}.Convert
	}
	if opts.DOCX == nil {
		opts.DOCX = Pandoc{}.Convert
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		source:  source,
		pdf:     opts.PDF,
		docx:    opts.DOCX,
		objects: opts.Objects,
		logger:  opts.Logger.With("component", "export"),
		now:     opts.Now,
	}
}

// Export renders the proposal and, when object storage is configured,
// uploads it and returns a download URL alongside the bytes.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	proposal, err := s.source.LoadProposal(ctx, req.BidID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if len(proposal.Sections) == 0 {
		return nil, ErrContentUnavailable
	}

	html, err := RenderProposalHTML(BuildTemplateData(proposal, req.IncludeComments))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var convert Converter
	switch req.Format {
	case FormatPDF:
		convert = s.pdf
	case FormatDOCX:
		convert = s.docx
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	result, err := convert(ctx, html, proposal.Title)
	if err != nil {
		return nil, err
	}
	result.Version = proposal.Version

	if s.objects != nil {
		key := fmt.Sprintf("%s/%s-%s", req.BidID, s.now().UTC().Format("20060102T150405Z"), result.Filename)
		url, err := s.objects.Put(ctx, key, result.Data, result.MimeType)
		if err != nil {
			s.logger.Warn("export upload failed", "bid_id", req.BidID, "error", err)
		} else {
			result.URL = url
			result.ObjectKey = key
		}
	}
	return result, nil
}

// BuildTemplateData flattens the proposal for the template. Answers are
// rendered without annotation markers.
func BuildTemplateData(p Proposal, includeComments bool) TemplateData {
	data := TemplateData{
		Title:     p.Title,
		Version:   shortVersion(p.Version),
		Author:    p.Author,
		UpdatedAt: p.UpdatedAt,
		Sections:  make([]TemplateSection, 0, len(p.Sections)),
	}
	for i, sec := range p.Sections {
		answer, words := cleanAnswer(sec.Answer)
		ts := TemplateSection{
			Anchor:     fmt.Sprintf("section-%d-%s", i+1, slug(sec.Heading)),
			Heading:    sec.Heading,
			Question:   sec.Question,
			AnswerHTML: template.HTML(answer),
			Status:     string(sec.Status),
			Words:      words,
			WordLimit:  sec.WordCount,
		}
		if includeComments {
			for _, c := range outline.ActiveComments(sec.Comments) {
				tc := TemplateComment{Author: c.Author, Text: c.Text}
				for _, r := range c.Replies {
					tc.Replies = append(tc.Replies, TemplateReply{Author: r.Author, Body: r.Text})
				}
				ts.Comments = append(ts.Comments, tc)
			}
		}
		data.Sections = append(data.Sections, ts)
	}
	return data
}

// CleanAnswer formats a stored answer and strips every marker span.
func CleanAnswer(answer string) string {
	html, _ := cleanAnswer(answer)
	return html
}

func cleanAnswer(answer string) (string, int) {
	formatted := richtext.FormatSectionText(answer)
	doc, err := richtext.Parse(formatted)
	if err != nil {
		return template.HTMLEscapeString(answer), len(strings.Fields(answer))
	}
	annotate.Strip(doc)
	out := doc.HTML()
	return out, len(strings.Fields(tagPattern.ReplaceAllString(out, " ")))
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func shortVersion(hash string) string {
	hash = strings.TrimSpace(hash)
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
