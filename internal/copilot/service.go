package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
)

const NoEvidence = "No relevant evidence found in your company library."

const systemPrompt = "You are a bid writing assistant. You help a company answer tender questions " +
	"with clear, persuasive and accurate prose. Reply with the requested text only."

var ErrNoAnswer = errors.New("section has no answer to review")

type Evidence struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// EvidenceResult mirrors what the company library lookup returns.
type EvidenceResult struct {
	Success      bool       `json:"success"`
	Evidence     []Evidence `json:"evidence"`
	EnhancedText string     `json:"enhanced_text,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Library finds passages in the company's document library.
type Library interface {
	FindEvidence(ctx context.Context, query, bidID string, limit int) ([]Evidence, error)
}

type FeedbackItem struct {
	OriginalText string `json:"original_text"`
	Feedback     string `json:"feedback"`
	Reasoning    string `json:"reasoning"`
}

type Service struct {
	llm     Completer
	library Library
	logger  *slog.Logger
}

func New(llm Completer, library Library, logger *slog.Logger) *Service {
	if llm == nil {
		llm = Mock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{llm: llm, library: library, logger: logger.With("component", "copilot")}
}

// Mode is the copilot mode tag for a selection action.
func Mode(kind annotate.Kind, instructions string) string {
	switch kind {
	case annotate.KindExpand:
		return "1expand"
	case annotate.KindSummarize:
		return "1summarise"
	case annotate.KindCustom:
		return "4" + strings.Join(strings.Fields(strings.ToLower(instructions)), "_")
	default:
		return string(kind)
	}
}

// Run answers a selection action with the text offered as its replacement.
func (s *Service) Run(ctx context.Context, req annotate.ActionRequest) (string, error) {
	switch req.Kind {
	case annotate.KindEvidence:
		result, err := s.Evidence(ctx, req.Text, req.BidID)
		if err != nil {
			return "", err
		}
		return FormatEvidence(result), nil
	case annotate.KindExpand:
		return s.complete(ctx, Prompt{
			System: systemPrompt,
			User:   "Expand the following text with more detail, keeping its meaning and tone:\n\n" + req.Text,
		}, Mode(req.Kind, ""), req.Text)
	case annotate.KindSummarize:
		return s.complete(ctx, Prompt{
			System: systemPrompt,
			User:   "Summarise the following text in fewer words:\n\n" + req.Text,
		}, Mode(req.Kind, ""), req.Text)
	case annotate.KindCustom:
		instructions := strings.TrimSpace(req.Instructions)
		if instructions == "" {
			return "", errors.New("custom prompt needs instructions")
		}
		return s.complete(ctx, Prompt{
			System: systemPrompt,
			User:   "Apply these instructions to the text below.\nInstructions: " + instructions + "\n\nText:\n" + req.Text,
		}, Mode(req.Kind, instructions), req.Text)
	default:
		return "", fmt.Errorf("copilot cannot run %s actions", req.Kind)
	}
}

// Evidence looks up supporting passages for text. When the model is able to,
// it also weaves them into an enhanced version of the text.
func (s *Service) Evidence(ctx context.Context, text, bidID string) (EvidenceResult, error) {
	if s.library == nil {
		return EvidenceResult{Message: NoEvidence}, nil
	}
	found, err := s.library.FindEvidence(ctx, text, bidID, 5)
	if err != nil {
		return EvidenceResult{}, fmt.Errorf("find evidence: %w", err)
	}
	if len(found) == 0 {
		return EvidenceResult{Message: NoEvidence}, nil
	}
	result := EvidenceResult{Success: true, Evidence: found}
	enhanced, err := s.complete(ctx, Prompt{
		System: systemPrompt,
		User: "Rewrite the text so it cites the evidence below where it supports a claim.\n\nText:\n" + text +
			"\n\nEvidence:\n" + formatEvidenceList(found),
	}, "evidence", text)
	if err != nil {
		s.logger.Warn("evidence enhancement failed", "bid_id", bidID, "error", err)
		return result, nil
	}
	result.EnhancedText = strings.TrimSpace(enhanced)
	return result, nil
}

// FormatEvidence renders a lookup the way the side panel shows it.
func FormatEvidence(r EvidenceResult) string {
	if r.Success && len(r.Evidence) > 0 {
		if r.EnhancedText != "" {
			return r.EnhancedText
		}
		return formatEvidenceList(r.Evidence)
	}
	if r.Message != "" {
		return r.Message
	}
	return NoEvidence
}

func formatEvidenceList(items []Evidence) string {
	parts := make([]string, 0, len(items))
	for i, item := range items {
		parts = append(parts, fmt.Sprintf("Evidence %d [Source: %s]:\n%s", i+1, item.Source, item.Content))
	}
	return strings.Join(parts, "\n\n")
}

// Rewrite returns section with its answer rewritten to follow feedback.
func (s *Service) Rewrite(ctx context.Context, section outline.Section, feedback, bidID string) (outline.Section, error) {
	current := richtext.Normalize(richtext.FormatSectionText(section.Answer))
	doc, err := richtext.Parse(current)
	if err != nil {
		return outline.Section{}, fmt.Errorf("parse answer: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the answer to this tender question.\nQuestion: %s\n", section.Question)
	if section.WordCount > 0 {
		fmt.Fprintf(&b, "Target length: about %d words.\n", section.WordCount)
	}
	fmt.Fprintf(&b, "Reviewer feedback: %s\n\nCurrent answer:\n%s", feedback, doc.Text())
	answer, err := s.complete(ctx, Prompt{System: systemPrompt, User: b.String()}, "rewrite", doc.Text())
	if err != nil {
		return outline.Section{}, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return outline.Section{}, &Error{Status: http.StatusBadGateway, Err: ErrEmptyCompletion}
	}
	out := section.Clone()
	out.Answer = richtext.FormatSectionText(answer)
	s.logger.Info("section rewritten", "bid_id", bidID, "section_id", section.ID)
	return out, nil
}

// QuestionFeedback asks for sentence-level feedback on a section's answer.
// Items quoting text that is not in the answer are dropped.
func (s *Service) QuestionFeedback(ctx context.Context, section outline.Section) ([]FeedbackItem, error) {
	doc, err := richtext.Parse(richtext.FormatSectionText(section.Answer))
	if err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}
	answer := doc.Text()
	if strings.TrimSpace(answer) == "" {
		return nil, ErrNoAnswer
	}
	raw, err := s.complete(ctx, Prompt{
		System: systemPrompt,
		User: "Review this answer to the tender question and point out sentences that could score higher.\n" +
			"Return a JSON array of objects with keys original_text (copied exactly from the answer), feedback and reasoning.\n\n" +
			"Question: " + section.Question + "\n\nAnswer:\n" + answer,
	}, "feedback", answer)
	if err != nil {
		return nil, err
	}
	var items []FeedbackItem
	if err := json.Unmarshal([]byte(extractJSON(raw)), &items); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	kept := items[:0]
	for _, item := range items {
		item.OriginalText = strings.TrimSpace(item.OriginalText)
		if item.OriginalText == "" || !strings.Contains(answer, item.OriginalText) {
			continue
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// AskLibrary answers a question about the tender library. history is the
// transcript so far, one "type: text" line per message.
func (s *Service) AskLibrary(ctx context.Context, question, history, bidID string) (string, error) {
	var extracts strings.Builder
	if s.library != nil {
		found, err := s.library.FindEvidence(ctx, question, bidID, 5)
		if err != nil {
			s.logger.Warn("library lookup failed", "bid_id", bidID, "error", err)
		}
		if len(found) > 0 {
			extracts.WriteString("\n\nLibrary extracts:\n")
			extracts.WriteString(formatEvidenceList(found))
		}
	}
	user := question
	if strings.TrimSpace(history) != "" {
		user = "Conversation so far:\n" + history + "\n\nQuestion: " + question
	}
	return s.complete(ctx, Prompt{
		System: "You answer questions about the company's tender library documents. " +
			"Use markdown for emphasis and lists." + extracts.String(),
		User: user,
	}, "library", question)
}

func (s *Service) complete(ctx context.Context, prompt Prompt, mode, input string) (string, error) {
	prompt.Mode, prompt.Input = mode, input
	out, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("copilot %s: %w", mode, err)
	}
	return out, nil
}

// extractJSON trims code fences and chatter around a JSON array.
func extractJSON(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return strings.TrimSpace(raw)
	}
	return raw[start : end+1]
}
