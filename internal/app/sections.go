package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"tenderdesk/api/internal/clipboard"
	"tenderdesk/api/internal/email"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
	"tenderdesk/api/internal/store"
	"tenderdesk/api/internal/util"
)

type SectionUpdate struct {
	Heading   *string `json:"heading"`
	Question  *string `json:"question"`
	Reviewer  *string `json:"reviewer"`
	Status    *string `json:"status"`
	WordCount *int    `json:"word_count"`
	Weighting *string `json:"weighting"`
	PageLimit *string `json:"page_limit"`
}

func (s *Service) UpdateSection(ctx context.Context, session Session, bidID string, index int, in SectionUpdate) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if in.WordCount != nil && *in.WordCount < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "word_count must not be negative", nil)
	}
	updated, err := ws.outline.Update(index, func(sec outline.Section) (outline.Section, error) {
		if in.Heading != nil {
			sec.Heading = strings.TrimSpace(*in.Heading)
		}
		if in.Question != nil {
			sec.Question = *in.Question
		}
		if in.Reviewer != nil {
			sec.Reviewer = strings.TrimSpace(*in.Reviewer)
		}
		if in.Status != nil {
			sec.Status = outline.NormalizeStatus(*in.Status)
		}
		if in.WordCount != nil {
			sec.WordCount = *in.WordCount
		}
		if in.Weighting != nil {
			sec.Weighting = *in.Weighting
		}
		if in.PageLimit != nil {
			sec.PageLimit = *in.PageLimit
		}
		return sec, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, ws, session.UserName, "Update section "+updated.ID); err != nil {
		return nil, err
	}
	s.indexSection(bidID, updated)
	return map[string]any{"section": updated}, nil
}

// RewriteSection replaces the answer with a copilot rewrite that follows the
// user's instructions. The prior section goes into the single undo slot.
func (s *Service) RewriteSection(ctx context.Context, session Session, bidID string, index int, instructions string) (map[string]any, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "instructions are required", nil)
	}
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, errSectionNotFound
	}
	ws.flushSection(section.ID)
	prior, _ := ws.outline.Section(index)

	rewritten, err := s.copilot.Rewrite(ctx, prior, instructions, bidID)
	if err != nil {
		return nil, err
	}
	// The copilot only owns the answer.
	next := prior.Clone()
	next.Answer = rewritten.Answer

	ws.rewrites.Capture(index, prior)
	if err := ws.outline.ReplaceSection(index, next); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, ws, session.UserName, "Rewrite section "+next.ID); err != nil {
		return nil, err
	}
	s.indexSection(bidID, next)
	return map[string]any{
		"sectionIndex": index,
		"section":      next,
		"canUndo":      ws.rewrites.CanUndo(),
		"canRedo":      ws.rewrites.CanRedo(),
	}, nil
}

func (s *Service) UndoRewrite(ctx context.Context, session Session, bidID string) (map[string]any, error) {
	return s.travelRewrite(ctx, session, bidID, "Undo rewrite", true)
}

func (s *Service) RedoRewrite(ctx context.Context, session Session, bidID string) (map[string]any, error) {
	return s.travelRewrite(ctx, session, bidID, "Redo rewrite", false)
}

func (s *Service) travelRewrite(ctx context.Context, session Session, bidID, message string, undo bool) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	ws.flush()

	step := ws.rewrites.Redo
	if undo {
		step = ws.rewrites.Undo
	}
	restored, err := step(ws.outline)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, ws, session.UserName, fmt.Sprintf("%s of section %s", message, restored.Section.ID)); err != nil {
		return nil, err
	}
	s.indexSection(bidID, restored.Section)
	return map[string]any{
		"sectionIndex": restored.SectionIndex,
		"section":      restored.Section,
		"canUndo":      ws.rewrites.CanUndo(),
		"canRedo":      ws.rewrites.CanRedo(),
	}, nil
}

// MarkReviewReady completes the section and hands it to its reviewer as a
// task. The reviewer is emailed when mail is configured.
func (s *Service) MarkReviewReady(ctx context.Context, session Session, bidID string, index int) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, errSectionNotFound
	}
	reviewer := strings.TrimSpace(section.Reviewer)
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}
	ws.flushSection(section.ID)

	updated, err := ws.outline.Update(index, func(sec outline.Section) (outline.Section, error) {
		sec.Status = outline.StatusCompleted
		return sec, nil
	})
	if err != nil {
		return nil, err
	}
	task := store.Task{
		ID:        util.NewID("task"),
		BidID:     bidID,
		SectionID: updated.ID,
		Assignee:  reviewer,
		Title:     fmt.Sprintf("Review section: %s (Ready for Review)", updated.Heading),
		Status:    "open",
		CreatedBy: session.UserID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create review task: %w", err)
	}
	if err := s.persist(ctx, ws, session.UserName, "Mark section "+updated.ID+" review ready"); err != nil {
		return nil, err
	}
	s.indexSection(bidID, updated)

	notified := s.notifyReviewer(ctx, ws, updated, reviewer)
	return map[string]any{"section": updated, "task": taskPayload(task), "notified": notified}, nil
}

func (s *Service) notifyReviewer(ctx context.Context, ws *workspace, section outline.Section, reviewer string) bool {
	if !s.SMTPConfigured() {
		return false
	}
	address, name := s.reviewerAddress(ctx, ws.bidID, reviewer)
	if address == "" {
		s.logger.Warn("reviewer has no email address", "bid_id", ws.bidID, "section_id", section.ID, "reviewer", reviewer)
		return false
	}
	err := s.mailer.SendReviewReadyEmail(address, email.ReviewReadyData{
		ReviewerName: name,
		BidTitle:     ws.title,
		Heading:      section.Heading,
		Question:     section.Question,
		WordCount:    section.WordCount,
		ReviewURL:    fmt.Sprintf("%s/bids/%s?section=%s", strings.TrimRight(s.cfg.AppURL, "/"), ws.bidID, section.ID),
	})
	if err != nil {
		s.logger.Error("review email failed", "bid_id", ws.bidID, "section_id", section.ID, "error", err)
		return false
	}
	return true
}

// reviewerAddress resolves the free-text reviewer field against the bid
// members by email, display name or user id.
func (s *Service) reviewerAddress(ctx context.Context, bidID, reviewer string) (string, string) {
	if strings.Contains(reviewer, "@") {
		return reviewer, reviewer
	}
	members, err := s.store.ListMembers(ctx, bidID)
	if err != nil {
		s.logger.Warn("list members failed", "bid_id", bidID, "error", err)
		return "", reviewer
	}
	for _, m := range members {
		if strings.EqualFold(m.DisplayName, reviewer) || strings.EqualFold(m.Email, reviewer) || m.UserID == reviewer {
			return m.Email, m.DisplayName
		}
	}
	return "", reviewer
}

// CopySection writes the section answer to the clipboard as plain text.
func (s *Service) CopySection(ctx context.Context, bidID string, index int) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, errSectionNotFound
	}
	ws.flushSection(section.ID)
	section, _ = ws.outline.Section(index)

	text, err := plainAnswer(section.Answer)
	if err != nil {
		return nil, err
	}
	if err := s.clipboard.WriteText(text); err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

// plainAnswer drops markup, keeping one blank line between blocks.
func plainAnswer(answer string) (string, error) {
	doc, err := richtext.Parse(richtext.FormatSectionText(answer))
	if err != nil {
		return "", fmt.Errorf("parse answer: %w", err)
	}
	blocks := make([]string, 0)
	for _, child := range doc.Root().Children {
		if text := strings.TrimSpace(child.TextContent()); text != "" {
			blocks = append(blocks, text)
		}
	}
	return clipboard.PlainText(strings.Join(blocks, "\n\n")), nil
}
