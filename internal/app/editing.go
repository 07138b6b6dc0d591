package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/editor"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
	"tenderdesk/api/internal/util"
)

type markerView struct {
	ID           string         `json:"id"`
	Kind         annotate.Kind  `json:"kind"`
	State        string         `json:"state"`
	Range        richtext.Range `json:"range"`
	OriginalText string         `json:"originalText"`
	Feedback     string         `json:"feedback,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Highlighted  bool           `json:"highlighted,omitempty"`
}

func viewMarker(m annotate.Marker) markerView {
	return markerView{
		ID:           m.ID(),
		Kind:         m.Kind,
		State:        m.State.String(),
		Range:        m.Range,
		OriginalText: m.OriginalText,
		Feedback:     m.Feedback,
		Reasoning:    m.Reasoning,
		Highlighted:  m.Highlighted,
	}
}

func editorState(sess *editingSession) map[string]any {
	markers := sess.markers.Markers()
	views := make([]markerView, 0, len(markers))
	for _, m := range markers {
		views = append(views, viewMarker(m))
	}
	state := map[string]any{
		"bidId":       sess.bidID,
		"sectionId":   sess.sectionID,
		"html":        sess.surface.HTML(),
		"text":        sess.surface.Text(),
		"focused":     sess.surface.Focused(),
		"menu":        sess.selection.Menu(),
		"markers":     views,
		"pendingSync": sess.syncer.Pending(),
	}
	if sel, ok := sess.selection.Current(); ok {
		state["selection"] = sel
	}
	return state
}

// existingSession finds an editing session without opening one.
func (s *Service) existingSession(ctx context.Context, bidID string, index int) (*workspace, *editingSession, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, nil, errSectionNotFound
	}
	sess, ok := ws.session(section.ID)
	if !ok {
		return nil, nil, ErrSessionNotOpen
	}
	return ws, sess, nil
}

func (s *Service) ensureSession(ctx context.Context, session Session, bidID string, index int) (*workspace, *editingSession, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, nil, err
	}
	sess, _, err := s.openSession(ctx, ws, index, session.UserName)
	if err != nil {
		return nil, nil, err
	}
	return ws, sess, nil
}

// borrowSession hands out the section's open session, or a session opened
// for this call only. release closes the latter and must run after sess.mu
// is unlocked.
func (s *Service) borrowSession(ctx context.Context, session Session, bidID string, index int) (*workspace, *editingSession, func(), error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, created, err := s.openSession(ctx, ws, index, session.UserName)
	if err != nil {
		return nil, nil, nil, err
	}
	if !created {
		return ws, sess, func() {}, nil
	}
	return ws, sess, func() { ws.dropSession(sess) }, nil
}

func (s *Service) OpenEditor(ctx context.Context, session Session, bidID string, index int) (map[string]any, error) {
	_, sess, err := s.ensureSession(ctx, session, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return editorState(sess), nil
}

func (s *Service) EditorState(ctx context.Context, bidID string, index int) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return editorState(sess), nil
}

// CloseEditor flushes pending edits and tears the session down.
func (s *Service) CloseEditor(ctx context.Context, bidID string, index int) (map[string]any, error) {
	ws, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	ws.dropSession(sess)
	return map[string]any{"ok": true}, nil
}

func (s *Service) FocusEditor(ctx context.Context, bidID string, index int, focused bool) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if focused {
		sess.surface.Focus()
	} else {
		sess.surface.Blur()
	}
	return editorState(sess), nil
}

func (s *Service) EditorInput(ctx context.Context, bidID string, index int, html string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.surface.Input(html); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "html could not be parsed", nil)
	}
	return editorState(sess), nil
}

func (s *Service) EditorSelection(ctx context.Context, bidID string, index int, sel editor.Selection) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	reported := sess.surface.Select(sel)
	return map[string]any{"selection": reported, "menu": sess.selection.Menu()}, nil
}

func (s *Service) EditorClick(ctx context.Context, bidID string, index int, offset int) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.surface.Click(offset)
	return editorState(sess), nil
}

// EditorCommand runs a toolbar command on r, or on the tracked selection when
// r is nil.
func (s *Service) EditorCommand(ctx context.Context, bidID string, index int, command string, r *richtext.Range, value string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	cmd := richtext.Command(strings.TrimSpace(command))
	target := richtext.Range{}
	switch {
	case r != nil:
		target = *r
	case cmd == richtext.CommandUndo || cmd == richtext.CommandRedo:
	default:
		sel, ok := sess.selection.Current()
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "NOTHING_SELECTED", "Please select text to format", nil)
		}
		target = sel.Range
	}
	if err := richtext.Exec(sess.surface, cmd, target, value); err != nil {
		switch {
		case errors.Is(err, richtext.ErrUnknownCommand):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		case errors.Is(err, richtext.ErrHistoryEmpty) && cmd == richtext.CommandRedo:
			return nil, domainError(http.StatusConflict, "NOTHING_TO_REDO", "Nothing to redo", nil)
		case errors.Is(err, richtext.ErrHistoryEmpty):
			return nil, domainError(http.StatusConflict, "NOTHING_TO_UNDO", "Nothing to undo", nil)
		case errors.Is(err, editor.ErrInvalidLink):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "link must be an http, https or mailto url", nil)
		case errors.Is(err, richtext.ErrEmptyRange), errors.Is(err, richtext.ErrRangeOutOfBound):
			return nil, domainError(http.StatusUnprocessableEntity, "NOTHING_SELECTED", "Please select text to format", nil)
		}
		return nil, err
	}
	return editorState(sess), nil
}

type AnnotationInput struct {
	Kind         string          `json:"kind"`
	Text         string          `json:"text"`
	Instructions string          `json:"instructions"`
	Reasoning    string          `json:"reasoning"`
	Position     int             `json:"position"`
	Range        *richtext.Range `json:"range"`
}

// BeginAnnotation marks the tracked selection (or in.Range) with a new
// marker. AI kinds return with their panel loading.
func (s *Service) BeginAnnotation(ctx context.Context, session Session, bidID string, index int, in AnnotationInput) (map[string]any, error) {
	kind, err := annotate.ParseKind(in.Kind)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	ws, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var target richtext.Range
	if in.Range != nil {
		target = *in.Range
	} else if sel, ok := sess.selection.Current(); ok {
		target = sel.Range
	} else {
		return nil, &annotate.SelectionError{Kind: kind}
	}

	marker, err := sess.markers.Begin(kind, target, annotate.BeginOptions{
		Text:         in.Text,
		Reasoning:    in.Reasoning,
		Instructions: in.Instructions,
		Author:       outline.CommentAuthor(session.UserName, session.Email),
		Position:     in.Position,
	})
	if err != nil {
		return nil, err
	}
	sess.selection.Clear()

	payload := map[string]any{"marker": viewMarker(marker), "html": sess.surface.HTML()}
	if panel, ok := sess.markers.Panel(marker.ID()); ok {
		payload["panel"] = panel
	}
	if kind == annotate.KindComment && marker.State == annotate.StateActive {
		if comment, ok := findComment(ws.outline.Comments(sess.sectionID), marker.ID()); ok {
			payload["comment"] = comment
			s.indexComment(bidID, comment)
		}
	}
	return payload, nil
}

func (s *Service) AnnotationPanel(ctx context.Context, bidID string, index int, markerID string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	panel, hasPanel := sess.markers.Panel(markerID)
	marker, hasMarker := sess.markers.Marker(markerID)
	if !hasPanel && !hasMarker {
		return nil, domainError(http.StatusNotFound, "ANNOTATION_NOT_FOUND", "annotation not found", nil)
	}
	payload := map[string]any{}
	if hasPanel {
		payload["panel"] = panel
	}
	if hasMarker {
		payload["marker"] = viewMarker(marker)
	}
	return payload, nil
}

func (s *Service) SubmitComment(ctx context.Context, session Session, bidID string, index int, markerID, text string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	comment, err := sess.markers.SubmitComment(markerID, text, outline.CommentAuthor(session.UserName, session.Email), 0)
	if err != nil {
		return nil, err
	}
	s.indexComment(bidID, comment)
	return map[string]any{"comment": comment, "html": sess.surface.HTML()}, nil
}

// ResolveAnnotation accepts a marker. A marker that is already gone reports
// resolved=false rather than an error.
func (s *Service) ResolveAnnotation(ctx context.Context, bidID string, index int, markerID, text string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	resolved, err := sess.markers.Resolve(markerID, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"resolved": resolved, "html": sess.surface.HTML()}, nil
}

func (s *Service) CancelAnnotation(ctx context.Context, bidID string, index int, markerID string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	cancelled, err := sess.markers.Cancel(markerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": cancelled, "html": sess.surface.HTML()}, nil
}

func (s *Service) RetryAnnotation(ctx context.Context, bidID string, index int, markerID string) (map[string]any, error) {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.markers.Retry(markerID); err != nil {
		return nil, err
	}
	panel, _ := sess.markers.Panel(markerID)
	return map[string]any{"panel": panel}, nil
}

func (s *Service) ListComments(ctx context.Context, bidID string, index int, includeResolved bool) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, errSectionNotFound
	}
	comments := annotate.ActiveAnnotations(section)
	if includeResolved {
		comments = section.Comments
	}
	if comments == nil {
		comments = []outline.Comment{}
	}
	return map[string]any{"comments": comments}, nil
}

func (s *Service) AddReply(ctx context.Context, session Session, bidID string, index int, commentID, text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reply text is required", nil)
	}
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, errSectionNotFound
	}
	reply := outline.Reply{
		ID:        util.NewID("reply"),
		Text:      text,
		Author:    outline.CommentAuthor(session.UserName, session.Email),
		CreatedAt: s.now().UTC(),
	}
	comment, err := ws.outline.AddReply(section.ID, commentID, reply)
	if err != nil {
		if errors.Is(err, outline.ErrCommentNotFound) {
			return nil, domainError(http.StatusNotFound, "COMMENT_NOT_FOUND", "comment not found", nil)
		}
		return nil, err
	}
	if err := s.persist(ctx, ws, session.UserName, "Reply to comment "+commentID); err != nil {
		return nil, err
	}
	return map[string]any{"comment": comment, "reply": reply}, nil
}

// ResolveComment unwraps the comment's marker, keeping the text it covers,
// and marks the record resolved.
func (s *Service) ResolveComment(ctx context.Context, session Session, bidID string, index int, commentID string) (map[string]any, error) {
	ws, sess, release, err := s.borrowSession(ctx, session, bidID, index)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	resolved, err := sess.markers.Resolve(commentID, "")
	if err != nil {
		return nil, err
	}
	if !resolved {
		resolved, err = ws.outline.ResolveComment(sess.sectionID, commentID)
		if err != nil {
			return nil, err
		}
	}
	if err := s.settle(ctx, ws, sess, "Resolve comment "+commentID); err != nil {
		return nil, err
	}
	if comment, ok := findComment(ws.outline.Comments(sess.sectionID), commentID); ok {
		s.indexComment(bidID, comment)
	}
	return map[string]any{"resolved": resolved, "html": sess.surface.HTML()}, nil
}

// RequestFeedback asks the copilot to review the answer and marks every
// sentence it commented on.
func (s *Service) RequestFeedback(ctx context.Context, session Session, bidID string, index int) (map[string]any, error) {
	ws, sess, release, err := s.borrowSession(ctx, session, bidID, index)
	if err != nil {
		return nil, err
	}
	defer release()

	// sess.mu is taken only once the copilot has answered.
	sess.syncer.Flush()
	section, ok := ws.outline.Section(ws.outline.IndexOf(sess.sectionID))
	if !ok {
		return nil, errSectionNotFound
	}
	items, err := s.copilot.QuestionFeedback(ctx, section)
	if err != nil {
		if errors.Is(err, copilot.ErrNoAnswer) {
			return nil, domainError(http.StatusUnprocessableEntity, "NO_ANSWER", "Write an answer before requesting feedback", nil)
		}
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	doc := sess.surface.Snapshot()
	created := make([]markerView, 0, len(items))
	for _, item := range items {
		r, found := doc.IndexOf(item.OriginalText, 0)
		if !found {
			continue
		}
		marker, err := sess.markers.Begin(annotate.KindFeedback, r, annotate.BeginOptions{
			Text:      item.Feedback,
			Reasoning: item.Reasoning,
		})
		if err != nil {
			sess.logger.Warn("feedback marker skipped", "error", err)
			continue
		}
		created = append(created, viewMarker(marker))
	}
	if err := s.settle(ctx, ws, sess, "Feedback on section "+sess.sectionID); err != nil {
		return nil, err
	}
	return map[string]any{
		"markers":  created,
		"feedback": ws.outline.Feedback(sess.sectionID),
		"html":     sess.surface.HTML(),
	}, nil
}

// ApplyFeedback swaps the marked sentence for improved text, or keeps it
// when improved is blank, and resolves the feedback item.
func (s *Service) ApplyFeedback(ctx context.Context, session Session, bidID string, index int, feedbackID, improved string) (map[string]any, error) {
	ws, sess, release, err := s.borrowSession(ctx, session, bidID, index)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	applied, err := sess.markers.Resolve(feedbackID, improved)
	if err != nil {
		return nil, err
	}
	if !applied {
		if _, err := ws.outline.ResolveFeedback(sess.sectionID, feedbackID); err != nil {
			return nil, err
		}
	}
	if err := s.settle(ctx, ws, sess, "Apply feedback "+feedbackID); err != nil {
		return nil, err
	}
	return map[string]any{"applied": applied, "html": sess.surface.HTML()}, nil
}

// RejectFeedback restores the original sentence and resolves the item.
func (s *Service) RejectFeedback(ctx context.Context, session Session, bidID string, index int, feedbackID string) (map[string]any, error) {
	ws, sess, release, err := s.borrowSession(ctx, session, bidID, index)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	rejected, err := sess.markers.Cancel(feedbackID)
	if err != nil {
		return nil, err
	}
	if !rejected {
		if _, err := ws.outline.ResolveFeedback(sess.sectionID, feedbackID); err != nil {
			return nil, err
		}
	}
	if err := s.settle(ctx, ws, sess, "Reject feedback "+feedbackID); err != nil {
		return nil, err
	}
	return map[string]any{"rejected": rejected, "html": sess.surface.HTML()}, nil
}

// settle writes record changes made through a session right away: a pending
// surface sync carries them, otherwise the outline is persisted directly.
func (s *Service) settle(ctx context.Context, ws *workspace, sess *editingSession, message string) error {
	if sess.syncer.Flush() {
		return nil
	}
	return s.persist(ctx, ws, sess.author, message)
}

func findComment(comments []outline.Comment, id string) (outline.Comment, bool) {
	for _, c := range comments {
		if c.ID == id {
			return c, true
		}
	}
	return outline.Comment{}, false
}
