package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/editor"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/rbac"
	"tenderdesk/api/internal/richtext"
)

func (s *HTTPServer) handleBidCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.ListBids(r.Context(), session)
		respond(w, http.StatusOK, payload, err)
	case http.MethodPost:
		var body struct {
			Title    string            `json:"title"`
			Sections []outline.Section `json:"sections"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateBid(r.Context(), session, body.Title, body.Sections)
		respond(w, http.StatusCreated, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// authorize writes the error response and returns false when the caller may
// not perform action on the bid.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, session Session, bidID string, action rbac.Action) bool {
	if err := s.service.Authorize(r.Context(), session, bidID, action); err != nil {
		respond(w, 0, nil, err)
		return false
	}
	return true
}

func (s *HTTPServer) handleBid(w http.ResponseWriter, r *http.Request, session Session, bidID string, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		payload, err := s.service.GetOutline(ctx, bidID)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "members" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		payload, err := s.service.ListMembers(ctx, bidID)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "members" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionManage) {
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddMember(ctx, bidID, body.Email, body.Role)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "tasks" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		payload, err := s.service.ListTasks(ctx, bidID)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "history" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		limit, err := queryInt(r.URL.Query().Get("limit"), 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		payload, err := s.service.History(ctx, bidID, limit)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "export" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionExport) {
			return
		}
		query := r.URL.Query()
		includeComments, _ := strconv.ParseBool(query.Get("includeComments"))
		result, err := s.service.Export(ctx, bidID, query.Get("format"), query.Get("version"), includeComments)
		if err != nil {
			respond(w, 0, nil, err)
			return
		}
		if result.URL != "" {
			w.Header().Set("X-Export-URL", result.URL)
		}
		if result.Version != "" {
			w.Header().Set("X-Export-Version", result.Version)
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)
		return

	case len(parts) == 1 && (parts[0] == "undo" || parts[0] == "redo") && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionWrite) {
			return
		}
		var (
			payload map[string]any
			err     error
		)
		if parts[0] == "undo" {
			payload, err = s.service.UndoRewrite(ctx, session, bidID)
		} else {
			payload, err = s.service.RedoRewrite(ctx, session, bidID)
		}
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) >= 2 && parts[0] == "chat":
		s.handleChat(w, r, session, bidID, parts[1], parts[2:])
		return

	case len(parts) >= 2 && parts[0] == "sections":
		index, err := strconv.Atoi(parts[1])
		if err != nil || index < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section index must be a non-negative integer", nil)
			return
		}
		s.handleSection(w, r, session, bidID, index, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, session Session, bidID, surface string, parts []string) {
	if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
		return
	}
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.ChatState(ctx, session, bidID, surface)
		respond(w, http.StatusOK, payload, err)
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body struct {
			Question string `json:"question"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AskChat(ctx, session, bidID, surface, body.Question)
		respond(w, http.StatusOK, payload, err)
	case len(parts) == 0 && r.Method == http.MethodDelete:
		payload, err := s.service.ClearChat(ctx, session, bidID, surface)
		respond(w, http.StatusOK, payload, err)
	case len(parts) == 1 && parts[0] == "typing" && r.Method == http.MethodGet:
		frame, err := s.service.ChatTyping(ctx, session, bidID, surface)
		respond(w, http.StatusOK, frame, err)
	case len(parts) == 1 && parts[0] == "stop" && r.Method == http.MethodPost:
		payload, err := s.service.StopChat(ctx, session, bidID, surface)
		respond(w, http.StatusOK, payload, err)
	case len(parts) == 1 && parts[0] == "feedback" && r.Method == http.MethodPost:
		var body struct {
			Index int    `json:"index"`
			Value string `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ChatFeedback(ctx, session, bidID, surface, body.Index, body.Value)
		respond(w, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSection(w http.ResponseWriter, r *http.Request, session Session, bidID string, index int, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodPut:
		if !s.authorize(w, r, session, bidID, rbac.ActionWrite) {
			return
		}
		var body SectionUpdate
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateSection(ctx, session, bidID, index, body)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "rewrite" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionWrite) {
			return
		}
		var body struct {
			Instructions string `json:"instructions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RewriteSection(ctx, session, bidID, index, body.Instructions)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "review-ready" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionWrite) {
			return
		}
		payload, err := s.service.MarkReviewReady(ctx, session, bidID, index)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) == 1 && parts[0] == "copy" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		payload, err := s.service.CopySection(ctx, bidID, index)
		respond(w, http.StatusOK, payload, err)
		return

	case len(parts) >= 1 && parts[0] == "comments":
		s.handleComments(w, r, session, bidID, index, parts[1:])
		return

	case len(parts) >= 1 && parts[0] == "feedback":
		if !s.authorize(w, r, session, bidID, rbac.ActionWrite) {
			return
		}
		s.handleFeedback(w, r, session, bidID, index, parts[1:])
		return

	case len(parts) >= 1 && parts[0] == "editor":
		s.handleEditor(w, r, session, bidID, index, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, bidID string, index int, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		payload, err := s.service.ListComments(ctx, bidID, index, all)
		respond(w, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "replies" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionComment) {
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddReply(ctx, session, bidID, index, parts[0], body.Text)
		respond(w, http.StatusCreated, payload, err)

	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, bidID, rbac.ActionComment) {
			return
		}
		payload, err := s.service.ResolveComment(ctx, session, bidID, index, parts[0])
		respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleFeedback(w http.ResponseWriter, r *http.Request, session Session, bidID string, index int, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		payload, err := s.service.RequestFeedback(ctx, session, bidID, index)
		respond(w, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "apply" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ApplyFeedback(ctx, session, bidID, index, parts[0], body.Text)
		respond(w, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "reject" && r.Method == http.MethodPost:
		payload, err := s.service.RejectFeedback(ctx, session, bidID, index, parts[0])
		respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// editorWrites are the editor calls that change the answer text.
var editorWrites = map[string]bool{"input": true, "commands": true}

func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request, session Session, bidID string, index int, parts []string) {
	if len(parts) >= 1 && parts[0] == "annotations" {
		s.handleAnnotations(w, r, session, bidID, index, parts[1:])
		return
	}

	action := rbac.ActionComment
	if len(parts) == 1 && editorWrites[parts[0]] {
		action = rbac.ActionWrite
	}
	if !s.authorize(w, r, session, bidID, action) {
		return
	}
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.EditorState(ctx, bidID, index)
			respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			payload, err := s.service.CloseEditor(ctx, bidID, index)
			respond(w, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "open":
		payload, err := s.service.OpenEditor(ctx, session, bidID, index)
		respond(w, http.StatusOK, payload, err)

	case "focus", "blur":
		payload, err := s.service.FocusEditor(ctx, bidID, index, parts[0] == "focus")
		respond(w, http.StatusOK, payload, err)

	case "input":
		var body struct {
			HTML string `json:"html"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditorInput(ctx, bidID, index, body.HTML)
		respond(w, http.StatusOK, payload, err)

	case "selection":
		var body editor.Selection
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditorSelection(ctx, bidID, index, body)
		respond(w, http.StatusOK, payload, err)

	case "click":
		var body struct {
			Offset int `json:"offset"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditorClick(ctx, bidID, index, body.Offset)
		respond(w, http.StatusOK, payload, err)

	case "commands":
		var body struct {
			Command string          `json:"command"`
			Value   string          `json:"value"`
			Range   *richtext.Range `json:"range"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditorCommand(ctx, bidID, index, body.Command, body.Range, body.Value)
		respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, session Session, bidID string, index int, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 && r.Method == http.MethodPost {
		var body AnnotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !s.authorize(w, r, session, bidID, annotationAction(body.Kind)) {
			return
		}
		payload, err := s.service.BeginAnnotation(ctx, session, bidID, index, body)
		respond(w, http.StatusCreated, payload, err)
		return
	}
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	markerID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		if !s.authorize(w, r, session, bidID, rbac.ActionRead) {
			return
		}
		payload, err := s.service.AnnotationPanel(ctx, bidID, index, markerID)
		respond(w, http.StatusOK, payload, err)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if !s.authorize(w, r, session, bidID, rbac.ActionComment) {
		return
	}
	if action := s.service.markerAction(ctx, bidID, index, markerID); action != rbac.ActionComment && !s.authorize(w, r, session, bidID, action) {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	switch parts[1] {
	case "resolve":
		payload, err := s.service.ResolveAnnotation(ctx, bidID, index, markerID, body.Text)
		respond(w, http.StatusOK, payload, err)
	case "cancel":
		payload, err := s.service.CancelAnnotation(ctx, bidID, index, markerID)
		respond(w, http.StatusOK, payload, err)
	case "submit":
		payload, err := s.service.SubmitComment(ctx, session, bidID, index, markerID, body.Text)
		respond(w, http.StatusOK, payload, err)
	case "retry":
		payload, err := s.service.RetryAnnotation(ctx, bidID, index, markerID)
		respond(w, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// annotationAction is the permission a new marker needs: comments only
// annotate, every other kind ends up changing the answer.
func annotationAction(kind string) rbac.Action {
	if parsed, err := annotate.ParseKind(kind); err == nil && parsed == annotate.KindComment {
		return rbac.ActionComment
	}
	if strings.TrimSpace(kind) == "" {
		return rbac.ActionComment
	}
	return rbac.ActionWrite
}

// markerAction looks the marker up to pick the permission its settlement
// needs. Unknown markers fall through to the operation, which reports them.
func (s *Service) markerAction(ctx context.Context, bidID string, index int, markerID string) rbac.Action {
	_, sess, err := s.existingSession(ctx, bidID, index)
	if err != nil {
		return rbac.ActionComment
	}
	if m, ok := sess.markers.Marker(markerID); ok && m.Kind != annotate.KindComment {
		return rbac.ActionWrite
	}
	return rbac.ActionComment
}
