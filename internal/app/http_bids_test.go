package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/export"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/store"
)

const sectionPath = "/api/bids/bid-1/sections/0"

func (env *testEnv) openEditor(t *testing.T, token string) map[string]any {
	t.Helper()
	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/open", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open editor: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	return payload
}

func (env *testEnv) selectText(t *testing.T, token string, start, end int) {
	t.Helper()
	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/selection", token, map[string]any{
		"range":     map[string]int{"start": start, "end": end},
		"bounds":    map[string]int{"top": 140, "left": 60, "width": 80, "height": 20},
		"container": map[string]int{"top": 100, "left": 40, "width": 600, "height": 400},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	menu, _ := payload["menu"].(map[string]any)
	if menu["visible"] != true {
		t.Fatalf("expected the floating menu to show, got %v", payload)
	}
}

func (env *testEnv) session(t *testing.T, sectionID string) *editingSession {
	t.Helper()
	ws, ok := env.service.loaded("bid-1")
	if !ok {
		t.Fatalf("bid-1 not loaded")
	}
	sess, ok := ws.session(sectionID)
	if !ok {
		t.Fatalf("no editing session for %s", sectionID)
	}
	return sess
}

func storedSection(t *testing.T, env *testEnv, index int) outline.Section {
	t.Helper()
	sections := env.store.outline("bid-1")
	if index >= len(sections) {
		t.Fatalf("stored outline has %d sections", len(sections))
	}
	return sections[index]
}

func TestCreateBidAndGetOutline(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPost, "/api/bids", token, map[string]any{"title": "  "})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 for blank title, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids", token, map[string]any{
		"title": "Catering Contract",
		"sections": []map[string]any{
			{"heading": "Menus", "question": "Describe your menus", "status": "in progress"},
			{"section_id": "quality", "heading": "Quality"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	bid, _ := payload["bid"].(map[string]any)
	bidID, _ := bid["id"].(string)
	if !strings.HasPrefix(bidID, "bid-") {
		t.Fatalf("expected generated bid id, got %v", bid)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/bids/"+bidID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	sections, _ := payload["sections"].([]any)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %v", payload["sections"])
	}
	first, _ := sections[0].(map[string]any)
	if id, _ := first["section_id"].(string); !strings.HasPrefix(id, "section-") {
		t.Errorf("expected generated section id, got %v", first["section_id"])
	}
	if first["status"] != string(outline.StatusInProgress) {
		t.Errorf("expected normalised status, got %v", first["status"])
	}
	if payload["canUndo"] != false {
		t.Errorf("expected canUndo=false on a fresh bid")
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids", token, map[string]any{
		"title":    "Dupes",
		"sections": []map[string]any{{"section_id": "a"}, {"section_id": "a"}},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for duplicate section ids, got %d %v", rr.Code, payload)
	}
}

func TestBidAccessByRole(t *testing.T) {
	env := newTestEnv(t)
	outsider := store.User{ID: "user-outsider", DisplayName: "Eli", Email: "eli@example.com"}
	env.store.addUser(outsider)

	cases := []struct {
		name   string
		user   store.User
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "outsider cannot see bid", user: outsider, method: http.MethodGet, path: "/api/bids/bid-1", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "viewer reads outline", user: testViewer, method: http.MethodGet, path: "/api/bids/bid-1", status: http.StatusOK},
		{name: "viewer cannot rewrite", user: testViewer, method: http.MethodPost, path: sectionPath + "/rewrite", body: map[string]any{"instructions": "x"}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "viewer cannot open editor", user: testViewer, method: http.MethodPost, path: sectionPath + "/editor/open", status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "reviewer opens editor", user: testReview, method: http.MethodPost, path: sectionPath + "/editor/open", status: http.StatusOK},
		{name: "writer cannot add members", user: testWriter, method: http.MethodPost, path: "/api/bids/bid-1/members", body: map[string]any{"email": "eli@example.com", "role": "viewer"}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "bad section index", user: testWriter, method: http.MethodPost, path: "/api/bids/bid-1/sections/x/copy", status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := env.do(t, tc.method, tc.path, env.token(t, tc.user), tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" && payload["code"] != tc.code {
				t.Errorf("expected code %s, got %v", tc.code, payload["code"])
			}
		})
	}
}

func TestEditorCallsNeedAnOpenSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/input", token, map[string]any{"html": "<p>x</p>"})
	if rr.Code != http.StatusConflict || payload["code"] != "EDITOR_NOT_OPEN" {
		t.Fatalf("expected 409 EDITOR_NOT_OPEN, got %d %v", rr.Code, payload)
	}
}

func TestEditorInputSyncsOnBlur(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)

	state := env.openEditor(t, token)
	if state["text"] != "We deliver on time. Our team is certified." {
		t.Fatalf("unexpected mounted text %v", state["text"])
	}

	env.do(t, http.MethodPost, sectionPath+"/editor/focus", token, nil)
	rr, state := env.do(t, http.MethodPost, sectionPath+"/editor/input", token, map[string]any{"html": "<p>We always deliver on time.</p>"})
	if rr.Code != http.StatusOK {
		t.Fatalf("input: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if state["pendingSync"] != true {
		t.Fatalf("expected a pending sync after input, got %v", state)
	}
	if got := storedSection(t, env, 0).Answer; strings.Contains(got, "always") {
		t.Fatalf("answer written before the debounce elapsed: %q", got)
	}

	rr, state = env.do(t, http.MethodPost, sectionPath+"/editor/blur", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("blur: expected 200, got %d", rr.Code)
	}
	if state["pendingSync"] != false {
		t.Errorf("expected blur to flush the pending sync")
	}
	if got := storedSection(t, env, 0).Answer; !strings.Contains(got, "We always deliver on time.") {
		t.Fatalf("expected synced answer, got %q", got)
	}
	if msgs := env.git.messages(); len(msgs) == 0 || msgs[len(msgs)-1] != "Sync section s1" {
		t.Errorf("expected a sync commit, got %v", msgs)
	}
}

func TestAnnotationWithoutSelection(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)
	env.openEditor(t, token)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "comment", "text": "?"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "NOTHING_SELECTED" || payload["error"] != "Please select text to add a comment" {
		t.Errorf("unexpected error payload %v", payload)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "sparkle"})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected 422 for unknown kind, got %d %v", rr.Code, payload)
	}
}

func TestCommentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)
	env.openEditor(t, token)
	env.selectText(t, token, 3, 10)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "comment", "text": "Which SLA?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	marker, _ := payload["marker"].(map[string]any)
	commentID, _ := marker["id"].(string)
	if !strings.HasPrefix(commentID, "comment-") || marker["originalText"] != "deliver" {
		t.Fatalf("unexpected marker %v", marker)
	}
	if html, _ := payload["html"].(string); !strings.Contains(html, `data-comment-id="`+commentID+`"`) {
		t.Errorf("expected the comment marker in the surface, got %s", html)
	}
	comment, _ := payload["comment"].(map[string]any)
	if comment["author"] != "Avery" || comment["text"] != "Which SLA?" {
		t.Errorf("unexpected comment record %v", comment)
	}

	rr, payload = env.do(t, http.MethodGet, sectionPath+"/comments", token, nil)
	if comments, _ := payload["comments"].([]any); rr.Code != http.StatusOK || len(comments) != 1 {
		t.Fatalf("expected one active comment, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/comments/"+commentID+"/replies", token, map[string]any{"text": "   "})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 for a blank reply, got %d %v", rr.Code, payload)
	}
	rr, payload = env.do(t, http.MethodPost, sectionPath+"/comments/comment-missing/replies", token, map[string]any{"text": "hi"})
	if rr.Code != http.StatusNotFound || payload["code"] != "COMMENT_NOT_FOUND" {
		t.Fatalf("expected 404 for an unknown comment, got %d %v", rr.Code, payload)
	}
	rr, payload = env.do(t, http.MethodPost, sectionPath+"/comments/"+commentID+"/replies", env.token(t, testReview), map[string]any{"text": "Four hours"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a reply, got %d body=%s", rr.Code, rr.Body.String())
	}
	reply, _ := payload["reply"].(map[string]any)
	if id, _ := reply["id"].(string); !strings.HasPrefix(id, "reply-") || reply["author"] != "Casey" {
		t.Errorf("unexpected reply %v", reply)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/comments/"+commentID+"/resolve", token, nil)
	if rr.Code != http.StatusOK || payload["resolved"] != true {
		t.Fatalf("expected resolved, got %d %v", rr.Code, payload)
	}
	if html, _ := payload["html"].(string); strings.Contains(html, "data-comment-id") || !strings.Contains(html, "deliver") {
		t.Errorf("expected the marker unwrapped with its text kept, got %s", html)
	}

	_, payload = env.do(t, http.MethodGet, sectionPath+"/comments", token, nil)
	if comments, _ := payload["comments"].([]any); len(comments) != 0 {
		t.Errorf("expected no active comments, got %v", comments)
	}
	_, payload = env.do(t, http.MethodGet, sectionPath+"/comments?all=true", token, nil)
	if comments, _ := payload["comments"].([]any); len(comments) != 1 {
		t.Errorf("expected the resolved comment with all=true, got %v", comments)
	}

	stored := storedSection(t, env, 0)
	if len(stored.Comments) != 1 || !stored.Comments[0].Resolved || len(stored.Comments[0].Replies) != 1 {
		t.Errorf("expected the resolved comment persisted, got %+v", stored.Comments)
	}
}

func TestExpandAnnotationAcceptsResult(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)
	env.openEditor(t, token)
	env.selectText(t, token, 0, 19)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "expand"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	marker, _ := payload["marker"].(map[string]any)
	markerID, _ := marker["id"].(string)

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "comment", "text": "x"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected the selection cleared after an action, got %d %v", rr.Code, payload)
	}

	env.session(t, "s1").markers.Wait()

	rr, payload = env.do(t, http.MethodGet, sectionPath+"/editor/annotations/"+markerID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	panel, _ := payload["panel"].(map[string]any)
	if panel["loading"] != false || panel["result"] != "expanded We deliver on time." {
		t.Fatalf("unexpected panel %v", panel)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/editor/annotations/"+markerID+"/resolve", token, nil)
	if rr.Code != http.StatusOK || payload["resolved"] != true {
		t.Fatalf("expected resolved, got %d %v", rr.Code, payload)
	}
	if html, _ := payload["html"].(string); !strings.Contains(html, "expanded We deliver on time. Our team is certified.") {
		t.Errorf("expected the result swapped in, got %s", html)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/editor/annotations/"+markerID+"/resolve", token, nil)
	if rr.Code != http.StatusOK || payload["resolved"] != false {
		t.Errorf("expected a stale resolve to be a no-op, got %d %v", rr.Code, payload)
	}

	rr, _ = env.do(t, http.MethodDelete, sectionPath+"/editor", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rr.Code)
	}
	if got := storedSection(t, env, 0).Answer; !strings.Contains(got, "expanded We deliver on time.") {
		t.Errorf("expected close to flush the accepted text, got %q", got)
	}
}

func TestActionFailureShowsKindMessage(t *testing.T) {
	env := newTestEnv(t)
	env.copilot.runFn = func(context.Context, annotate.ActionRequest) (string, error) {
		return "", errors.New("upstream down")
	}
	token := env.token(t, testWriter)
	env.openEditor(t, token)
	env.selectText(t, token, 0, 19)

	_, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "summarise"})
	marker, _ := payload["marker"].(map[string]any)
	markerID, _ := marker["id"].(string)
	env.session(t, "s1").markers.Wait()

	_, payload = env.do(t, http.MethodGet, sectionPath+"/editor/annotations/"+markerID, token, nil)
	panel, _ := payload["panel"].(map[string]any)
	if panel["failed"] != true || panel["result"] != "Error generating summary. Please try again." {
		t.Fatalf("unexpected panel %v", panel)
	}

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations/"+markerID+"/resolve", token, nil)
	if rr.Code != http.StatusConflict || payload["code"] != "ACTION_NOT_READY" {
		t.Errorf("expected 409 ACTION_NOT_READY, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/editor/annotations/"+markerID+"/cancel", token, nil)
	if rr.Code != http.StatusOK || payload["cancelled"] != true {
		t.Fatalf("expected cancelled, got %d %v", rr.Code, payload)
	}
	if html, _ := payload["html"].(string); strings.Contains(html, "summarise-text") || !strings.Contains(html, "We deliver on time.") {
		t.Errorf("expected the original text restored, got %s", html)
	}
}

func TestFeedbackApplyAndReject(t *testing.T) {
	env := newTestEnv(t)
	env.copilot.feedbackFn = func(_ context.Context, section outline.Section) ([]copilot.FeedbackItem, error) {
		return []copilot.FeedbackItem{
			{OriginalText: "We deliver on time.", Feedback: "Quote a KPI.", Reasoning: "Evidence scores."},
			{OriginalText: "Our team is certified.", Feedback: "Name the standard.", Reasoning: "Specific."},
			{OriginalText: "Not in the answer.", Feedback: "ignored"},
		}, nil
	}
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/feedback", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	markers, _ := payload["markers"].([]any)
	if len(markers) != 2 {
		t.Fatalf("expected 2 feedback markers, got %v", payload["markers"])
	}
	first, _ := markers[0].(map[string]any)
	second, _ := markers[1].(map[string]any)
	firstID, _ := first["id"].(string)
	secondID, _ := second["id"].(string)
	if html, _ := payload["html"].(string); !strings.Contains(html, "rgb(144, 238, 144)") {
		t.Errorf("expected light green feedback highlights, got %s", html)
	}

	rr, payload = env.do(t, http.MethodPost, sectionPath+"/feedback/"+firstID+"/apply", token, map[string]any{"text": "We met 99% of deadlines in 2024."})
	if rr.Code != http.StatusOK || payload["applied"] != true {
		t.Fatalf("expected applied, got %d %v", rr.Code, payload)
	}
	rr, payload = env.do(t, http.MethodPost, sectionPath+"/feedback/"+secondID+"/reject", token, nil)
	if rr.Code != http.StatusOK || payload["rejected"] != true {
		t.Fatalf("expected rejected, got %d %v", rr.Code, payload)
	}

	stored := storedSection(t, env, 0)
	if !strings.Contains(stored.Answer, "We met 99% of deadlines in 2024. Our team is certified.") {
		t.Errorf("unexpected stored answer %q", stored.Answer)
	}
	if strings.Contains(stored.Answer, "feedback-text") {
		t.Errorf("expected no feedback markers left in %q", stored.Answer)
	}
	if len(stored.AnswerFeedback) != 2 || !stored.AnswerFeedback[0].Resolved || !stored.AnswerFeedback[1].Resolved {
		t.Errorf("expected both feedback items resolved, got %+v", stored.AnswerFeedback)
	}
}

func TestFeedbackNeedsAnAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.copilot.feedbackFn = func(context.Context, outline.Section) ([]copilot.FeedbackItem, error) {
		return nil, copilot.ErrNoAnswer
	}

	rr, payload := env.do(t, http.MethodPost, "/api/bids/bid-1/sections/1/feedback", env.token(t, testWriter), nil)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "NO_ANSWER" {
		t.Fatalf("expected 422 NO_ANSWER, got %d %v", rr.Code, payload)
	}
}

func TestResolveCommentWithoutEditorLeavesNoSession(t *testing.T) {
	env := newTestEnv(t)
	writer := env.token(t, testWriter)
	env.openEditor(t, writer)
	env.selectText(t, writer, 3, 10)
	_, payload := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", writer, map[string]any{"kind": "comment", "text": "Which SLA?"})
	marker, _ := payload["marker"].(map[string]any)
	commentID, _ := marker["id"].(string)
	if rr, _ := env.do(t, http.MethodDelete, sectionPath+"/editor", writer, nil); rr.Code != http.StatusOK {
		t.Fatalf("close editor: expected 200, got %d", rr.Code)
	}
	if got := storedSection(t, env, 0).Answer; !strings.Contains(got, `data-comment-id="`+commentID+`"`) {
		t.Fatalf("expected the comment marker saved on close, got %q", got)
	}

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/comments/"+commentID+"/resolve", env.token(t, testReview), nil)
	if rr.Code != http.StatusOK || payload["resolved"] != true {
		t.Fatalf("expected resolved, got %d %v", rr.Code, payload)
	}
	ws, _ := env.service.loaded("bid-1")
	if _, open := ws.session("s1"); open {
		t.Fatal("resolving a comment left an editing session open")
	}
	if got := storedSection(t, env, 0).Answer; strings.Contains(got, "data-comment-id") || !strings.Contains(got, "We deliver on time.") {
		t.Errorf("expected the marker unwrapped in the saved answer, got %q", got)
	}
	if author := env.git.lastAuthor(); author != "Casey" {
		t.Errorf("expected the resolution committed by Casey, got %q", author)
	}

	env.openEditor(t, writer)
	env.do(t, http.MethodPost, sectionPath+"/editor/focus", writer, nil)
	env.do(t, http.MethodPost, sectionPath+"/editor/input", writer, map[string]any{"html": "<p>We always deliver on time.</p>"})
	env.do(t, http.MethodPost, sectionPath+"/editor/blur", writer, nil)
	if author := env.git.lastAuthor(); author != "Avery" {
		t.Errorf("expected later edits committed by Avery, got %q", author)
	}
}

func TestFeedbackRequestDoesNotBlockTheEditor(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.copilot.feedbackFn = func(ctx context.Context, _ outline.Section) ([]copilot.FeedbackItem, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []copilot.FeedbackItem{{OriginalText: "We deliver on time.", Feedback: "Quote a KPI."}}, nil
	}
	env.openEditor(t, env.token(t, testWriter))
	session, err := env.service.issueSession(testWriter)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	type result struct {
		payload map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := env.service.RequestFeedback(context.Background(), session, "bid-1", 0)
		done <- result{payload, err}
	}()
	<-started

	edited := make(chan error, 1)
	go func() {
		_, err := env.service.EditorInput(context.Background(), "bid-1", 0, "<p>We deliver on time. Our team is certified and insured.</p>")
		edited <- err
	}()
	select {
	case err := <-edited:
		if err != nil {
			t.Fatalf("editor input: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("editor input blocked while feedback was being fetched")
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("request feedback: %v", res.err)
	}
	if markers, _ := res.payload["markers"].([]markerView); len(markers) != 1 {
		t.Fatalf("expected one feedback marker, got %v", res.payload["markers"])
	}
	if html, _ := res.payload["html"].(string); !strings.Contains(html, "certified and insured") || !strings.Contains(html, "data-feedback-id") {
		t.Errorf("expected the marker placed on the edited answer, got %s", html)
	}
}

func TestRewriteUndoRedo(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/rewrite", token, map[string]any{"instructions": " "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without instructions, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids/bid-1/undo", token, nil)
	if rr.Code != http.StatusConflict || payload["code"] != "NOTHING_TO_UNDO" {
		t.Fatalf("expected 409 NOTHING_TO_UNDO, got %d %v", rr.Code, payload)
	}

	for _, instructions := range []string{"Be concise", "Add a KPI"} {
		rr, payload = env.do(t, http.MethodPost, sectionPath+"/rewrite", token, map[string]any{"instructions": instructions})
		if rr.Code != http.StatusOK {
			t.Fatalf("rewrite %q: expected 200, got %d body=%s", instructions, rr.Code, rr.Body.String())
		}
	}
	if got := storedSection(t, env, 0).Answer; got != "<p>Rewritten: Add a KPI</p>" {
		t.Fatalf("unexpected answer after rewrites %q", got)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids/bid-1/undo", token, nil)
	if rr.Code != http.StatusOK || payload["canRedo"] != true || payload["canUndo"] != false {
		t.Fatalf("unexpected undo payload %d %v", rr.Code, payload)
	}
	if got := storedSection(t, env, 0).Answer; got != "<p>Rewritten: Be concise</p>" {
		t.Fatalf("expected undo to restore the pre-second-rewrite answer, got %q", got)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids/bid-1/undo", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected a second undo to be refused, got %d %v", rr.Code, payload)
	}
	if got := storedSection(t, env, 0).Answer; got != "<p>Rewritten: Be concise</p>" {
		t.Fatalf("refused undo changed the answer to %q", got)
	}

	rr, _ = env.do(t, http.MethodPost, "/api/bids/bid-1/redo", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("redo: expected 200, got %d", rr.Code)
	}
	if got := storedSection(t, env, 0).Answer; got != "<p>Rewritten: Add a KPI</p>" {
		t.Errorf("expected redo to reapply the second rewrite, got %q", got)
	}
	rr, payload = env.do(t, http.MethodPost, "/api/bids/bid-1/redo", token, nil)
	if rr.Code != http.StatusConflict || payload["code"] != "NOTHING_TO_REDO" {
		t.Errorf("expected 409 NOTHING_TO_REDO, got %d %v", rr.Code, payload)
	}
}

func TestRewriteReachesOpenEditor(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)
	env.openEditor(t, token)

	rr, _ := env.do(t, http.MethodPost, sectionPath+"/rewrite", token, map[string]any{"instructions": "Shorter"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	_, state := env.do(t, http.MethodGet, sectionPath+"/editor", token, nil)
	if state["text"] != "Rewritten: Shorter" {
		t.Errorf("expected the editor to show the rewrite, got %v", state["text"])
	}
}

func TestMarkReviewReady(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.configured = true
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/review-ready", token, nil)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "REVIEWER_REQUIRED" {
		t.Fatalf("expected 422 REVIEWER_REQUIRED, got %d %v", rr.Code, payload)
	}
	if payload["error"] != "Please assign a reviewer before marking as review ready" {
		t.Errorf("unexpected message %v", payload["error"])
	}
	if len(env.store.tasks) != 0 {
		t.Fatalf("expected no task without a reviewer")
	}

	rr, payload = env.do(t, http.MethodPost, "/api/bids/bid-1/sections/1/review-ready", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	task, _ := payload["task"].(map[string]any)
	if task["title"] != "Review section: Social Value (Ready for Review)" || task["assignee"] != "Casey" {
		t.Errorf("unexpected task %v", task)
	}
	if payload["notified"] != true || len(env.mailer.sent) != 1 || env.mailer.sent[0] != testReview.Email {
		t.Errorf("expected the reviewer emailed, got %v", env.mailer.sent)
	}
	if url := env.mailer.data[0].ReviewURL; url != "https://tenders.example.com/bids/bid-1?section=s2" {
		t.Errorf("unexpected review url %q", url)
	}
	if status := storedSection(t, env, 1).Status; status != outline.StatusCompleted {
		t.Errorf("expected Completed, got %q", status)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/bids/bid-1/tasks", token, nil)
	if tasks, _ := payload["tasks"].([]any); rr.Code != http.StatusOK || len(tasks) != 1 {
		t.Errorf("expected one task listed, got %d %v", rr.Code, payload)
	}
}

func TestUpdateSectionAssignsReviewer(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testWriter)

	rr, payload := env.do(t, http.MethodPut, sectionPath, token, map[string]any{"reviewer": " Casey ", "word_count": 250})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	section, _ := payload["section"].(map[string]any)
	if section["reviewer"] != "Casey" || section["word_count"] != float64(250) {
		t.Errorf("unexpected section %v", section)
	}
	rr, _ = env.do(t, http.MethodPost, sectionPath+"/review-ready", token, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected review-ready to pass once assigned, got %d", rr.Code)
	}
}

func TestCopySection(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodPost, sectionPath+"/copy", env.token(t, testViewer), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["text"] != "We deliver on time. Our team is certified." {
		t.Errorf("unexpected copied text %v", payload["text"])
	}
	if last, n := env.clipboard.Last(); n != 1 || last != payload["text"] {
		t.Errorf("expected the clipboard written once, got %q (%d)", last, n)
	}
}

func TestPlainAnswerKeepsBlocks(t *testing.T) {
	got, err := plainAnswer("First para with **bold**.\n\nSecond line\nwraps.")
	if err != nil {
		t.Fatalf("plainAnswer: %v", err)
	}
	if got != "First para with bold.\n\nSecond linewraps." && got != "First para with bold.\n\nSecond line\nwraps." {
		t.Errorf("unexpected plain text %q", got)
	}
}

func TestLibraryChat(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, testViewer)
	path := "/api/bids/bid-1/chat/tenderLibraryChatMessages"

	rr, payload := env.do(t, http.MethodPost, path, token, map[string]any{"question": "Which certifications do we hold?"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	messages, _ := payload["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected greeting, question and reply, got %v", messages)
	}
	last, _ := messages[2].(map[string]any)
	if last["type"] != "bot" {
		t.Errorf("expected a bot reply last, got %v", last)
	}
	reply, _ := payload["reply"].(map[string]any)
	if text, _ := reply["text"].(string); !strings.Contains(text, "ISO 9001") {
		t.Errorf("unexpected reply %v", payload["reply"])
	}

	rr, payload = env.do(t, http.MethodPost, path, token, map[string]any{"question": "  "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a blank question, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/bids/bid-1/chat/sidebar", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown surface, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodDelete, path, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d", rr.Code)
	}
	messages, _ = payload["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected only the greeting after clearing, got %v", messages)
	}
	if first, _ := messages[0].(map[string]any); first["text"] != "Ask questions here about your Tender Library documents" {
		t.Errorf("unexpected greeting %v", first)
	}
}

type fakeObjects struct {
	keys []string
}

func (f *fakeObjects) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.keys = append(f.keys, key)
	return "https://files.example.com/" + key, nil
}

func TestExportFlushesAndStripsMarkers(t *testing.T) {
	env := newTestEnv(t)
	objects := &fakeObjects{}
	var rendered string
	env.service.exporter = export.NewService(env.service, export.Options{
		PDF: func(_ context.Context, html, title string) (*export.Result, error) {
			rendered = html
			return &export.Result{Data: []byte("%PDF-1.7"), Filename: "proposal.pdf", MimeType: "application/pdf"}, nil
		},
		Objects: objects,
	})
	token := env.token(t, testWriter)
	env.openEditor(t, token)
	env.selectText(t, token, 3, 10)
	rr, _ := env.do(t, http.MethodPost, sectionPath+"/editor/annotations", token, map[string]any{"kind": "comment", "text": "Which SLA?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("annotate: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload := env.do(t, http.MethodGet, "/api/bids/bid-1/export?format=pdf", env.token(t, testViewer), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected viewers to be refused export, got %d %v", rr.Code, payload)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/bids/bid-1/export?format=pdf", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "%PDF-1.7" || rr.Header().Get("Content-Type") != "application/pdf" {
		t.Errorf("unexpected export body %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="proposal.pdf"` {
		t.Errorf("unexpected disposition %q", got)
	}
	if rr.Header().Get("X-Export-URL") == "" || len(objects.keys) != 1 {
		t.Errorf("expected the export uploaded, got %v", objects.keys)
	}
	if rr.Header().Get("X-Export-Version") == "" || len(env.git.tags) != 1 {
		t.Errorf("expected a tagged head version, tags=%v", env.git.tags)
	}
	if !strings.Contains(rendered, "We deliver on time.") || strings.Contains(rendered, "data-comment-id") {
		t.Errorf("expected clean answer text in the export, got %s", rendered)
	}
	if got := storedSection(t, env, 0).Answer; !strings.Contains(got, "data-comment-id") {
		t.Errorf("expected export to flush the marked answer first, got %q", got)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/bids/bid-1/export?format=odt", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for an unknown format, got %d %v", rr.Code, payload)
	}
}
