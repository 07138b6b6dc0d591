package app

import (
	"context"
	"log/slog"
	"sync"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/chat"
	"tenderdesk/api/internal/editor"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/store"
)

// workspace is the live state of one bid: the shared outline, the rewrite
// undo slots, and the editing sessions and chat panels opened on it.
type workspace struct {
	bidID    string
	title    string
	outline  *outline.State
	rewrites *editor.RewriteHistory

	// persistMu keeps Postgres and git writes of this bid in order.
	persistMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*editingSession
	chats    map[string]*chat.Panel
}

func newWorkspace(bid store.Bid, sections []outline.Section) *workspace {
	return &workspace{
		bidID:    bid.ID,
		title:    bid.Title,
		outline:  outline.NewState(bid.ID, sections),
		rewrites: editor.NewRewriteHistory(),
		sessions: make(map[string]*editingSession),
		chats:    make(map[string]*chat.Panel),
	}
}

func (ws *workspace) openSessions() []*editingSession {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*editingSession, 0, len(ws.sessions))
	for _, sess := range ws.sessions {
		out = append(out, sess)
	}
	return out
}

func (ws *workspace) session(sectionID string) (*editingSession, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	sess, ok := ws.sessions[sectionID]
	return sess, ok
}

// flush writes every pending editor change now.
func (ws *workspace) flush() {
	for _, sess := range ws.openSessions() {
		sess.syncer.Flush()
	}
}

func (ws *workspace) flushSection(sectionID string) {
	if sess, ok := ws.session(sectionID); ok {
		sess.syncer.Flush()
	}
}

func (ws *workspace) close() {
	ws.mu.Lock()
	sessions := ws.sessions
	chats := ws.chats
	ws.sessions = make(map[string]*editingSession)
	ws.chats = make(map[string]*chat.Panel)
	ws.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	for _, panel := range chats {
		panel.Close()
	}
}

// editingSession is the server-held editor of one section. mu serialises the
// calls made on behalf of clients; listeners and the sync timer never take it.
type editingSession struct {
	mu        sync.Mutex
	bidID     string
	sectionID string
	author    string
	logger    *slog.Logger

	surface   *editor.Surface
	selection *editor.SelectionTracker
	syncer    *editor.Syncer
	markers   *annotate.Manager
	stops     []func()

	answerMu   sync.Mutex
	lastAnswer string
}

// noteAnswer records the answer the outline holds for this section and
// reports whether it changed.
func (sess *editingSession) noteAnswer(answer string) bool {
	sess.answerMu.Lock()
	defer sess.answerMu.Unlock()
	if answer == sess.lastAnswer {
		return false
	}
	sess.lastAnswer = answer
	return true
}

// outlineChanged pushes answers written by someone other than this surface,
// such as a rewrite or an undo, into the editor.
func (sess *editingSession) outlineChanged(change outline.Change) {
	if change.Section.ID != sess.sectionID || !sess.noteAnswer(change.Section.Answer) {
		return
	}
	applied, err := sess.surface.SetValue(change.Section.Answer)
	if err != nil {
		sess.logger.Warn("external answer rejected", "error", err)
		return
	}
	if !applied {
		return
	}
	if err := sess.markers.Adopt(); err != nil {
		sess.logger.Warn("marker adoption failed", "error", err)
	}
}

func (sess *editingSession) close() {
	sess.syncer.Flush()
	sess.syncer.Close()
	for _, stop := range sess.stops {
		stop()
	}
	sess.markers.Close()
	sess.surface.Close()
}

// openSession returns the section's editing session, creating and mounting
// it the first time. created reports whether this call made it.
func (s *Service) openSession(ctx context.Context, ws *workspace, index int, author string) (sess *editingSession, created bool, err error) {
	section, ok := ws.outline.Section(index)
	if !ok {
		return nil, false, errSectionNotFound
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if sess, ok := ws.sessions[section.ID]; ok {
		return sess, false, nil
	}

	logger := s.logger.With("bid_id", ws.bidID, "section_id", section.ID)
	sess = &editingSession{
		bidID:     ws.bidID,
		sectionID: section.ID,
		author:    author,
		logger:    logger,
		surface:   editor.NewSurface(),
		selection: editor.NewSelectionTracker(),
	}
	sess.syncer = editor.NewSyncer(s.cfg.SyncDebounce, sess.surface.HTML, s.syncWriter(ws, sess))
	sess.markers = annotate.NewManager(annotate.Config{
		BidID:     ws.bidID,
		SectionID: section.ID,
		Records:   ws.outline,
		Backend:   s.copilot,
		Surface:   sess.surface,
		Logger:    logger,
		OnRender:  func(string) { sess.syncer.Touch() },
	})
	sess.stops = append(sess.stops,
		sess.surface.On(editor.EventInput, func(editor.Event) {
			sess.syncer.Touch()
			if err := sess.markers.Reconcile(); err != nil {
				logger.Warn("marker reconcile failed", "error", err)
			}
		}),
		sess.surface.On(editor.EventChange, func(editor.Event) { sess.syncer.Touch() }),
		sess.surface.On(editor.EventSelection, func(e editor.Event) { sess.selection.Update(e.Selection) }),
		sess.surface.On(editor.EventClick, func(e editor.Event) {
			if err := sess.markers.SetActiveFeedback(e.FeedbackID); err != nil {
				logger.Warn("feedback highlight failed", "error", err)
			}
		}),
		sess.surface.On(editor.EventBlur, func(editor.Event) { sess.syncer.Flush() }),
		ws.outline.Subscribe(sess.outlineChanged),
	)

	sess.noteAnswer(section.Answer)
	if _, err := sess.surface.Mount(section.Answer); err != nil {
		sess.close()
		return nil, false, err
	}
	if err := sess.markers.Adopt(); err != nil {
		sess.close()
		return nil, false, err
	}
	ws.sessions[section.ID] = sess
	logger.Info("editing session opened", "author", author)
	return sess, true, nil
}

// dropSession unregisters sess and closes it, flushing pending edits.
func (ws *workspace) dropSession(sess *editingSession) {
	ws.mu.Lock()
	if ws.sessions[sess.sectionID] == sess {
		delete(ws.sessions, sess.sectionID)
	}
	ws.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.close()
	sess.logger.Info("editing session closed")
}

// syncWriter is what the debounced syncer runs: the surface markup becomes
// the section answer, which is saved, committed and reindexed.
func (s *Service) syncWriter(ws *workspace, sess *editingSession) func(string) {
	return func(html string) {
		sess.noteAnswer(html)
		index := ws.outline.IndexOf(sess.sectionID)
		if err := ws.outline.SetAnswer(index, html); err != nil {
			sess.logger.Warn("sync dropped", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.persist(ctx, ws, sess.author, "Sync section "+sess.sectionID); err != nil {
			sess.logger.Error("sync persist failed", "error", err)
		}
		if sec, ok := ws.outline.Section(ws.outline.IndexOf(sess.sectionID)); ok {
			s.indexSection(ws.bidID, sec)
		}
	}
}
