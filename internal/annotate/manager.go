package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/richtext"
)

// Records is where comment and feedback markers keep their metadata.
type Records interface {
	Comments(sectionID string) []outline.Comment
	AddComment(sectionID string, comment outline.Comment) error
	ResolveComment(sectionID, commentID string) (bool, error)
	Feedback(sectionID string) []outline.AnswerFeedback
	AddFeedback(sectionID string, feedback outline.AnswerFeedback) error
	ResolveFeedback(sectionID, feedbackID string) (bool, error)
}

type Surface interface {
	Mutate(fn func(*richtext.Document) (*richtext.Document, error)) error
}

type ActionRequest struct {
	Kind         Kind
	Text         string
	Instructions string
	BidID        string
	SectionID    string
}

// Backend runs the AI action behind an evidence, expand, summarize or custom
// marker and returns the text offered as a replacement.
type Backend interface {
	Run(ctx context.Context, req ActionRequest) (string, error)
}

// Panel is the side panel opened for an AI action marker.
type Panel struct {
	MarkerID string `json:"markerId"`
	Kind     Kind   `json:"kind"`
	Selected string `json:"selected"`
	Loading  bool   `json:"loading"`
	Failed   bool   `json:"failed"`
	Result   string `json:"result"`
}

type BeginOptions struct {
	// Text is the comment body for comment markers and the feedback body for
	// feedback markers. A comment begun without text stays pending until
	// SubmitComment.
	Text         string
	Reasoning    string
	Instructions string
	Author       string
	Position     int
}

type Config struct {
	BidID     string
	SectionID string
	Store     Store
	Records   Records
	Backend   Backend
	Surface   Surface
	Logger    *slog.Logger
	NewKey    func() string
	Now       func() time.Time
	// OnRender receives the surface markup after every marker render.
	OnRender func(html string)
}

// Manager owns the markers of one section surface. Operations are serialised;
// the surface markup is always rendered from the clean text plus the store.
type Manager struct {
	mu        sync.Mutex
	bidID     string
	sectionID string
	store     Store
	records   Records
	backend   Backend
	surface   Surface
	logger    *slog.Logger
	newKey    func() string
	now       func() time.Time
	onRender  func(string)

	clean    *richtext.Document
	rendered string
	panels   map[string]*Panel
	inFlight map[Kind]string
	cancels  map[string]context.CancelFunc

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewKey == nil {
		cfg.NewKey = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		bidID:     cfg.BidID,
		sectionID: cfg.SectionID,
		store:     cfg.Store,
		records:   cfg.Records,
		backend:   cfg.Backend,
		surface:   cfg.Surface,
		logger:    cfg.Logger.With("bid_id", cfg.BidID, "section_id", cfg.SectionID),
		newKey:    cfg.NewKey,
		now:       cfg.Now,
		onRender:  cfg.OnRender,
		panels:    make(map[string]*Panel),
		inFlight:  make(map[Kind]string),
		cancels:   make(map[string]context.CancelFunc),
		ctx:       ctx,
		stop:      stop,
	}
}

func (m *Manager) SectionID() string {
	return m.sectionID
}

// Begin marks r with a new marker of kind. Comment markers with text and
// feedback markers get their record immediately; AI kinds start their
// backend call and open a loading panel.
func (m *Manager) Begin(kind Kind, r richtext.Range, opts BeginOptions) (Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Marker{}, ErrClosed
	}
	if !kind.Valid() {
		return Marker{}, fmt.Errorf("unknown annotation kind %q", kind)
	}
	if kind.Ephemeral() {
		if _, busy := m.inFlight[kind]; busy {
			return Marker{}, ErrActionInFlight
		}
		if m.backend == nil {
			return Marker{}, fmt.Errorf("no backend for %s markers", kind)
		}
	}

	text := strings.TrimSpace(opts.Text)
	mk := Marker{
		Key:          m.newKey(),
		Kind:         kind,
		State:        StatePending,
		Range:        r,
		Instructions: opts.Instructions,
		Reasoning:    opts.Reasoning,
		CreatedAt:    m.now(),
	}
	if kind == KindFeedback {
		mk.Feedback = text
		mk.State = StateActive
	}
	if kind == KindComment && text != "" {
		mk.State = StateActive
	}

	err := m.render(func(clean *richtext.Document, _ map[string]richtext.Range) error {
		selected := clean.Slice(r)
		if r.Start < 0 || r.End > clean.Len() || strings.TrimSpace(selected) == "" {
			return &SelectionError{Kind: kind}
		}
		mk.OriginalText = selected
		m.store.Put(mk)
		return nil
	})
	if err != nil {
		return Marker{}, err
	}

	switch {
	case kind == KindComment && mk.State == StateActive:
		_, err = m.addComment(mk, text, opts.Author, opts.Position)
	case kind == KindFeedback:
		err = m.records.AddFeedback(m.sectionID, outline.AnswerFeedback{
			ID:           mk.ID(),
			OriginalText: mk.OriginalText,
			Feedback:     mk.Feedback,
			Reasoning:    mk.Reasoning,
		})
	case kind.Ephemeral():
		m.start(mk)
	}
	if err != nil {
		m.store.Delete(mk.Key)
		if rerr := m.render(nil); rerr != nil {
			m.logger.Warn("marker rollback render failed", "marker", mk.ID(), "error", rerr)
		}
		return Marker{}, err
	}
	m.logger.Info("annotation started", "marker", mk.ID(), "kind", kind)
	return mk, nil
}

// SubmitComment attaches text to a pending comment marker and promotes it.
func (m *Manager) SubmitComment(id, text, author string, position int) (outline.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outline.Comment{}, ErrClosed
	}
	mk, ok := m.lookup(id)
	if !ok {
		return outline.Comment{}, ErrMarkerNotFound
	}
	if mk.Kind != KindComment {
		return outline.Comment{}, ErrWrongKind
	}
	if mk.State != StatePending {
		return outline.Comment{}, ErrMarkerSettled
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return outline.Comment{}, ErrEmptyComment
	}
	mk.State = StateActive
	comment, err := m.addComment(mk, text, author, position)
	if err != nil {
		return outline.Comment{}, err
	}
	m.store.Put(mk)
	return comment, m.render(nil)
}

// Resolve settles a marker with accepted text. Comment markers keep the text
// they cover; feedback markers take text when given; AI markers take text or
// else the panel result. A marker that no longer exists is a no-op.
func (m *Manager) Resolve(id, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	mk, ok := m.lookup(id)
	if !ok {
		if key, parsed := KeyFromID(id); parsed {
			m.dropPanel(key)
		}
		return false, nil
	}

	var replacement *string
	edited := strings.TrimSpace(text)
	switch {
	case mk.Kind == KindComment:
	case mk.Kind == KindFeedback:
		if edited != "" {
			replacement = &edited
		}
	default:
		panel := m.panels[mk.Key]
		if mk.State != StateActive || panel == nil || panel.Loading || panel.Failed {
			return false, ErrNotReady
		}
		accepted := panel.Result
		if edited != "" {
			accepted = edited
		}
		replacement = &accepted
	}

	settled, err := m.settle(mk.Key, replacement)
	if err != nil || !settled {
		return settled, err
	}
	m.dropPanel(mk.Key)
	m.logger.Info("annotation resolved", "marker", mk.ID(), "kind", mk.Kind)
	return true, m.resolveRecord(mk)
}

// Cancel puts the marker's original text back and closes any panel. The
// record, if there is one, is marked resolved.
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	mk, ok := m.lookup(id)
	if !ok {
		if key, parsed := KeyFromID(id); parsed {
			m.dropPanel(key)
		}
		return false, nil
	}
	original := mk.OriginalText
	settled, err := m.settle(mk.Key, &original)
	if err != nil || !settled {
		return settled, err
	}
	m.dropPanel(mk.Key)
	m.logger.Info("annotation cancelled", "marker", mk.ID(), "kind", mk.Kind)
	return true, m.resolveRecord(mk)
}

// Retry reruns the backend call of a pending AI marker whose last run failed.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	mk, ok := m.lookup(id)
	if !ok {
		return ErrMarkerNotFound
	}
	if !mk.Kind.Ephemeral() {
		return ErrWrongKind
	}
	panel := m.panels[mk.Key]
	if mk.State != StatePending || panel == nil || !panel.Failed {
		return ErrMarkerSettled
	}
	if _, busy := m.inFlight[mk.Kind]; busy {
		return ErrActionInFlight
	}
	m.start(mk)
	return nil
}

// SetActiveFeedback highlights the feedback marker with id and dims the rest.
// An empty id dims them all.
func (m *Manager) SetActiveFeedback(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.render(func(*richtext.Document, map[string]richtext.Range) error {
		for _, mk := range m.store.List() {
			if mk.Kind != KindFeedback {
				continue
			}
			mk.Highlighted = id != "" && mk.ID() == id
			m.store.Put(mk)
		}
		return nil
	})
}

// Reconcile re-reads marker positions after the user edited the surface.
// Spans left behind by markers that are gone, such as ones an undo brought
// back, are removed by rendering the surface again.
func (m *Manager) Reconcile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	orphaned := false
	err := m.surface.Mutate(func(doc *richtext.Document) (*richtext.Document, error) {
		rendered := doc.HTML()
		if m.clean != nil && rendered == m.rendered {
			return nil, nil
		}
		clean, found := m.strip(doc)
		m.clean, m.rendered = clean, rendered
		for key := range found {
			if mk, ok := m.store.Get(key); !ok || mk.State.Terminal() {
				orphaned = true
				break
			}
		}
		return nil, nil
	})
	if err != nil || !orphaned {
		return err
	}
	m.logger.Debug("removing spans of settled markers")
	return m.render(nil)
}

// Adopt rebuilds markers for unresolved comment and feedback records whose
// spans are present in the surface. Spans without a live record are removed.
func (m *Manager) Adopt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	comments := m.records.Comments(m.sectionID)
	feedback := m.records.Feedback(m.sectionID)
	m.clean = nil
	return m.render(func(clean *richtext.Document, found map[string]richtext.Range) error {
		adopt := func(id string, kind Kind, fill func(*Marker)) {
			key, ok := KeyFromID(id)
			if !ok {
				return
			}
			if _, exists := m.store.Get(key); exists {
				return
			}
			r, ok := found[key]
			if !ok {
				return
			}
			mk := Marker{Key: key, Kind: kind, State: StateActive, Range: r, OriginalText: clean.Slice(r), CreatedAt: m.now()}
			fill(&mk)
			if mk.ID() != id {
				return
			}
			m.store.Put(mk)
		}
		for _, c := range comments {
			if !c.Resolved {
				adopt(c.ID, KindComment, func(mk *Marker) { mk.CreatedAt = c.CreatedAt })
			}
		}
		for _, f := range feedback {
			if !f.Resolved {
				adopt(f.ID, KindFeedback, func(mk *Marker) {
					mk.Feedback, mk.Reasoning = f.Feedback, f.Reasoning
					if f.OriginalText != "" {
						mk.OriginalText = f.OriginalText
					}
				})
			}
		}
		return nil
	})
}

func (m *Manager) Marker(id string) (Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *Manager) Markers() []Marker {
	return m.store.List()
}

func (m *Manager) Panel(id string) (Panel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := KeyFromID(id)
	if !ok {
		return Panel{}, false
	}
	panel, ok := m.panels[key]
	if !ok {
		return Panel{}, false
	}
	return *panel, true
}

// ActiveComments returns the section's unresolved comments.
func (m *Manager) ActiveComments() []outline.Comment {
	return outline.ActiveComments(m.records.Comments(m.sectionID))
}

// ActiveAnnotations returns the unresolved comments of section.
func ActiveAnnotations(section outline.Section) []outline.Comment {
	return outline.ActiveComments(section.Comments)
}

// Wait blocks until no backend call is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels running backend calls and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stop()
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) lookup(id string) (Marker, bool) {
	key, ok := KeyFromID(id)
	if !ok {
		return Marker{}, false
	}
	mk, ok := m.store.Get(key)
	if !ok || mk.State.Terminal() {
		return Marker{}, false
	}
	return mk, true
}

func (m *Manager) addComment(mk Marker, text, author string, preferred int) (outline.Comment, error) {
	comment := outline.Comment{
		ID:        mk.ID(),
		Text:      text,
		Position:  AllocatePosition(m.records.Comments(m.sectionID), preferred),
		SectionID: m.sectionID,
		Author:    outline.CommentAuthor(author, ""),
		CreatedAt: m.now(),
		Replies:   []outline.Reply{},
	}
	if err := m.records.AddComment(m.sectionID, comment); err != nil {
		return outline.Comment{}, err
	}
	return comment, nil
}

func (m *Manager) resolveRecord(mk Marker) error {
	var err error
	switch {
	case mk.Kind == KindComment && mk.State == StateActive:
		_, err = m.records.ResolveComment(m.sectionID, mk.ID())
	case mk.Kind == KindFeedback:
		_, err = m.records.ResolveFeedback(m.sectionID, mk.ID())
	}
	return err
}

// settle removes the marker and, when replacement differs from the covered
// text, swaps the text in. It reports false when the marker's span vanished
// before the render.
func (m *Manager) settle(key string, replacement *string) (bool, error) {
	settled := false
	err := m.render(func(clean *richtext.Document, _ map[string]richtext.Range) error {
		mk, ok := m.store.Get(key)
		if !ok {
			return nil
		}
		if replacement != nil && *replacement != clean.Slice(mk.Range) {
			if err := clean.ReplaceRange(mk.Range, *replacement); err != nil {
				return err
			}
			newLen := utf8.RuneCountInString(*replacement)
			for _, other := range m.store.List() {
				if other.Key == key {
					continue
				}
				other.Range = other.Range.Shift(mk.Range, newLen)
				m.store.Put(other)
			}
		}
		m.store.Delete(key)
		settled = true
		return nil
	})
	return settled, err
}

func (m *Manager) start(mk Marker) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancels[mk.Key] = cancel
	m.inFlight[mk.Kind] = mk.Key
	m.panels[mk.Key] = &Panel{MarkerID: mk.ID(), Kind: mk.Kind, Selected: mk.OriginalText, Loading: true}
	req := ActionRequest{
		Kind:         mk.Kind,
		Text:         mk.OriginalText,
		Instructions: mk.Instructions,
		BidID:        m.bidID,
		SectionID:    m.sectionID,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result, err := m.backend.Run(ctx, req)
		m.finish(ctx, mk.Key, result, err)
	}()
}

func (m *Manager) finish(ctx context.Context, key, result string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	panel, ok := m.panels[key]
	if !ok {
		return
	}
	if cancel, ok := m.cancels[key]; ok {
		cancel()
		delete(m.cancels, key)
	}
	if m.inFlight[panel.Kind] == key {
		delete(m.inFlight, panel.Kind)
	}
	panel.Loading = false
	result = strings.TrimSpace(result)
	switch {
	case err != nil:
		m.logger.Warn("annotation action failed", "marker", panel.MarkerID, "kind", panel.Kind, "error", err)
		panel.Failed, panel.Result = true, panel.Kind.FailureMessage()
		return
	case result == "" && panel.Kind == KindExpand:
		panel.Failed, panel.Result = true, EmptyExpansion
		return
	case result == "":
		panel.Failed, panel.Result = true, panel.Kind.FailureMessage()
		return
	}
	panel.Failed, panel.Result = false, result

	mk, ok := m.store.Get(key)
	if !ok {
		return
	}
	mk.State = StateActive
	m.store.Put(mk)
	panel.MarkerID = mk.ID()
	if err := m.render(nil); err != nil {
		m.logger.Warn("marker render failed", "marker", mk.ID(), "error", err)
	}
}

func (m *Manager) dropPanel(key string) {
	if cancel, ok := m.cancels[key]; ok {
		cancel()
		delete(m.cancels, key)
	}
	if panel, ok := m.panels[key]; ok {
		if m.inFlight[panel.Kind] == key {
			delete(m.inFlight, panel.Kind)
		}
		delete(m.panels, key)
	}
}

// render installs clean text plus the store's markers on the surface. fn may
// change the clean text or the store first; found holds the spans read from
// the surface when it had to be stripped, and is nil otherwise.
func (m *Manager) render(fn func(clean *richtext.Document, found map[string]richtext.Range) error) error {
	var html string
	ran, changed := false, false
	err := m.surface.Mutate(func(doc *richtext.Document) (*richtext.Document, error) {
		ran = true
		var clean *richtext.Document
		var found map[string]richtext.Range
		if m.clean != nil && doc.HTML() == m.rendered {
			clean = m.clean.Clone()
		} else {
			clean, found = m.strip(doc)
		}
		if fn != nil {
			if err := fn(clean, found); err != nil {
				return nil, err
			}
		}
		out := clean.Clone()
		for _, key := range Render(out, m.store.List()) {
			m.logger.Debug("marker no longer fits the section", "key", key)
			m.store.Delete(key)
		}
		m.clean = clean
		html = out.HTML()
		changed = html != m.rendered
		m.rendered = html
		return out, nil
	})
	if err != nil {
		return err
	}
	if !ran {
		return ErrClosed
	}
	if changed && m.onRender != nil {
		m.onRender(html)
	}
	return nil
}

// strip removes marker spans from doc and moves stored markers to the spans
// found. Markers whose span is gone are dropped from the store.
func (m *Manager) strip(doc *richtext.Document) (*richtext.Document, map[string]richtext.Range) {
	found := Strip(doc)
	for _, mk := range m.store.List() {
		r, ok := found[mk.Key]
		if !ok {
			m.store.Delete(mk.Key)
			continue
		}
		mk.Range = r
		m.store.Put(mk)
	}
	return doc, found
}
