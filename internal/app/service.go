package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/auth"
	"tenderdesk/api/internal/authpw"
	"tenderdesk/api/internal/chat"
	"tenderdesk/api/internal/clipboard"
	"tenderdesk/api/internal/config"
	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/drafts"
	"tenderdesk/api/internal/email"
	"tenderdesk/api/internal/export"
	"tenderdesk/api/internal/gitrepo"
	"tenderdesk/api/internal/observability"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/rbac"
	"tenderdesk/api/internal/search"
	"tenderdesk/api/internal/store"
	"tenderdesk/api/internal/util"
)

const persistTimeout = 30 * time.Second

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	authpw.UserStore
	Ping(ctx context.Context) error
	CreateBid(ctx context.Context, bid store.Bid, ownerID string, sections []outline.Section) error
	GetBid(ctx context.Context, bidID string) (store.Bid, error)
	ListBids(ctx context.Context, userID string) ([]store.BidSummary, error)
	BidRole(ctx context.Context, bidID, userID string) (string, error)
	SetBidRole(ctx context.Context, bidID, userID, role string) error
	ListMembers(ctx context.Context, bidID string) ([]store.Member, error)
	LoadOutline(ctx context.Context, bidID string) ([]outline.Section, error)
	SaveOutline(ctx context.Context, bidID string, sections []outline.Section) error
	InsertTask(ctx context.Context, task store.Task) error
	ListTasks(ctx context.Context, bidID string) ([]store.Task, error)
}

type gitService interface {
	EnsureBidRepo(bidID string, initial gitrepo.Snapshot, author string) error
	Commit(bidID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	Head(bidID string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
	SnapshotAt(bidID, hash string) (gitrepo.Snapshot, error)
	History(bidID string, limit int) ([]gitrepo.CommitInfo, error)
	Tag(bidID, name string) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexSection(rec search.SectionRecord)
	IndexComment(rec search.CommentRecord)
}

type copilotService interface {
	annotate.Backend
	chat.Asker
	Rewrite(ctx context.Context, section outline.Section, feedback, bidID string) (outline.Section, error)
	QuestionFeedback(ctx context.Context, section outline.Section) ([]copilot.FeedbackItem, error)
}

type reviewMailer interface {
	IsConfigured() bool
	SendReviewReadyEmail(to string, data email.ReviewReadyData) error
}

type Deps struct {
	Store     dataStore
	Git       gitService
	Search    searchService
	Copilot   copilotService
	Drafts    chat.Drafts
	Frames    chat.Scheduler
	Clipboard clipboard.Writer
	Mailer    reviewMailer
	Accounts  *authpw.Service
	Export    export.Options
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	search    searchService
	copilot   copilotService
	drafts    chat.Drafts
	frames    chat.Scheduler
	clipboard clipboard.Writer
	mailer    reviewMailer
	accounts  *authpw.Service
	exporter  *export.Service
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	bids map[string]*workspace
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = observability.Logger()
	}
	if deps.Copilot == nil {
		deps.Copilot = copilot.New(nil, nil, deps.Logger)
	}
	if deps.Drafts == nil {
		deps.Drafts = drafts.NewMemoryStore()
	}
	if deps.Clipboard == nil {
		deps.Clipboard = &clipboard.Memory{}
	}
	if deps.Export.Logger == nil {
		deps.Export.Logger = deps.Logger
	}
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		git:       deps.Git,
		search:    deps.Search,
		copilot:   deps.Copilot,
		drafts:    deps.Drafts,
		frames:    deps.Frames,
		clipboard: deps.Clipboard,
		mailer:    deps.Mailer,
		accounts:  deps.Accounts,
		logger:    deps.Logger,
		now:       time.Now,
		bids:      make(map[string]*workspace),
	}
	s.exporter = export.NewService(s, deps.Export)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.accounts
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// Close flushes every open editing session and stops its timers and
// background actions.
func (s *Service) Close() {
	s.mu.Lock()
	loaded := make([]*workspace, 0, len(s.bids))
	for _, ws := range s.bids {
		loaded = append(loaded, ws)
	}
	s.bids = make(map[string]*workspace)
	s.mu.Unlock()

	for _, ws := range loaded {
		ws.close()
	}
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Authorize checks the caller's role on a bid. Callers who are not members
// get a 404 so bid ids cannot be probed.
func (s *Service) Authorize(ctx context.Context, session Session, bidID string, action rbac.Action) error {
	role, err := s.store.BidRole(ctx, bidID, session.UserID)
	if err != nil {
		return err
	}
	if role == "" {
		return domainError(http.StatusNotFound, "NOT_FOUND", "bid not found", nil)
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) ListBids(ctx context.Context, session Session) (map[string]any, error) {
	bids, err := s.store.ListBids(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(bids))
	for _, bid := range bids {
		item := bidPayload(bid.Bid)
		item["role"] = bid.Role
		item["sectionCount"] = bid.SectionCount
		item["completedCount"] = bid.Completed
		items = append(items, item)
	}
	return map[string]any{"bids": items}, nil
}

func (s *Service) CreateBid(ctx context.Context, session Session, title string, sections []outline.Section) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	seen := make(map[string]struct{}, len(sections))
	prepared := make([]outline.Section, 0, len(sections))
	for _, sec := range sections {
		sec = sec.Clone()
		sec.ID = strings.TrimSpace(sec.ID)
		if sec.ID == "" {
			sec.ID = util.NewID("section")
		}
		if _, dup := seen[sec.ID]; dup {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section ids must be unique", map[string]any{"sectionId": sec.ID})
		}
		seen[sec.ID] = struct{}{}
		sec.Status = outline.NormalizeStatus(string(sec.Status))
		if sec.Comments == nil {
			sec.Comments = []outline.Comment{}
		}
		if sec.AnswerFeedback == nil {
			sec.AnswerFeedback = []outline.AnswerFeedback{}
		}
		prepared = append(prepared, sec)
	}

	bid := store.Bid{ID: util.NewID("bid"), Title: title, CreatedBy: session.UserID}
	if err := s.store.CreateBid(ctx, bid, session.UserID, prepared); err != nil {
		return nil, err
	}
	snap := gitrepo.Snapshot{BidID: bid.ID, Title: title, Sections: prepared}
	if err := s.git.EnsureBidRepo(bid.ID, snap, session.UserName); err != nil {
		return nil, fmt.Errorf("create bid history: %w", err)
	}
	for _, sec := range prepared {
		s.indexSection(bid.ID, sec)
	}
	s.logger.Info("bid created", "bid_id", bid.ID, "sections", len(prepared))

	created, err := s.store.GetBid(ctx, bid.ID)
	if err != nil {
		created = bid
	}
	return map[string]any{"bid": bidPayload(created), "sections": prepared}, nil
}

func (s *Service) GetOutline(ctx context.Context, bidID string) (map[string]any, error) {
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"bid":      map[string]any{"id": ws.bidID, "title": ws.title},
		"sections": ws.outline.Sections(),
		"canUndo":  ws.rewrites.CanUndo(),
		"canRedo":  ws.rewrites.CanRedo(),
	}, nil
}

func (s *Service) ListMembers(ctx context.Context, bidID string) (map[string]any, error) {
	members, err := s.store.ListMembers(ctx, bidID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"userId":      m.UserID,
			"displayName": m.DisplayName,
			"email":       m.Email,
			"role":        m.Role,
		})
	}
	return map[string]any{"members": items}, nil
}

func (s *Service) AddMember(ctx context.Context, bidID, emailAddress, role string) (map[string]any, error) {
	normalized := rbac.Normalize(strings.ToLower(strings.TrimSpace(role)))
	if normalized == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of viewer, reviewer, writer, owner", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(emailAddress)))
	if err != nil {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account with that email", nil)
	}
	if err := s.store.SetBidRole(ctx, bidID, user.ID, string(normalized)); err != nil {
		return nil, err
	}
	return map[string]any{"userId": user.ID, "displayName": user.DisplayName, "role": normalized}, nil
}

func (s *Service) ListTasks(ctx context.Context, bidID string) (map[string]any, error) {
	tasks, err := s.store.ListTasks(ctx, bidID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskPayload(task))
	}
	return map[string]any{"tasks": items}, nil
}

func (s *Service) History(ctx context.Context, bidID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetBid(ctx, bidID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if ws, ok := s.loaded(bidID); ok {
		ws.flush()
	}
	commits, err := s.git.History(bidID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commits": commits}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text string, filterType string, limit, offset int) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	resultType := search.ResultType(strings.TrimSpace(filterType))
	if resultType != "" && resultType != search.ResultSection && resultType != search.ResultComment {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be section or comment", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": text}, nil
	}

	bids, err := s.store.ListBids(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(bids))
	for _, bid := range bids {
		ids = append(ids, bid.ID)
	}
	resp := s.search.Search(ctx, search.Query{
		Text:       text,
		FilterType: resultType,
		BidIDs:     ids,
		Limit:      limit,
		Offset:     offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

// Export renders the proposal. Exports of the head version are tagged in the
// bid history.
func (s *Service) Export(ctx context.Context, bidID, format, version string, includeComments bool) (*export.Result, error) {
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'docx'", nil)
	}
	result, err := s.exporter.Export(ctx, export.Request{
		BidID:           bidID,
		Version:         version,
		Format:          parsed,
		IncludeComments: includeComments,
	})
	if err != nil {
		return nil, err
	}
	if result.Version != "" {
		tag := fmt.Sprintf("export-%s-%s", parsed, s.now().UTC().Format("20060102T150405Z"))
		if err := s.git.Tag(bidID, tag); err != nil {
			s.logger.Warn("export tag failed", "bid_id", bidID, "tag", tag, "error", err)
		}
	}
	s.logger.Info("proposal exported", "bid_id", bidID, "format", parsed, "version", result.Version, "uploaded", result.URL != "")
	return result, nil
}

// LoadProposal serves the exporter. "" and "latest" read the head of the bid
// history after flushing open editors; anything else is a commit hash.
func (s *Service) LoadProposal(ctx context.Context, bidID, version string) (export.Proposal, error) {
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return export.Proposal{}, err
	}
	proposal := export.Proposal{BidID: bidID, Title: bid.Title, UpdatedAt: bid.UpdatedAt}

	version = strings.TrimSpace(version)
	if version != "" && version != "latest" {
		snap, err := s.git.SnapshotAt(bidID, version)
		if err != nil {
			return export.Proposal{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "version not found", map[string]any{"version": version})
		}
		proposal.Version = version
		proposal.Sections = snap.Sections
		return proposal, nil
	}

	if ws, ok := s.loaded(bidID); ok {
		ws.flush()
	}
	snap, info, err := s.git.Head(bidID)
	if err != nil {
		s.logger.Warn("bid history unavailable, exporting stored outline", "bid_id", bidID, "error", err)
		sections, lerr := s.store.LoadOutline(ctx, bidID)
		if lerr != nil {
			return export.Proposal{}, lerr
		}
		proposal.Sections = sections
		return proposal, nil
	}
	proposal.Version = info.Hash
	proposal.Author = info.Author
	proposal.UpdatedAt = info.CreatedAt
	proposal.Sections = snap.Sections
	return proposal, nil
}

// workspace returns the in-memory state of a bid, loading it on first use.
func (s *Service) workspace(ctx context.Context, bidID string) (*workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.bids[bidID]; ok {
		return ws, nil
	}
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	sections, err := s.store.LoadOutline(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("load outline: %w", err)
	}
	if err := s.git.EnsureBidRepo(bidID, gitrepo.Snapshot{BidID: bidID, Title: bid.Title, Sections: sections}, bid.CreatedBy); err != nil {
		s.logger.Warn("bid history unavailable", "bid_id", bidID, "error", err)
	}
	ws := newWorkspace(bid, sections)
	s.bids[bidID] = ws
	return ws, nil
}

func (s *Service) loaded(bidID string) (*workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.bids[bidID]
	return ws, ok
}

// persist writes the whole outline to Postgres and commits it to the bid
// history. An unchanged outline is not an error.
func (s *Service) persist(ctx context.Context, ws *workspace, author, message string) error {
	ws.persistMu.Lock()
	defer ws.persistMu.Unlock()

	sections := ws.outline.Sections()
	if err := s.store.SaveOutline(ctx, ws.bidID, sections); err != nil {
		return fmt.Errorf("save outline: %w", err)
	}
	snap := gitrepo.Snapshot{BidID: ws.bidID, Title: ws.title, Sections: sections}
	if _, err := s.git.Commit(ws.bidID, snap, author, message); err != nil && !errors.Is(err, gitrepo.ErrNoChanges) {
		return fmt.Errorf("commit outline: %w", err)
	}
	return nil
}

func (s *Service) indexSection(bidID string, sec outline.Section) {
	if s.search == nil {
		return
	}
	s.search.IndexSection(search.SectionRecord{
		BidID:     bidID,
		SectionID: sec.ID,
		Heading:   sec.Heading,
		Question:  sec.Question,
		Answer:    sec.Answer,
		Status:    string(sec.Status),
	})
}

func (s *Service) indexComment(bidID string, c outline.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:        c.ID,
		BidID:     bidID,
		SectionID: c.SectionID,
		Text:      c.Text,
		Author:    c.Author,
		Resolved:  c.Resolved,
	})
}

func bidPayload(bid store.Bid) map[string]any {
	return map[string]any{
		"id":        bid.ID,
		"title":     bid.Title,
		"createdBy": bid.CreatedBy,
		"createdAt": bid.CreatedAt,
		"updatedAt": bid.UpdatedAt,
	}
}

func taskPayload(task store.Task) map[string]any {
	return map[string]any{
		"id":        task.ID,
		"bidId":     task.BidID,
		"sectionId": task.SectionID,
		"assignee":  task.Assignee,
		"title":     task.Title,
		"status":    task.Status,
		"createdBy": task.CreatedBy,
		"createdAt": task.CreatedAt,
	}
}
