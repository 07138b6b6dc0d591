package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tenderdesk/api/internal/annotate"
	"tenderdesk/api/internal/clipboard"
	"tenderdesk/api/internal/config"
	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/email"
	"tenderdesk/api/internal/gitrepo"
	"tenderdesk/api/internal/outline"
	"tenderdesk/api/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	bids     map[string]store.Bid
	roles    map[string]map[string]string
	outlines map[string][]outline.Section
	tasks    []store.Task
	saves    int

	pingFn        func(context.Context) error
	saveOutlineFn func(context.Context, string, []outline.Section) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.User),
		bids:     make(map[string]store.Bid),
		roles:    make(map[string]map[string]string),
		outlines: make(map[string][]outline.Section),
	}
}

func (f *fakeStore) addUser(user store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

func (f *fakeStore) addBid(bid store.Bid, sections []outline.Section, roles map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids[bid.ID] = bid
	f.outlines[bid.ID] = sections
	f.roles[bid.ID] = roles
}

func (f *fakeStore) outline(bidID string) []outline.Section {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outlines[bidID]
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, address string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == address {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.addUser(user)
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.VerificationToken = token
	u.VerificationExpiresAt = &expiresAt
	f.users[userID] = u
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if u.VerificationToken == token {
			u.IsEmailVerified = true
			u.VerificationToken = ""
			f.users[id] = u
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.PasswordHash = passwordHash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}

func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error {
	return nil
}

func (f *fakeStore) CreateBid(_ context.Context, bid store.Bid, ownerID string, sections []outline.Section) error {
	f.addBid(bid, sections, map[string]string{ownerID: "owner"})
	return nil
}

func (f *fakeStore) GetBid(_ context.Context, bidID string) (store.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bid, ok := f.bids[bidID]
	if !ok {
		return store.Bid{}, sql.ErrNoRows
	}
	return bid, nil
}

func (f *fakeStore) ListBids(_ context.Context, userID string) ([]store.BidSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BidSummary
	for id, roles := range f.roles {
		if role, ok := roles[userID]; ok {
			out = append(out, store.BidSummary{Bid: f.bids[id], Role: role, SectionCount: len(f.outlines[id])})
		}
	}
	return out, nil
}

func (f *fakeStore) BidRole(_ context.Context, bidID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[bidID][userID], nil
}

func (f *fakeStore) SetBidRole(_ context.Context, bidID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[bidID] == nil {
		f.roles[bidID] = make(map[string]string)
	}
	f.roles[bidID][userID] = role
	return nil
}

func (f *fakeStore) ListMembers(_ context.Context, bidID string) ([]store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Member
	for userID, role := range f.roles[bidID] {
		u := f.users[userID]
		out = append(out, store.Member{UserID: userID, DisplayName: u.DisplayName, Email: u.Email, Role: role})
	}
	return out, nil
}

func (f *fakeStore) LoadOutline(_ context.Context, bidID string) ([]outline.Section, error) {
	return f.outline(bidID), nil
}

func (f *fakeStore) SaveOutline(ctx context.Context, bidID string, sections []outline.Section) error {
	if f.saveOutlineFn != nil {
		return f.saveOutlineFn(ctx, bidID, sections)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outlines[bidID] = sections
	f.saves++
	return nil
}

func (f *fakeStore) InsertTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, bidID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, task := range f.tasks {
		if task.BidID == bidID {
			out = append(out, task)
		}
	}
	return out, nil
}

type fakeGit struct {
	mu       sync.Mutex
	commits  []gitrepo.CommitInfo
	head     map[string]gitrepo.Snapshot
	tags     []string
	commitFn func(bidID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
}

func (f *fakeGit) EnsureBidRepo(bidID string, initial gitrepo.Snapshot, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == nil {
		f.head = make(map[string]gitrepo.Snapshot)
	}
	if _, ok := f.head[bidID]; !ok {
		f.head[bidID] = initial
	}
	return nil
}

func (f *fakeGit) Commit(bidID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(bidID, snap, author, message)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == nil {
		f.head = make(map[string]gitrepo.Snapshot)
	}
	f.head[bidID] = snap
	info := gitrepo.CommitInfo{Hash: "commit-" + message, Message: message, Author: author, CreatedAt: time.Now()}
	f.commits = append(f.commits, info)
	return info, nil
}

func (f *fakeGit) Head(bidID string) (gitrepo.Snapshot, gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.head[bidID]
	if !ok {
		return gitrepo.Snapshot{}, gitrepo.CommitInfo{}, sql.ErrNoRows
	}
	var info gitrepo.CommitInfo
	if len(f.commits) > 0 {
		info = f.commits[len(f.commits)-1]
	}
	return snap, info, nil
}

func (f *fakeGit) SnapshotAt(bidID, _ string) (gitrepo.Snapshot, error) {
	snap, _, err := f.Head(bidID)
	return snap, err
}

func (f *fakeGit) History(string, int) ([]gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitrepo.CommitInfo(nil), f.commits...), nil
}

func (f *fakeGit) Tag(_ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, name)
	return nil
}

func (f *fakeGit) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commits))
	for _, c := range f.commits {
		out = append(out, c.Message)
	}
	return out
}

func (f *fakeGit) lastAuthor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commits) == 0 {
		return ""
	}
	return f.commits[len(f.commits)-1].Author
}

type fakeCopilot struct {
	runFn      func(context.Context, annotate.ActionRequest) (string, error)
	askFn      func(ctx context.Context, question, history, bidID string) (string, error)
	rewriteFn  func(context.Context, outline.Section, string, string) (outline.Section, error)
	feedbackFn func(context.Context, outline.Section) ([]copilot.FeedbackItem, error)
}

func (f *fakeCopilot) Run(ctx context.Context, req annotate.ActionRequest) (string, error) {
	if f.runFn != nil {
		return f.runFn(ctx, req)
	}
	return "expanded " + req.Text, nil
}

func (f *fakeCopilot) AskLibrary(ctx context.Context, question, history, bidID string) (string, error) {
	if f.askFn != nil {
		return f.askFn(ctx, question, history, bidID)
	}
	return "We hold ISO 9001.", nil
}

func (f *fakeCopilot) Rewrite(ctx context.Context, section outline.Section, feedback, bidID string) (outline.Section, error) {
	if f.rewriteFn != nil {
		return f.rewriteFn(ctx, section, feedback, bidID)
	}
	out := section.Clone()
	out.Answer = "<p>Rewritten: " + feedback + "</p>"
	return out, nil
}

func (f *fakeCopilot) QuestionFeedback(ctx context.Context, section outline.Section) ([]copilot.FeedbackItem, error) {
	if f.feedbackFn != nil {
		return f.feedbackFn(ctx, section)
	}
	return nil, nil
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	sent       []string
	data       []email.ReviewReadyData
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendReviewReadyEmail(to string, data email.ReviewReadyData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	f.data = append(f.data, data)
	return nil
}

type testEnv struct {
	store     *fakeStore
	git       *fakeGit
	copilot   *fakeCopilot
	mailer    *fakeMailer
	clipboard *clipboard.Memory
	service   *Service
	handler   http.Handler
}

var (
	testWriter = store.User{ID: "user-writer", DisplayName: "Avery", Email: "avery@example.com", IsEmailVerified: true}
	testViewer = store.User{ID: "user-viewer", DisplayName: "Blake", Email: "blake@example.com", IsEmailVerified: true}
	testReview = store.User{ID: "user-reviewer", DisplayName: "Casey", Email: "casey@example.com", IsEmailVerified: true}
)

func testSections() []outline.Section {
	return []outline.Section{
		{
			ID:       "s1",
			Heading:  "Service Delivery",
			Question: "How will you deliver the service?",
			Answer:   "<p>We deliver on time. Our team is certified.</p>",
			Status:   outline.StatusInProgress,
			Comments: []outline.Comment{},
		},
		{
			ID:       "s2",
			Heading:  "Social Value",
			Question: "What social value will you add?",
			Answer:   "",
			Status:   outline.StatusNotStarted,
			Reviewer: "Casey",
		},
	}
}

// newTestEnv builds a service over fakes with one bid, "bid-1", that the
// writer, viewer and reviewer belong to. The sync debounce is long, so only
// explicit flushes write.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		git:       &fakeGit{},
		copilot:   &fakeCopilot{},
		mailer:    &fakeMailer{},
		clipboard: &clipboard.Memory{},
	}
	for _, u := range []store.User{testWriter, testViewer, testReview} {
		env.store.addUser(u)
	}
	env.store.addBid(store.Bid{ID: "bid-1", Title: "Facilities Management", CreatedBy: testWriter.ID}, testSections(), map[string]string{
		testWriter.ID: "writer",
		testViewer.ID: "viewer",
		testReview.ID: "reviewer",
	})

	env.service = New(config.Config{
		TokenSecret:  "test-secret",
		AccessTTL:    time.Hour,
		SyncDebounce: time.Hour,
		AppURL:       "https://tenders.example.com",
	}, Deps{
		Store:     env.store,
		Git:       env.git,
		Copilot:   env.copilot,
		Clipboard: env.clipboard,
		Mailer:    env.mailer,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(env.service.Close)
	env.handler = NewHTTPServer(env.service, "*").Handler()
	return env
}

func (env *testEnv) token(t *testing.T, user store.User) string {
	t.Helper()
	session, err := env.service.issueSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}
