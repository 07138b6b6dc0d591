// Package gitrepo keeps the version history of each bid's outline as commits
// in a per-bid git repository.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tenderdesk/api/internal/outline"
)

const (
	branch      = "main"
	contentFile = "outline.json"
)

// ErrNoChanges is returned by Commit when the snapshot equals HEAD.
var ErrNoChanges = errors.New("outline unchanged")

// Snapshot is what each commit stores.
type Snapshot struct {
	BidID    string            `json:"bidId"`
	Title    string            `json:"title"`
	Sections []outline.Section `json:"sections"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// EnsureBidRepo creates the bid's repository with initial as its first commit.
// An existing repository is left alone.
func (s *Service) EnsureBidRepo(bidID string, initial Snapshot, author string) error {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(bidID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	hash, err := s.commit(repo, initial, author, "Create bid outline")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Commit records snap on top of HEAD. It returns ErrNoChanges when the
// sections are the same as the last commit.
func (s *Service) Commit(bidID string, snap Snapshot, author, message string) (CommitInfo, error) {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bidID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if head, err := headCommit(repo); err == nil {
		if previous, err := readSnapshot(head); err == nil && !HasChanges(previous, snap) {
			return CommitInfo{}, ErrNoChanges
		}
	}
	hash, err := s.commit(repo, snap, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) Head(bidID string) (Snapshot, CommitInfo, error) {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bidID))
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

func (s *Service) SnapshotAt(bidID, hash string) (Snapshot, error) {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bidID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// History lists commits newest first. limit <= 0 means all of them.
func (s *Service) History(bidID string, limit int) ([]CommitInfo, error) {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bidID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Tag names the current HEAD, for example after an export.
func (s *Service) Tag(bidID, name string) error {
	lock := s.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bidID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, head.Hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "TenderDesk",
			Email: "tenderdesk@localhost",
			When:  s.now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(bidID string) string {
	return filepath.Join(s.baseDir, bidID)
}

func (s *Service) bidLock(bidID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[bidID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[bidID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal outline: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add outline: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.tenderdesk.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit outline: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open outline reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read outline bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode commit outline: %w", err)
	}
	return snap, nil
}

// ChangedSections lists the ids of sections added, removed or edited between
// two snapshots, sorted.
func ChangedSections(from, to Snapshot) []string {
	before := make(map[string]outline.Section, len(from.Sections))
	for _, sec := range from.Sections {
		before[sec.ID] = sec
	}
	changed := make([]string, 0)
	seen := make(map[string]bool, len(to.Sections))
	for _, sec := range to.Sections {
		seen[sec.ID] = true
		prior, ok := before[sec.ID]
		if !ok || !sameSection(prior, sec) {
			changed = append(changed, sec.ID)
		}
	}
	for id := range before {
		if !seen[id] {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

func HasChanges(from, to Snapshot) bool {
	return from.Title != to.Title || len(ChangedSections(from, to)) > 0 || !sameOrder(from, to)
}

func sameOrder(from, to Snapshot) bool {
	if len(from.Sections) != len(to.Sections) {
		return false
	}
	for i := range from.Sections {
		if from.Sections[i].ID != to.Sections[i].ID {
			return false
		}
	}
	return true
}

// sameSection compares through JSON so nil and empty slices are equal and
// timestamps compare by their stored form.
func sameSection(a, b outline.Section) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ra) == string(rb)
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
