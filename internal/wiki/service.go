// Package wiki keeps the revision history of wiki pages. Every wiki ticket
// owns a git repository whose single file holds the page title and body.
package wiki

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"doreen/api/internal/apperr"
)

const pageFile = "page.json"

type Page struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// FieldChange is one differing member between two revisions.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
		now:     time.Now,
	}
}

// Commit records page as the newest revision of the ticket's page. A commit
// that changes nothing returns the current head.
func (s *Service) Commit(ticketID int64, page Page, author, message string) (Revision, error) {
	lock := s.pageLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, fresh, err := s.openOrInit(ticketID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal page: %w", err)
	}
	if !fresh {
		if head, err := headPage(repo); err == nil && head == page {
			return headRevision(repo)
		}
	}
	path := filepath.Join(worktree.Filesystem.Root(), pageFile)
	if err := atomic.WriteFile(path, bytes.NewReader(append(payload, '\n'))); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", pageFile, err)
	}
	if _, err := worktree.Add(pageFile); err != nil {
		return Revision{}, fmt.Errorf("git add page: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@wiki.doreen.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit page: %w", err)
	}
	if fresh {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Revision{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Revision{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A page without history yields an
// empty list.
func (s *Service) History(ticketID int64, limit int) ([]Revision, error) {
	lock := s.pageLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ticketID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
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

// Content returns the page at hash, or at head when hash is empty.
func (s *Service) Content(ticketID int64, hash string) (Page, error) {
	lock := s.pageLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ticketID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Page{}, apperr.NotFound("wiki history of ticket %d", ticketID)
	}
	if err != nil {
		return Page{}, fmt.Errorf("open repo: %w", err)
	}
	if hash == "" {
		return headPage(repo)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Page{}, apperr.NotFound("revision %s of ticket %d", hash, ticketID)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Page{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readPage(commitObj)
}

func (s *Service) repoPath(ticketID int64) string {
	return filepath.Join(s.baseDir, strconv.FormatInt(ticketID, 10))
}

func (s *Service) pageLock(ticketID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[ticketID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[ticketID] = lock
	}
	return lock
}

func (s *Service) openOrInit(ticketID int64) (*git.Repository, bool, error) {
	path := s.repoPath(ticketID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func headRevision(repo *git.Repository) (Revision, error) {
	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Revision{}, fmt.Errorf("read head commit: %w", err)
	}
	return toRevision(commitObj), nil
}

func headPage(repo *git.Repository) (Page, error) {
	head, err := repo.Head()
	if err != nil {
		return Page{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Page{}, fmt.Errorf("read head commit: %w", err)
	}
	return readPage(commitObj)
}

func readPage(commitObj *object.Commit) (Page, error) {
	file, err := commitObj.File(pageFile)
	if err != nil {
		return Page{}, fmt.Errorf("load %s from commit: %w", pageFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Page{}, fmt.Errorf("read page: %w", err)
	}
	var page Page
	if err := json.Unmarshal([]byte(contents), &page); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}

// DiffFields lists the members that differ between two revisions.
func DiffFields(from, to Page) []FieldChange {
	changes := make([]FieldChange, 0, 2)
	if from.Body != to.Body {
		changes = append(changes, FieldChange{Field: "body", Before: from.Body, After: to.Body})
	}
	if from.Title != to.Title {
		changes = append(changes, FieldChange{Field: "title", Before: from.Title, After: to.Title})
	}
	return changes
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
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
