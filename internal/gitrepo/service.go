// Package gitrepo keeps a git repository per document with one commit for
// every flushed version whose text changed.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"coedit/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.txt"

var ErrNoHistory = errors.New("document has no history")

// Revision is one commit of a document's history.
type Revision struct {
	Hash      string    `json:"hash"`
	Version   int64     `json:"version"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) Name() string {
	return "git-history"
}

// Mirror commits state as the document's current text. Saving text that
// matches the previous commit is a no-op.
func (s *Service) Mirror(ctx context.Context, state store.DocumentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.Commit(state)
	return err
}

// Commit writes state to the document repository and returns the new
// revision, or a zero Revision when the text did not change.
func (s *Service) Commit(state store.DocumentState) (Revision, error) {
	lock := s.documentLock(state.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(state.DocumentID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(state.Content), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Revision{}, fmt.Errorf("git add content: %w", err)
	}

	author := state.LastEditedBy
	if author == "" {
		author = "coedit"
	}
	hash, err := worktree.Commit(commitMessage(state.Version), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.coedit.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return Revision{}, nil
	}
	if err != nil {
		return Revision{}, fmt.Errorf("commit content: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A limit of zero returns all of them.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
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

	items := make([]Revision, 0, max(limit, 0))
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

// ContentAt returns the text stored at revision hash, which may be
// abbreviated.
func (s *Service) ContentAt(documentID, hash string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	return file.Contents()
}

func (s *Service) ensureRepo(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func commitMessage(version int64) string {
	return fmt.Sprintf("Save version %d\n\nversion: %d\n", version, version)
}

func toRevision(commitObj *object.Commit) Revision {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Author:    commitObj.Author.Name,
		Message:   strings.TrimSpace(strings.SplitN(commitObj.Message, "\n", 2)[0]),
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if v, ok := strings.CutPrefix(line, "version: "); ok {
			rev.Version, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return rev
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
