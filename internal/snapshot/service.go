// Package snapshot materializes a document's change log into plain
// content and archives it in a per-document git repository, one commit
// per snapshot. The log stays the source of truth; the archive exists
// so operators can inspect and diff what a document looked like at any
// point without replaying changes by hand.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "content.txt"
	metaFile    = "meta.json"
)

// Meta is committed alongside the content so a commit is
// self-describing: which change the snapshot runs through and when it
// was taken.
type Meta struct {
	SequenceNumber int64     `json:"sequenceNumber"`
	TakenAt        time.Time `json:"takenAt"`
}

// CommitInfo describes one archived snapshot.
type CommitInfo struct {
	Hash           string    `json:"hash"`
	Message        string    `json:"message"`
	Author         string    `json:"author"`
	SequenceNumber int64     `json:"sequenceNumber"`
	CreatedAt      time.Time `json:"createdAt"`
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

// Archive writes the materialized content as a new commit on the
// document's snapshot repo, creating the repo on first use.
func (s *Service) Archive(documentID, content string, sequenceNumber int64, author string) (CommitInfo, error) {
	mu := s.documentLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), []byte(content), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write content: %w", err)
	}
	meta, err := json.MarshalIndent(Meta{SequenceNumber: sequenceNumber, TakenAt: time.Now()}, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, metaFile), append(meta, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write meta: %w", err)
	}

	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}
	if _, err := worktree.Add(metaFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add meta: %w", err)
	}

	message := fmt.Sprintf("Snapshot through change %d", sequenceNumber)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.cowrite.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, sequenceNumber), nil
}

// History lists archived snapshots, newest first.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	mu := s.documentLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
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

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj, sequenceFromCommit(commitObj)))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the archived content for a snapshot commit.
func (s *Service) ContentAt(documentID, hash string) (string, error) {
	mu := s.documentLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
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
		return "", fmt.Errorf("load content from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	contents, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return string(contents), nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
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
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[documentID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[documentID] = mu
	}
	return mu
}

func toCommitInfo(commitObj *object.Commit, sequenceNumber int64) CommitInfo {
	return CommitInfo{
		Hash:           commitObj.Hash.String()[:7],
		Message:        commitObj.Message,
		Author:         commitObj.Author.Name,
		SequenceNumber: sequenceNumber,
		CreatedAt:      commitObj.Author.When,
	}
}

func sequenceFromCommit(commitObj *object.Commit) int64 {
	file, err := commitObj.File(metaFile)
	if err != nil {
		return 0
	}
	reader, err := file.Reader()
	if err != nil {
		return 0
	}
	defer reader.Close()

	contents, err := io.ReadAll(reader)
	if err != nil {
		return 0
	}
	var meta Meta
	if err := json.Unmarshal(contents, &meta); err != nil {
		return 0
	}
	return meta.SequenceNumber
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	// Short hash: walk the log for a prefix match.
	head, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var found plumbing.Hash
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if len(commitObj.Hash.String()) >= len(hash) && commitObj.Hash.String()[:len(hash)] == hash {
			found = commitObj.Hash
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return plumbing.ZeroHash, fmt.Errorf("iterate log: %w", err)
	}
	if found.IsZero() {
		return plumbing.ZeroHash, fmt.Errorf("commit %s not found", hash)
	}
	return found, nil
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
