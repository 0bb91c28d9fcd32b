// Package history keeps a git repository per vertical with one commit per
// accepted save, so earlier states can be listed and restored.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"plansync/internal/merge"
)

const (
	documentFile   = "document.json"
	timestampsFile = "timestamps.json"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes one recorded state of a vertical.
type Snapshot struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
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

// Record commits doc and ts as the vertical's newest snapshot. When nothing
// differs from the previous snapshot the existing head is returned.
func (s *Service) Record(vertical string, doc merge.Document, ts merge.FieldTimestamps, author, message string) (Snapshot, error) {
	lock := s.verticalLock(vertical)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(vertical)
	if err != nil {
		return Snapshot{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := writeJSON(filepath.Join(root, documentFile), doc); err != nil {
		return Snapshot{}, err
	}
	if err := writeJSON(filepath.Join(root, timestampsFile), ts); err != nil {
		return Snapshot{}, err
	}
	for _, name := range []string{documentFile, timestampsFile} {
		if _, err := worktree.Add(name); err != nil {
			return Snapshot{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return Snapshot{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err == nil {
			commitObj, err := repo.CommitObject(head.Hash())
			if err != nil {
				return Snapshot{}, fmt.Errorf("read head commit: %w", err)
			}
			return toSnapshot(commitObj), nil
		}
	}

	if strings.TrimSpace(author) == "" {
		author = "plansync"
	}
	if strings.TrimSpace(message) == "" {
		message = "Update " + vertical
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@plansync.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit object: %w", err)
	}
	return toSnapshot(commitObj), nil
}

// List returns up to limit snapshots, newest first. A vertical that was never
// recorded has an empty history.
func (s *Service) List(vertical string, limit int) ([]Snapshot, error) {
	lock := s.verticalLock(vertical)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(vertical))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Snapshot, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toSnapshot(commitObj))
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

// Get returns the document recorded at ref, a full or abbreviated hash.
func (s *Service) Get(vertical, ref string) (merge.Document, Snapshot, error) {
	lock := s.verticalLock(vertical)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(vertical))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, Snapshot{}, fmt.Errorf("%w: %s has no history", ErrNotFound, vertical)
	}
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, ref)
	if err != nil {
		return nil, Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	var doc merge.Document
	if err := readJSONFromCommit(commitObj, documentFile, &doc); err != nil {
		return nil, Snapshot{}, err
	}
	if doc == nil {
		doc = merge.Document{}
	}
	return doc, toSnapshot(commitObj), nil
}

func (s *Service) repoPath(vertical string) string {
	return filepath.Join(s.baseDir, vertical)
}

func (s *Service) verticalLock(vertical string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[vertical]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[vertical] = lock
	return lock
}

func (s *Service) openOrInit(vertical string) (*git.Repository, error) {
	path := s.repoPath(vertical)
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
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONFromCommit(commitObj *object.Commit, name string, out any) error {
	file, err := commitObj.File(name)
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func toSnapshot(commitObj *object.Commit) Snapshot {
	hash := commitObj.Hash.String()
	return Snapshot{
		Hash:      hash,
		ShortHash: hash[:7],
		Message:   strings.TrimSpace(commitObj.Message),
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

func resolveHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return plumbing.ZeroHash, fmt.Errorf("%w: empty ref", ErrNotFound)
	}
	if len(ref) == 40 {
		return plumbing.NewHash(ref), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: resolve %s: %v", ErrNotFound, ref, err)
	}
	return *resolved, nil
}
