// Package gitmirror exports prompt version lineages as git repositories,
// one repo per prompt, one commit per version. The relational store stays
// authoritative; the mirror exists for external tooling and audits.
package gitmirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iKunal-Singh/promptHub/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// snapshotMeta is everything from a version snapshot except the body,
// which gets its own file so diffs in external tools stay readable.
type snapshotMeta struct {
	Title  string            `json:"title"`
	Tags   []string          `json:"tags,omitempty"`
	Model  string            `json:"model,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// CommitInfo describes a mirror commit.
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
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsurePromptRepo initializes the mirror repo for a prompt with its
// first main-lineage commit. Returns true when a repo was created, false
// when one already existed.
func (s *Service) EnsurePromptRepo(promptID string, initial store.Snapshot, author string) (bool, error) {
	lock := s.promptLock(promptID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(promptID)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return false, fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSnapshotFiles(path, initial); err != nil {
		return false, err
	}
	if err := addSnapshotFiles(worktree); err != nil {
		return false, err
	}
	hash, err := worktree.Commit("Initial version.", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return false, fmt.Errorf("commit initial snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(store.MainBranchName), hash)); err != nil {
		return false, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(store.MainBranchName))); err != nil {
		return false, fmt.Errorf("set HEAD to main: %w", err)
	}
	return true, nil
}

// EnsureBranch creates a mirror branch pointing at fromBranch's head.
// A no-op when the branch already exists.
func (s *Service) EnsureBranch(promptID, branchName, fromBranch string) error {
	lock := s.promptLock(promptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(promptID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// CommitVersion records a version snapshot as a commit on the given
// mirror branch, using the version's change log as the message.
func (s *Service) CommitVersion(promptID, branchName string, snapshot store.Snapshot, author, changeLog string) (CommitInfo, error) {
	lock := s.promptLock(promptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(promptID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.commit(repo, branchName, snapshot, author, changeLog, false)
	if err != nil {
		return CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// MirrorMerge replays a merge as a copy-commit onto the main mirror
// branch, matching how merges land in the relational store.
func (s *Service) MirrorMerge(promptID, sourceBranch, author, message string) (CommitInfo, error) {
	lock := s.promptLock(promptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(promptID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve source branch %s: %w", sourceBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load source commit object: %w", err)
	}
	snapshot, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return CommitInfo{}, err
	}

	hash, err := s.commit(repo, store.MainBranchName, snapshot, author, message, true)
	if err != nil {
		return CommitInfo{}, err
	}
	merged, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitInfo(merged), nil
}

// History lists mirror commits for a branch, newest first.
func (s *Service) History(promptID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.promptLock(promptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(promptID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

func (s *Service) repoPath(promptID string) string {
	return filepath.Join(s.baseDir, promptID)
}

func (s *Service) promptLock(promptID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[promptID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[promptID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, snapshot store.Snapshot, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	if err := writeSnapshotFiles(worktree.Filesystem.Root(), snapshot); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := addSnapshotFiles(worktree); err != nil {
		return plumbing.ZeroHash, err
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func writeSnapshotFiles(root string, snapshot store.Snapshot) error {
	meta := snapshotMeta{
		Title:  snapshot.Title,
		Tags:   snapshot.Tags,
		Model:  snapshot.Model,
		Params: snapshot.Params,
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "snapshot.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "prompt.md"), []byte(snapshot.Body), 0o644); err != nil {
		return fmt.Errorf("write prompt.md: %w", err)
	}
	return nil
}

func addSnapshotFiles(worktree *git.Worktree) error {
	for _, name := range []string{"snapshot.json", "prompt.md"} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}
	return nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (store.Snapshot, error) {
	metaFile, err := commitObj.File("snapshot.json")
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load snapshot.json from commit: %w", err)
	}
	metaRaw, err := fileBytes(metaFile)
	if err != nil {
		return store.Snapshot{}, err
	}
	var meta snapshotMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode snapshot meta: %w", err)
	}

	bodyFile, err := commitObj.File("prompt.md")
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load prompt.md from commit: %w", err)
	}
	body, err := fileBytes(bodyFile)
	if err != nil {
		return store.Snapshot{}, err
	}

	return store.Snapshot{
		Title:  meta.Title,
		Body:   string(body),
		Tags:   meta.Tags,
		Model:  meta.Model,
		Params: meta.Params,
	}, nil
}

func fileBytes(file *object.File) ([]byte, error) {
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open file reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read file bytes: %w", err)
	}
	return raw, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.prompthub.dev", sanitizeEmail(author)),
		When:  time.Now(),
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
