// Package gitrepo keeps a git history of every persisted flowchart version.
// Each document gets its own repository under the base directory with a
// single main branch; every successful flush commits flowchart.json.
package gitrepo

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"flowsync/internal/flowchart"
)

const (
	contentFile   = "flowchart.json"
	mainBranch    = "main"
	versionMarker = "Version:"
)

// Revision describes one archived version of a flowchart.
type Revision struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Version   int64     `json:"version"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Change is one card or connection that differs between two revisions.
type Change struct {
	Target flowchart.Target `json:"target"`
	ID     string           `json:"id"`
	Kind   string           `json:"kind"`
}

const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
	ChangeUpdated = "updated"
)

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

// Record commits doc as the next revision. A document whose content is
// identical to the head revision produces no commit; the head is returned.
func (s *Service) Record(doc flowchart.Document, author, message string) (Revision, error) {
	if doc.ID == "" {
		return Revision{}, errors.New("record revision: document id is required")
	}
	lock := s.documentLock(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(doc.ID)
	if err != nil {
		return Revision{}, err
	}
	if strings.TrimSpace(author) == "" {
		author = "flowsync"
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Save version %d", doc.Version)
	}

	hash, err := commit(repo, doc, author, message)
	if errors.Is(err, git.ErrEmptyCommit) {
		ref, headErr := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
		if headErr != nil {
			return Revision{}, fmt.Errorf("resolve %s: %w", mainBranch, headErr)
		}
		hash, err = ref.Hash(), nil
	}
	if err != nil {
		return Revision{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. limit <= 0 returns all of them.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
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

// Revision loads the document archived at hash (full or abbreviated) together
// with the changes it introduced over its parent.
func (s *Service) Revision(documentID, hash string) (flowchart.Document, Revision, []Change, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return flowchart.Document{}, Revision{}, nil, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return flowchart.Document{}, Revision{}, nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return flowchart.Document{}, Revision{}, nil, fmt.Errorf("%w: revision %s", flowchart.ErrNotFound, hash)
	}
	doc, err := readDocument(commitObj)
	if err != nil {
		return flowchart.Document{}, Revision{}, nil, err
	}

	var parent flowchart.Document
	if commitObj.NumParents() > 0 {
		parentObj, err := commitObj.Parent(0)
		if err != nil {
			return flowchart.Document{}, Revision{}, nil, fmt.Errorf("read parent commit: %w", err)
		}
		if parent, err = readDocument(parentObj); err != nil {
			return flowchart.Document{}, Revision{}, nil, err
		}
	}
	return doc, toRevision(commitObj), Diff(parent, doc), nil
}

// FlushHook archives every flushed document. It matches the signature of
// collab.FlushHook.
func (s *Service) FlushHook(_ context.Context, doc flowchart.Document, trigger string) error {
	_, err := s.Record(doc, doc.CreatedBy, fmt.Sprintf("Save version %d (%s)", doc.Version, trigger))
	return err
}

// Diff reports which cards and connections were added, removed or rewritten
// between from and to, ordered by target then id.
func Diff(from, to flowchart.Document) []Change {
	changes := diffItems(flowchart.TargetCard, from.Cards, to.Cards)
	changes = append(changes, diffItems(flowchart.TargetConnection, from.Connections, to.Connections)...)
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Target != changes[j].Target {
			return changes[i].Target < changes[j].Target
		}
		return changes[i].ID < changes[j].ID
	})
	return changes
}

func diffItems(target flowchart.Target, before, after []flowchart.Item) []Change {
	old := make(map[string][]byte, len(before))
	for _, item := range before {
		old[item.ID] = normalize(item.Raw)
	}
	out := make([]Change, 0)
	for _, item := range after {
		prev, ok := old[item.ID]
		delete(old, item.ID)
		switch {
		case !ok:
			out = append(out, Change{Target: target, ID: item.ID, Kind: ChangeAdded})
		case string(prev) != string(normalize(item.Raw)):
			out = append(out, Change{Target: target, ID: item.ID, Kind: ChangeUpdated})
		}
	}
	for id := range old {
		out = append(out, Change{Target: target, ID: id, Kind: ChangeRemoved})
	}
	return out
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

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: no revisions for %s", flowchart.ErrNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func commit(repo *git.Repository, doc flowchart.Document, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	// Timestamps and the version would make every flush a distinct commit
	// even when nothing was edited.
	archived := doc.Clone()
	archived.Version = 0
	archived.UpdatedAt = time.Time{}
	payload, err := json.MarshalIndent(archived, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal flowchart: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add flowchart: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("%s\n\n%s %d\n", message, versionMarker, doc.Version), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.flowsync.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit flowchart: %w", err)
	}
	return hash, nil
}

func readDocument(commitObj *object.Commit) (flowchart.Document, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return flowchart.Document{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return flowchart.Document{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	var doc flowchart.Document
	if err := json.NewDecoder(reader).Decode(&doc); err != nil {
		return flowchart.Document{}, fmt.Errorf("decode commit content: %w", err)
	}
	doc.Version = versionFromMessage(commitObj.Message)
	doc.UpdatedAt = commitObj.Author.When.UTC()
	return doc, nil
}

func toRevision(commitObj *object.Commit) Revision {
	hash := commitObj.Hash.String()
	subject, _, _ := strings.Cut(commitObj.Message, "\n")
	return Revision{
		Hash:      hash,
		ShortHash: hash[:7],
		Version:   versionFromMessage(commitObj.Message),
		Message:   subject,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC(),
	}
}

func versionFromMessage(message string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(message))
	var version int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, versionMarker)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
			version = n
		}
	}
	return version
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

func normalize(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: resolve hash %s: %v", flowchart.ErrNotFound, hash, err)
	}
	return *resolved, nil
}
