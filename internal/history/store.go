// internal/history/store.go
package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	stderrors "errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forge/internal/content"
	"forge/internal/errors"
	"forge/internal/storage"
)

// Store maintains the append-only commit forest for all repositories:
// each commit has zero or one parent, ancestry chains are finite and
// acyclic, and records are never updated or deleted once written.
type Store struct {
	db       *badger.DB
	commits  *storage.BadgerStore
	roots    *storage.Index
	children *storage.Index // (parent, child) -> child; branch points have several
	byRepo   *storage.Index // (repo, commit) -> commit
	content  content.Store
	logger   *zap.Logger
}

func NewStore(db *badger.DB, contentStore content.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		commits:  storage.NewBadgerStore(db, "commit"),
		roots:    storage.NewIndex(db, "root"),
		children: storage.NewIndex(db, "children"),
		byRepo:   storage.NewIndex(db, "repocommit"),
		content:  contentStore,
		logger:   logger,
	}
}

// commitEntity wraps Commit to implement storage.Entity
type commitEntity struct {
	*Commit
}

func (c *commitEntity) GetID() string {
	return c.ID
}

func validate(req *AppendRequest) error {
	if req.RepoID == "" {
		return errors.ValidationError("repository id is required", nil)
	}
	if req.AuthorID == "" {
		return errors.ValidationError("author id is required", nil)
	}
	seen := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		if f.Name == "" {
			return errors.ValidationError("file name is required", nil)
		}
		if seen[f.Name] {
			return errors.ValidationError("duplicate file name in commit", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Append validates the single-parent/no-cycle invariants, persists the
// commit and its files atomically, and returns the stored commit. File
// bodies go to the content store first; they are idempotent and invisible
// until the commit record lands, so a failed append leaves no partial
// state behind.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(&req); err != nil {
		return nil, err
	}

	var parent *Commit
	if req.ParentID != "" {
		p, err := s.Get(req.ParentID)
		if err != nil {
			if errors.Is(err, errors.KindNotFound) {
				return nil, errors.InvalidParent(fmt.Sprintf("parent commit does not exist: %s", req.ParentID))
			}
			return nil, err
		}
		if p.RepoID != req.RepoID {
			return nil, errors.InvalidParent(fmt.Sprintf("parent commit %s belongs to repository %s", p.ID, p.RepoID))
		}
		parent = p
	} else {
		// A repository has a single root; the first parentless commit
		// establishes it.
		if _, ok, err := s.roots.Get(req.RepoID); err != nil {
			return nil, err
		} else if ok {
			return nil, errors.InvalidParent(fmt.Sprintf("repository %s already has a root commit", req.RepoID))
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else {
		// Bulk imports supply ids, so re-linking an existing commit under
		// one of its own descendants must be caught here.
		if parent != nil {
			if err := s.checkCycle(ctx, id, parent); err != nil {
				return nil, err
			}
		}
		if exists, err := s.commits.Has(id); err != nil {
			return nil, err
		} else if exists {
			return nil, errors.ValidationError("commit id already exists", id)
		}
	}

	files := make([]File, 0, len(req.Files))
	for _, in := range req.Files {
		f := File{
			ID:       uuid.New().String(),
			CommitID: id,
			Name:     in.Name,
			Ext:      strings.TrimPrefix(filepath.Ext(in.Name), "."),
			Deleted:  in.Deleted,
		}
		if !in.Deleted {
			hash, err := s.content.Store(in.Body)
			if err != nil {
				return nil, fmt.Errorf("storing file body: %w", err)
			}
			f.BodyHash = hash
		}
		files = append(files, f)
	}

	commit := &Commit{
		ID:          id,
		RepoID:      req.RepoID,
		AuthorID:    req.AuthorID,
		ParentID:    req.ParentID,
		ContentHash: contentHash(req.ParentID, req.Message, files),
		Message:     req.Message,
		CreatedAt:   time.Now().UTC(),
		Files:       files,
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := s.commits.CreateTxn(txn, &commitEntity{Commit: commit}); err != nil {
			return err
		}
		if err := s.byRepo.PutTxn(txn, commit.ID, commit.RepoID, commit.ID); err != nil {
			return err
		}
		if commit.ParentID != "" {
			return s.children.PutTxn(txn, commit.ID, commit.ParentID, commit.ID)
		}
		// re-checked inside the transaction so two concurrent root appends
		// conflict instead of both landing
		if _, ok, err := s.roots.GetTxn(txn, commit.RepoID); err != nil {
			return err
		} else if ok {
			return errors.InvalidParent(fmt.Sprintf("repository %s already has a root commit", commit.RepoID))
		}
		return s.roots.PutTxn(txn, commit.ID, commit.RepoID)
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrExists) {
			return nil, errors.ValidationError("commit id already exists", id)
		}
		if stderrors.Is(err, badger.ErrConflict) {
			return nil, errors.Conflict("concurrent append on the same repository root")
		}
		var typed *errors.Error
		if stderrors.As(err, &typed) {
			return nil, typed
		}
		return nil, fmt.Errorf("persisting commit: %w", err)
	}

	s.logger.Debug("commit appended",
		zap.String("repo", commit.RepoID),
		zap.String("commit", commit.ID),
		zap.String("parent", commit.ParentID),
		zap.Int("files", len(commit.Files)),
	)
	return commit, nil
}

// checkCycle rejects a caller-supplied commit id that already appears in
// the parent's ancestry. Append-only construction cannot produce this,
// but malformed bulk imports can.
func (s *Store) checkCycle(ctx context.Context, id string, parent *Commit) error {
	if id == parent.ID {
		return errors.CycleDetected(fmt.Sprintf("commit %s cannot be its own parent", id))
	}
	walk, err := s.Ancestors(parent.ID)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := walk.Next()
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if c.ID == id {
			return errors.CycleDetected(fmt.Sprintf("parent %s is a descendant of commit %s", parent.ID, id))
		}
	}
}

// Get retrieves a commit by ID
func (s *Store) Get(id string) (*Commit, error) {
	var entity commitEntity
	entity.Commit = &Commit{}

	if err := s.commits.Get(id, &entity); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("commit not found: %s", id))
		}
		return nil, fmt.Errorf("getting commit: %w", err)
	}

	return entity.Commit, nil
}

// Walk lazily traverses a commit's ancestry, nearest-first. Next returns
// (nil, nil) past the root; a fresh Ancestors call restarts the walk.
type Walk struct {
	store  *Store
	nextID string
}

func (w *Walk) Next() (*Commit, error) {
	if w.nextID == "" {
		return nil, nil
	}
	c, err := w.store.Get(w.nextID)
	if err != nil {
		return nil, err
	}
	w.nextID = c.ParentID
	return c, nil
}

// Ancestors returns a walk over the chain from id back to the root,
// starting at id itself.
func (s *Store) Ancestors(id string) (*Walk, error) {
	if exists, err := s.commits.Has(id); err != nil {
		return nil, err
	} else if !exists {
		return nil, errors.NotFound(fmt.Sprintf("commit not found: %s", id))
	}
	return &Walk{store: s, nextID: id}, nil
}

// IsAncestor reports whether candidateID appears in ofID's ancestry or
// equals it.
func (s *Store) IsAncestor(candidateID, ofID string) (bool, error) {
	walk, err := s.Ancestors(ofID)
	if err != nil {
		return false, err
	}
	for {
		c, err := walk.Next()
		if err != nil {
			return false, err
		}
		if c == nil {
			return false, nil
		}
		if c.ID == candidateID {
			return true, nil
		}
	}
}

// RootFor returns the repository's root commit, served by the root index
// rather than a scan.
func (s *Store) RootFor(repoID string) (*Commit, error) {
	id, ok, err := s.roots.Get(repoID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.EmptyRepository(fmt.Sprintf("repository has no commits: %s", repoID))
	}
	return s.Get(id)
}

// All returns every commit in the store, across repositories, unordered.
// Backs the forest integrity check.
func (s *Store) All() ([]*Commit, error) {
	var commits []*Commit
	if err := s.commits.List(&commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// Children returns the ids of a commit's direct children in id order.
// More than one child marks a branch point.
func (s *Store) Children(commitID string) ([]string, error) {
	if exists, err := s.commits.Has(commitID); err != nil {
		return nil, err
	} else if !exists {
		return nil, errors.NotFound(fmt.Sprintf("commit not found: %s", commitID))
	}
	return s.children.Scan(false, commitID)
}

// CommitCount reports how many commits a repository holds, served by the
// per-repo index. Zero for an unknown repository.
func (s *Store) CommitCount(repoID string) (int, error) {
	ids, err := s.byRepo.Scan(false, repoID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Chain returns the commits strictly after fromExclusive up to and
// including toID, oldest first. An empty fromExclusive walks all the way
// to the root. Fails with NonFastForward if toID does not descend from
// fromExclusive.
func (s *Store) Chain(ctx context.Context, fromExclusive, toID string) ([]*Commit, error) {
	walk, err := s.Ancestors(toID)
	if err != nil {
		return nil, err
	}

	var chain []*Commit
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := walk.Next()
		if err != nil {
			return nil, err
		}
		if c == nil {
			if fromExclusive != "" {
				return nil, errors.NonFastForward(fmt.Sprintf("commit %s does not descend from %s", toID, fromExclusive))
			}
			break
		}
		if fromExclusive != "" && c.ID == fromExclusive {
			break
		}
		chain = append(chain, c)
	}

	// reverse into ancestry order, oldest first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
