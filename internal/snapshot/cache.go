// internal/snapshot/cache.go
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	stderrors "errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forge/internal/errors"
	"forge/internal/history"
	"forge/internal/storage"
)

// Cache maintains one materialized file listing per branch, kept
// set-equal to a full replay from the repository root. Branch pointer
// moves and their cache extension land in a single transaction; readers
// only ever see complete, published snapshots.
type Cache struct {
	db       *badger.DB
	history  *history.Store
	branches *storage.BadgerStore
	rows     *storage.BadgerStore
	order    *storage.Index // per-repo branch creation order, for seeding
	names    *storage.Index // (repo, name) -> branch id
	logger   *zap.Logger

	mu        sync.RWMutex
	published map[string]*Snapshot
}

func NewCache(db *badger.DB, hist *history.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:        db,
		history:   hist,
		branches:  storage.NewBadgerStore(db, "branch"),
		rows:      storage.NewBadgerStore(db, "snaprow"),
		order:     storage.NewIndex(db, "branchidx"),
		names:     storage.NewIndex(db, "branchname"),
		logger:    logger,
		published: make(map[string]*Snapshot),
	}
}

// branchEntity wraps Branch to implement storage.Entity
type branchEntity struct {
	*Branch
}

func (b *branchEntity) GetID() string {
	return b.ID
}

// snapshotEntity wraps Snapshot to implement storage.Entity; the row is
// keyed by branch id since each branch has exactly one entry.
type snapshotEntity struct {
	*Snapshot
}

func (s *snapshotEntity) GetID() string {
	return s.BranchID
}

// Branch retrieves a branch by ID
func (c *Cache) Branch(id string) (*Branch, error) {
	var entity branchEntity
	entity.Branch = &Branch{}

	if err := c.branches.Get(id, &entity); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("branch not found: %s", id))
		}
		return nil, fmt.Errorf("getting branch: %w", err)
	}
	return entity.Branch, nil
}

// FindBranch resolves a branch by repository and name.
func (c *Cache) FindBranch(repoID, name string) (*Branch, error) {
	id, ok, err := c.names.Get(repoID, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("branch not found: %s/%s", repoID, name))
	}
	return c.Branch(id)
}

// Branches lists a repository's branches in creation order.
func (c *Cache) Branches(repoID string) ([]*Branch, error) {
	ids, err := c.order.Scan(false, repoID)
	if err != nil {
		return nil, err
	}
	branches := make([]*Branch, 0, len(ids))
	for _, id := range ids {
		b, err := c.Branch(id)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// CreateBranch registers a branch pointing at commitID and seeds its
// snapshot. Seeding reuses the newest existing branch whose current
// commit is an ancestor of commitID, replaying only the gap; with no such
// branch it replays the full chain from the root.
func (c *Cache) CreateBranch(ctx context.Context, repoID, name, commitID string, isPrimary bool) (*Branch, error) {
	if name == "" {
		return nil, errors.ValidationError("branch name is required", nil)
	}

	commit, err := c.history.Get(commitID)
	if err != nil {
		return nil, err
	}
	if commit.RepoID != repoID {
		return nil, errors.ValidationError("commit belongs to a different repository", commitID)
	}

	if _, ok, err := c.names.Get(repoID, name); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.ValidationError("branch name already exists", name)
	}

	if isPrimary {
		existing, err := c.Branches(repoID)
		if err != nil {
			return nil, err
		}
		for _, b := range existing {
			if b.IsPrimary {
				return nil, errors.ValidationError("repository already has a primary branch", b.Name)
			}
		}
	}

	seedFiles, seedPoint, err := c.seed(ctx, repoID, commitID)
	if err != nil {
		return nil, err
	}
	gap, err := c.history.Chain(ctx, seedPoint, commitID)
	if err != nil {
		return nil, err
	}

	branch := &Branch{
		ID:        uuid.New().String(),
		RepoID:    repoID,
		Name:      name,
		CommitID:  commitID,
		IsPrimary: isPrimary,
		CreatedAt: time.Now().UTC(),
	}
	snap := &Snapshot{
		BranchID: branch.ID,
		CommitID: commitID,
		Files:    Replay(seedFiles, gap),
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if err := c.branches.CreateTxn(txn, &branchEntity{Branch: branch}); err != nil {
			return err
		}
		if err := c.rows.SetTxn(txn, &snapshotEntity{Snapshot: snap}); err != nil {
			return err
		}
		if err := c.order.PutTxn(txn, branch.ID, orderKeyParts(branch)...); err != nil {
			return err
		}
		return c.names.PutTxn(txn, branch.ID, repoID, name)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting branch: %w", err)
	}

	c.publish(snap)
	c.logger.Debug("branch created",
		zap.String("repo", repoID),
		zap.String("branch", branch.ID),
		zap.String("name", name),
		zap.String("seed", seedPoint),
		zap.Int("replayed", len(gap)),
	)
	return branch, nil
}

// orderKeyParts builds the creation-order index key for a branch. The
// branch id tie-breaks branches created in the same nanosecond so one
// never overwrites another's entry.
func orderKeyParts(b *Branch) []string {
	return []string{b.RepoID, fmt.Sprintf("%020d", b.CreatedAt.UnixNano()), b.ID}
}

// seed finds the newest branch (by creation time, repository-scoped)
// whose current commit is an ancestor of commitID and returns its cached
// files plus the commit to replay from. No candidate means an empty seed
// and a full replay from the root.
func (c *Cache) seed(ctx context.Context, repoID, commitID string) (map[string]history.File, string, error) {
	ids, err := c.order.Scan(true, repoID)
	if err != nil {
		return nil, "", err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		b, err := c.Branch(id)
		if err != nil {
			return nil, "", err
		}
		ok, err := c.history.IsAncestor(b.CommitID, commitID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		snap, err := c.Get(ctx, b.ID)
		if err != nil {
			return nil, "", err
		}
		// Get may observe a concurrent advance and return a snapshot
		// fresher than the branch row read above. The seed point must be
		// the snapshot's own commit, re-qualified against the target;
		// otherwise the gap replay would start at the wrong commit.
		if snap.CommitID != b.CommitID {
			ok, err = c.history.IsAncestor(snap.CommitID, commitID)
			if err != nil {
				return nil, "", err
			}
			if !ok {
				continue
			}
		}
		return snap.Files, snap.CommitID, nil
	}
	return nil, "", nil
}

// Get returns the branch's snapshot: the published one when present,
// otherwise the persisted row when it still matches the branch pointer,
// otherwise a full replay. A replay failure never disturbs an existing
// entry; the fresh snapshot is stored only on success.
func (c *Cache) Get(ctx context.Context, branchID string) (*Snapshot, error) {
	c.mu.RLock()
	snap, ok := c.published[branchID]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	branch, err := c.Branch(branchID)
	if err != nil {
		return nil, err
	}

	var row snapshotEntity
	row.Snapshot = &Snapshot{}
	if err := c.rows.Get(branchID, &row); err == nil && row.CommitID == branch.CommitID {
		c.publish(row.Snapshot)
		return row.Snapshot, nil
	} else if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return c.rebuild(ctx, branch)
}

// Rebuild discards any cached state for the branch and recomputes its
// snapshot from the repository root. The cache is a derived artifact;
// this is always safe.
func (c *Cache) Rebuild(ctx context.Context, branchID string) (*Snapshot, error) {
	branch, err := c.Branch(branchID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.published, branchID)
	c.mu.Unlock()

	return c.rebuild(ctx, branch)
}

func (c *Cache) rebuild(ctx context.Context, branch *Branch) (*Snapshot, error) {
	chain, err := c.history.Chain(ctx, "", branch.CommitID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		BranchID: branch.ID,
		CommitID: branch.CommitID,
		Files:    Replay(nil, chain),
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return c.rows.SetTxn(txn, &snapshotEntity{Snapshot: snap})
	})
	if err != nil {
		return nil, fmt.Errorf("persisting snapshot: %w", err)
	}

	c.publish(snap)
	return snap, nil
}

// Advance moves the branch pointer to newCommitID, which must descend
// from the branch's current commit, and extends the snapshot with just
// the added commits. The pointer move and the cache row land in one
// transaction; a lost race surfaces as Conflict and is never retried
// here — only the caller knows whether to retry, force, or branch.
func (c *Cache) Advance(ctx context.Context, branchID, newCommitID string) (*Snapshot, error) {
	branch, err := c.Branch(branchID)
	if err != nil {
		return nil, err
	}
	if _, err := c.history.Get(newCommitID); err != nil {
		return nil, err
	}

	// The base snapshot names the head this advance extends; deriving
	// the old head from it keeps the replay and the CAS consistent even
	// if the branch row moves between reads.
	base, err := c.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}
	oldCommitID := base.CommitID
	if newCommitID == oldCommitID {
		return base, nil
	}

	ok, err := c.history.IsAncestor(oldCommitID, newCommitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NonFastForward(fmt.Sprintf("commit %s is not a descendant of branch head %s", newCommitID, oldCommitID))
	}

	gap, err := c.history.Chain(ctx, oldCommitID, newCommitID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		BranchID: branchID,
		CommitID: newCommitID,
		Files:    Replay(base.Files, gap),
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		// compare-and-swap on the pointer: the transaction re-reads the
		// branch and fails if another advance got there first
		var fresh branchEntity
		fresh.Branch = &Branch{}
		if err := c.branches.GetTxn(txn, branchID, &fresh); err != nil {
			return err
		}
		if fresh.CommitID != oldCommitID {
			return errors.Conflict(fmt.Sprintf("branch %s moved concurrently", branchID))
		}

		fresh.CommitID = newCommitID
		if err := c.branches.SetTxn(txn, &fresh); err != nil {
			return err
		}
		return c.rows.SetTxn(txn, &snapshotEntity{Snapshot: snap})
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrConflict) {
			return nil, errors.Conflict(fmt.Sprintf("branch %s moved concurrently", branchID))
		}
		return nil, err
	}

	c.publish(snap)
	c.logger.Debug("branch advanced",
		zap.String("repo", branch.RepoID),
		zap.String("branch", branchID),
		zap.String("commit", newCommitID),
		zap.Int("replayed", len(gap)),
	)
	return snap, nil
}

// SnapshotAt resolves the file set visible at an arbitrary commit: a
// branch head's cache when one points there, otherwise a direct ancestry
// replay. Used by the diff engine; never cached.
func (c *Cache) SnapshotAt(ctx context.Context, commit *history.Commit) (map[string]history.File, error) {
	branches, err := c.Branches(commit.RepoID)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		if b.CommitID == commit.ID {
			snap, err := c.Get(ctx, b.ID)
			if err != nil {
				return nil, err
			}
			return snap.Files, nil
		}
	}

	chain, err := c.history.Chain(ctx, "", commit.ID)
	if err != nil {
		return nil, err
	}
	return Replay(nil, chain), nil
}

func (c *Cache) publish(snap *Snapshot) {
	c.mu.Lock()
	c.published[snap.BranchID] = snap
	c.mu.Unlock()
}
