// internal/engine/engine.go
package engine

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"forge/internal/config"
	"forge/internal/content"
	"forge/internal/diff"
	"forge/internal/errors"
	"forge/internal/history"
	"forge/internal/snapshot"
)

// Engine wires the content store, commit history, branch snapshot cache
// and diff engine over one store, and exposes the operation surface
// consumed by higher-level services.
type Engine struct {
	db     *badger.DB
	logger *zap.Logger

	Content   content.Store
	History   *history.Store
	Snapshots *snapshot.Cache

	differ *diff.Engine
}

func New(opts Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB(opts)
	if err != nil {
		return nil, err
	}

	contentStore, err := content.NewBadgerStore(db, opts.Content)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content store: %w", err)
	}

	hist := history.NewStore(db, contentStore, logger)
	snapshots := snapshot.NewCache(db, hist, logger)

	return &Engine{
		db:        db,
		logger:    logger,
		Content:   contentStore,
		History:   hist,
		Snapshots: snapshots,
		differ:    diff.NewEngine(hist, snapshots, contentStore),
	}, nil
}

// NewFromConfig builds an Engine from a loaded configuration file.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	return New(Options{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
		Content: content.Options{
			CacheSize:   cfg.Content.CacheSize,
			CompressMin: cfg.Content.CompressMin,
		},
	}, logger)
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Append adds a commit as a child of its parent (or as the repository
// root) and persists it with its files atomically.
func (e *Engine) Append(ctx context.Context, req history.AppendRequest) (*history.Commit, error) {
	return e.History.Append(ctx, req)
}

// Ancestors walks a commit's chain back to the root, nearest-first.
func (e *Engine) Ancestors(commitID string) (*history.Walk, error) {
	return e.History.Ancestors(commitID)
}

func (e *Engine) IsAncestor(candidateID, ofID string) (bool, error) {
	return e.History.IsAncestor(candidateID, ofID)
}

func (e *Engine) RootFor(repoID string) (*history.Commit, error) {
	return e.History.RootFor(repoID)
}

// Children returns a commit's direct children; several mark a branch point.
func (e *Engine) Children(commitID string) ([]string, error) {
	return e.History.Children(commitID)
}

func (e *Engine) CommitCount(repoID string) (int, error) {
	return e.History.CommitCount(repoID)
}

func (e *Engine) CreateBranch(ctx context.Context, repoID, name, commitID string, isPrimary bool) (*snapshot.Branch, error) {
	return e.Snapshots.CreateBranch(ctx, repoID, name, commitID, isPrimary)
}

// BranchFiles returns the branch's current snapshot: all files visible on
// the branch right now.
func (e *Engine) BranchFiles(ctx context.Context, branchID string) (*snapshot.Snapshot, error) {
	return e.Snapshots.Get(ctx, branchID)
}

// Advance fast-forwards a branch to a descendant commit and extends its
// snapshot.
func (e *Engine) Advance(ctx context.Context, branchID, newCommitID string) (*snapshot.Snapshot, error) {
	return e.Snapshots.Advance(ctx, branchID, newCommitID)
}

// Diff computes the file changes between two commits of one repository.
func (e *Engine) Diff(ctx context.Context, leftID, rightID string) ([]diff.FileChange, error) {
	return e.differ.Changes(ctx, leftID, rightID)
}

// CommitOptions describes a one-step "commit to branch": append a commit
// on the branch head and advance the branch to it.
type CommitOptions struct {
	BranchID string
	AuthorID string
	Message  string
	Files    []history.FileInput
}

func (e *Engine) Commit(ctx context.Context, opts CommitOptions) (*history.Commit, *snapshot.Snapshot, error) {
	branch, err := e.Snapshots.Branch(opts.BranchID)
	if err != nil {
		return nil, nil, err
	}

	commit, err := e.History.Append(ctx, history.AppendRequest{
		RepoID:   branch.RepoID,
		AuthorID: opts.AuthorID,
		ParentID: branch.CommitID,
		Message:  opts.Message,
		Files:    opts.Files,
	})
	if err != nil {
		return nil, nil, err
	}

	snap, err := e.Snapshots.Advance(ctx, opts.BranchID, commit.ID)
	if err != nil {
		return nil, nil, err
	}
	return commit, snap, nil
}

// VerifyForest checks the commit forest invariants for one repository:
// exactly one root, every parent link resolving inside the repository,
// and every ancestry chain terminating at the root.
func (e *Engine) VerifyForest(ctx context.Context, repoID string) error {
	all, err := e.History.All()
	if err != nil {
		return err
	}

	byID := make(map[string]*history.Commit)
	roots := 0
	for _, c := range all {
		if c.RepoID != repoID {
			continue
		}
		byID[c.ID] = c
		if c.ParentID == "" {
			roots++
		}
	}
	if len(byID) == 0 {
		return errors.EmptyRepository(fmt.Sprintf("repository has no commits: %s", repoID))
	}
	if roots != 1 {
		return errors.ValidationError("repository must have exactly one root", roots)
	}

	for _, c := range byID {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, steps := c, 0
		for cur.ParentID != "" {
			parent, ok := byID[cur.ParentID]
			if !ok {
				return errors.ValidationError("parent commit missing from repository", cur.ParentID)
			}
			if steps++; steps > len(byID) {
				return errors.CycleDetected(fmt.Sprintf("ancestry of commit %s does not terminate", c.ID))
			}
			cur = parent
		}
	}
	return nil
}

// Verify checks the central cache property for one branch: the cached
// snapshot must be set-equal to a full replay from the repository root.
// Returns the mismatched names, empty when the cache is sound.
func (e *Engine) Verify(ctx context.Context, branchID string) ([]string, error) {
	snap, err := e.Snapshots.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}

	chain, err := e.History.Chain(ctx, "", snap.CommitID)
	if err != nil {
		return nil, err
	}
	ground := snapshot.Replay(nil, chain)

	var mismatched []string
	for name, f := range snap.Files {
		g, ok := ground[name]
		if !ok || g.BodyHash != f.BodyHash {
			mismatched = append(mismatched, name)
		}
	}
	for name := range ground {
		if _, ok := snap.Files[name]; !ok {
			mismatched = append(mismatched, name)
		}
	}
	return mismatched, nil
}
