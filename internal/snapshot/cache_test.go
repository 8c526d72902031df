package snapshot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/content"
	"forge/internal/errors"
	"forge/internal/history"
)

func setupTestCache(t *testing.T) (*Cache, *history.Store, func()) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)

	contentStore, err := content.NewBadgerStore(db, content.Options{})
	require.NoError(t, err)

	hist := history.NewStore(db, contentStore, nil)
	return NewCache(db, hist, nil), hist, func() { db.Close() }
}

func appendCommit(t *testing.T, hist *history.Store, repo, parent string, files ...history.FileInput) *history.Commit {
	t.Helper()
	c, err := hist.Append(context.Background(), history.AppendRequest{
		RepoID:   repo,
		AuthorID: "author-1",
		ParentID: parent,
		Message:  "test commit",
		Files:    files,
	})
	require.NoError(t, err)
	return c
}

// fullReplay recomputes the ground truth for a commit by walking the
// whole chain from the root.
func fullReplay(t *testing.T, hist *history.Store, commitID string) map[string]history.File {
	t.Helper()
	chain, err := hist.Chain(context.Background(), "", commitID)
	require.NoError(t, err)
	return Replay(nil, chain)
}

func assertEqualFileSets(t *testing.T, want, got map[string]history.File) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, w := range want {
		g, ok := got[name]
		require.True(t, ok, "missing file %s", name)
		assert.Equal(t, w.BodyHash, g.BodyHash, "file %s", name)
	}
}

func TestReplay(t *testing.T) {
	t.Run("OverwritesLatestPerName", func(t *testing.T) {
		commits := []*history.Commit{
			{Files: []history.File{{Name: "a.txt", BodyHash: "h1"}}},
			{Files: []history.File{{Name: "a.txt", BodyHash: "h2"}, {Name: "b.txt", BodyHash: "h3"}}},
		}
		files := Replay(nil, commits)
		require.Len(t, files, 2)
		assert.Equal(t, "h2", files["a.txt"].BodyHash)
		assert.Equal(t, "h3", files["b.txt"].BodyHash)
	})

	t.Run("DeletionRemovesName", func(t *testing.T) {
		seed := map[string]history.File{"a.txt": {Name: "a.txt", BodyHash: "h1"}}
		commits := []*history.Commit{
			{Files: []history.File{{Name: "a.txt", Deleted: true}}},
		}
		files := Replay(seed, commits)
		assert.Empty(t, files)
	})

	t.Run("SeedIsNotMutated", func(t *testing.T) {
		seed := map[string]history.File{"a.txt": {Name: "a.txt", BodyHash: "h1"}}
		Replay(seed, []*history.Commit{
			{Files: []history.File{{Name: "a.txt", Deleted: true}}},
		})
		assert.Contains(t, seed, "a.txt")
	})

	t.Run("EmptyCommitContributesNothing", func(t *testing.T) {
		seed := map[string]history.File{"a.txt": {Name: "a.txt", BodyHash: "h1"}}
		files := Replay(seed, []*history.Commit{{}})
		assertEqualFileSets(t, seed, files)
	})
}

func TestCreateBranch(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	root := appendCommit(t, hist, "repo-1", "", history.FileInput{Name: "a.txt", Body: []byte("1")})
	c1 := appendCommit(t, hist, "repo-1", root.ID,
		history.FileInput{Name: "a.txt", Body: []byte("2")},
		history.FileInput{Name: "b.txt", Body: []byte("x")},
	)

	t.Run("FullReplaySeed", func(t *testing.T) {
		branch, err := cache.CreateBranch(ctx, "repo-1", "main", c1.ID, true)
		require.NoError(t, err)
		assert.True(t, branch.IsPrimary)

		snap, err := cache.Get(ctx, branch.ID)
		require.NoError(t, err)
		assertEqualFileSets(t, fullReplay(t, hist, c1.ID), snap.Files)
	})

	t.Run("NearestAncestorSeed", func(t *testing.T) {
		c2 := appendCommit(t, hist, "repo-1", c1.ID, history.FileInput{Name: "c.txt", Body: []byte("y")})

		branch, err := cache.CreateBranch(ctx, "repo-1", "feature", c2.ID, false)
		require.NoError(t, err)

		snap, err := cache.Get(ctx, branch.ID)
		require.NoError(t, err)
		assertEqualFileSets(t, fullReplay(t, hist, c2.ID), snap.Files)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := cache.CreateBranch(ctx, "repo-1", "main", c1.ID, false)
		assert.True(t, errors.Is(err, errors.KindValidation))
	})

	t.Run("SecondPrimary", func(t *testing.T) {
		_, err := cache.CreateBranch(ctx, "repo-1", "other", c1.ID, true)
		assert.True(t, errors.Is(err, errors.KindValidation))
	})

	t.Run("UnknownCommit", func(t *testing.T) {
		_, err := cache.CreateBranch(ctx, "repo-1", "broken", "missing", false)
		assert.True(t, errors.Is(err, errors.KindNotFound))
	})

	t.Run("ForeignCommit", func(t *testing.T) {
		other := appendCommit(t, hist, "repo-2", "")
		_, err := cache.CreateBranch(ctx, "repo-1", "foreign", other.ID, false)
		assert.True(t, errors.Is(err, errors.KindValidation))
	})

	t.Run("FindBranch", func(t *testing.T) {
		b, err := cache.FindBranch("repo-1", "main")
		require.NoError(t, err)
		assert.Equal(t, "main", b.Name)

		_, err = cache.FindBranch("repo-1", "missing")
		assert.True(t, errors.Is(err, errors.KindNotFound))
	})

	t.Run("BranchesInCreationOrder", func(t *testing.T) {
		branches, err := cache.Branches("repo-1")
		require.NoError(t, err)
		require.Len(t, branches, 2)
		assert.Equal(t, "main", branches[0].Name)
		assert.Equal(t, "feature", branches[1].Name)
	})
}

// TestCreateBranch_StaleSeedCandidate covers seeding while another
// branch advances: the candidate's published snapshot can be fresher
// than its branch row, and if the fresher commit is not an ancestor of
// the target the candidate must be skipped, not replayed on top of.
func TestCreateBranch_StaleSeedCandidate(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	root := appendCommit(t, hist, "repo-seed", "", history.FileInput{Name: "base.txt", Body: []byte("b")})
	main, err := cache.CreateBranch(ctx, "repo-seed", "main", root.ID, true)
	require.NoError(t, err)

	// two siblings of the root: the new branch's target and the commit a
	// concurrent advance moves main to
	target := appendCommit(t, hist, "repo-seed", root.ID, history.FileInput{Name: "wanted.txt", Body: []byte("w")})
	sibling := appendCommit(t, hist, "repo-seed", root.ID, history.FileInput{Name: "stray.txt", Body: []byte("s")})

	// the advance publishes its snapshot after seeding has already read
	// main's branch row at the root
	cache.publish(&Snapshot{
		BranchID: main.ID,
		CommitID: sibling.ID,
		Files:    fullReplay(t, hist, sibling.ID),
	})

	feature, err := cache.CreateBranch(ctx, "repo-seed", "feature", target.ID, false)
	require.NoError(t, err)

	snap, err := cache.Get(ctx, feature.ID)
	require.NoError(t, err)
	assert.NotContains(t, snap.Files, "stray.txt")
	assertEqualFileSets(t, fullReplay(t, hist, target.ID), snap.Files)
}

// TestBranches_SameInstantCreation pins the creation-order index key:
// two branches stamped with the same nanosecond must both survive.
func TestBranches_SameInstantCreation(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	root := appendCommit(t, hist, "repo-tie", "")
	now := time.Now().UTC()

	for _, name := range []string{"one", "two"} {
		b := &Branch{
			ID:        uuid.New().String(),
			RepoID:    "repo-tie",
			Name:      name,
			CommitID:  root.ID,
			CreatedAt: now,
		}
		err := cache.db.Update(func(txn *badger.Txn) error {
			if err := cache.branches.CreateTxn(txn, &branchEntity{Branch: b}); err != nil {
				return err
			}
			if err := cache.order.PutTxn(txn, b.ID, orderKeyParts(b)...); err != nil {
				return err
			}
			return cache.names.PutTxn(txn, b.ID, "repo-tie", name)
		})
		require.NoError(t, err)
	}

	branches, err := cache.Branches("repo-tie")
	require.NoError(t, err)
	assert.Len(t, branches, 2)
}

func TestAdvance(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	root := appendCommit(t, hist, "repo-adv", "", history.FileInput{Name: "a.txt", Body: []byte("1")})
	branch, err := cache.CreateBranch(ctx, "repo-adv", "main", root.ID, true)
	require.NoError(t, err)

	t.Run("FastForward", func(t *testing.T) {
		c1 := appendCommit(t, hist, "repo-adv", root.ID,
			history.FileInput{Name: "a.txt", Body: []byte("2")},
			history.FileInput{Name: "b.txt", Body: []byte("x")},
		)

		snap, err := cache.Advance(ctx, branch.ID, c1.ID)
		require.NoError(t, err)
		assert.Equal(t, c1.ID, snap.CommitID)
		assertEqualFileSets(t, fullReplay(t, hist, c1.ID), snap.Files)

		moved, err := cache.Branch(branch.ID)
		require.NoError(t, err)
		assert.Equal(t, c1.ID, moved.CommitID)
	})

	t.Run("NoOpAdvance", func(t *testing.T) {
		current, err := cache.Branch(branch.ID)
		require.NoError(t, err)

		snap, err := cache.Advance(ctx, branch.ID, current.CommitID)
		require.NoError(t, err)
		assert.Equal(t, current.CommitID, snap.CommitID)
	})

	t.Run("NonFastForward", func(t *testing.T) {
		before, err := cache.Get(ctx, branch.ID)
		require.NoError(t, err)

		sibling := appendCommit(t, hist, "repo-adv", root.ID, history.FileInput{Name: "c.txt", Body: []byte("z")})
		_, err = cache.Advance(ctx, branch.ID, sibling.ID)
		assert.True(t, errors.Is(err, errors.KindNonFastForward))

		// failure leaves pointer and snapshot untouched
		after, err := cache.Get(ctx, branch.ID)
		require.NoError(t, err)
		assert.Equal(t, before.CommitID, after.CommitID)
		assertEqualFileSets(t, before.Files, after.Files)
	})

	t.Run("DeletionDuringAdvance", func(t *testing.T) {
		current, err := cache.Branch(branch.ID)
		require.NoError(t, err)

		del := appendCommit(t, hist, "repo-adv", current.CommitID, history.FileInput{Name: "b.txt", Deleted: true})
		snap, err := cache.Advance(ctx, branch.ID, del.ID)
		require.NoError(t, err)
		assert.NotContains(t, snap.Files, "b.txt")
		assertEqualFileSets(t, fullReplay(t, hist, del.ID), snap.Files)
	})

	t.Run("UnknownBranch", func(t *testing.T) {
		_, err := cache.Advance(ctx, "missing", root.ID)
		assert.True(t, errors.Is(err, errors.KindNotFound))
	})
}

func TestAdvance_ConcurrentRace(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	root := appendCommit(t, hist, "repo-race", "")
	branch, err := cache.CreateBranch(ctx, "repo-race", "main", root.ID, true)
	require.NoError(t, err)

	c1 := appendCommit(t, hist, "repo-race", root.ID, history.FileInput{Name: "one.txt", Body: []byte("1")})
	c2 := appendCommit(t, hist, "repo-race", root.ID, history.FileInput{Name: "two.txt", Body: []byte("2")})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, target := range []string{c1.ID, c2.ID} {
		i, target := i, target
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = cache.Advance(ctx, branch.ID, target)
		}()
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		// the loser lost either the pointer CAS or the ancestry check
		ok := errors.Is(err, errors.KindConflict) || errors.Is(err, errors.KindNonFastForward)
		assert.True(t, ok, "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	// whatever won, the snapshot equals a full replay of the new head
	moved, err := cache.Branch(branch.ID)
	require.NoError(t, err)
	snap, err := cache.Get(ctx, branch.ID)
	require.NoError(t, err)
	assertEqualFileSets(t, fullReplay(t, hist, moved.CommitID), snap.Files)
}

func TestGetAndRebuild(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	root := appendCommit(t, hist, "repo-get", "", history.FileInput{Name: "a.txt", Body: []byte("1")})
	branch, err := cache.CreateBranch(ctx, "repo-get", "main", root.ID, true)
	require.NoError(t, err)

	t.Run("ColdStartUsesPersistedRow", func(t *testing.T) {
		// a fresh cache over the same db simulates process restart
		cold := NewCache(cache.db, hist, nil)

		snap, err := cold.Get(ctx, branch.ID)
		require.NoError(t, err)
		assertEqualFileSets(t, fullReplay(t, hist, root.ID), snap.Files)
	})

	t.Run("RebuildMatches", func(t *testing.T) {
		snap, err := cache.Rebuild(ctx, branch.ID)
		require.NoError(t, err)
		assertEqualFileSets(t, fullReplay(t, hist, root.ID), snap.Files)
	})

	t.Run("UnknownBranch", func(t *testing.T) {
		_, err := cache.Get(ctx, "missing")
		assert.True(t, errors.Is(err, errors.KindNotFound))
	})
}

// TestReplayEquivalence drives a longer randomized-looking sequence of
// appends and advances across two branches and checks the central cache
// property at every step.
func TestReplayEquivalence(t *testing.T) {
	cache, hist, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	repo := "repo-equiv"

	head := appendCommit(t, hist, repo, "", history.FileInput{Name: "f0.txt", Body: []byte("v0")})
	main, err := cache.CreateBranch(ctx, repo, "main", head.ID, true)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		files := []history.FileInput{
			{Name: fmt.Sprintf("f%d.txt", i), Body: []byte(fmt.Sprintf("v%d", i))},
			{Name: fmt.Sprintf("f%d.txt", i/2), Body: []byte(fmt.Sprintf("rewrite-%d", i))},
		}
		if i%4 == 0 {
			files = append(files, history.FileInput{Name: fmt.Sprintf("f%d.txt", i-3), Deleted: true})
		}
		head = appendCommit(t, hist, repo, head.ID, files...)

		snap, err := cache.Advance(ctx, main.ID, head.ID)
		require.NoError(t, err)
		assertEqualFileSets(t, fullReplay(t, hist, head.ID), snap.Files)
	}

	// a late branch seeds from main's cache and must match ground truth
	tip := appendCommit(t, hist, repo, head.ID, history.FileInput{Name: "late.txt", Body: []byte("tip")})
	feature, err := cache.CreateBranch(ctx, repo, "feature", tip.ID, false)
	require.NoError(t, err)

	snap, err := cache.Get(ctx, feature.ID)
	require.NoError(t, err)
	assertEqualFileSets(t, fullReplay(t, hist, tip.ID), snap.Files)
}
