package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/diff"
	"forge/internal/errors"
	"forge/internal/history"
)

func setupTestEngine(t *testing.T) (*Engine, func()) {
	eng, err := New(Options{InMemory: true}, nil)
	require.NoError(t, err)

	return eng, func() { eng.Close() }
}

func TestEngine_EndToEnd(t *testing.T) {
	eng, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()

	root, err := eng.Append(ctx, history.AppendRequest{
		RepoID:   "repo-1",
		AuthorID: "author-1",
		Message:  "initial import",
		Files:    []history.FileInput{{Name: "a.txt", Body: []byte("1")}},
	})
	require.NoError(t, err)

	branch, err := eng.CreateBranch(ctx, "repo-1", "main", root.ID, true)
	require.NoError(t, err)

	commit, snap, err := eng.Commit(ctx, CommitOptions{
		BranchID: branch.ID,
		AuthorID: "author-1",
		Message:  "second",
		Files: []history.FileInput{
			{Name: "a.txt", Body: []byte("2")},
			{Name: "b.txt", Body: []byte("x")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, commit.ParentID)
	assert.Equal(t, commit.ID, snap.CommitID)

	t.Run("BranchFiles", func(t *testing.T) {
		snap, err := eng.BranchFiles(ctx, branch.ID)
		require.NoError(t, err)
		require.Len(t, snap.Files, 2)

		body, err := eng.Content.Get(snap.Files["a.txt"].BodyHash)
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), body)
	})

	t.Run("Ancestry", func(t *testing.T) {
		ok, err := eng.IsAncestor(root.ID, commit.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := eng.RootFor("repo-1")
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)
	})

	t.Run("Diff", func(t *testing.T) {
		changes, err := eng.Diff(ctx, root.ID, commit.ID)
		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, diff.Modified, changes[0].Kind)
		assert.Equal(t, diff.Added, changes[1].Kind)
	})

	t.Run("Verify", func(t *testing.T) {
		mismatched, err := eng.Verify(ctx, branch.ID)
		require.NoError(t, err)
		assert.Empty(t, mismatched)
	})

	t.Run("VerifyForest", func(t *testing.T) {
		require.NoError(t, eng.VerifyForest(ctx, "repo-1"))

		err := eng.VerifyForest(ctx, "no-such-repo")
		assert.True(t, errors.Is(err, errors.KindEmptyRepository))
	})
}

func TestEngine_CommitOnUnknownBranch(t *testing.T) {
	eng, cleanup := setupTestEngine(t)
	defer cleanup()

	_, _, err := eng.Commit(context.Background(), CommitOptions{
		BranchID: "missing",
		AuthorID: "author-1",
	})
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestEngine_RootQueryOnEmptyRepo(t *testing.T) {
	eng, cleanup := setupTestEngine(t)
	defer cleanup()

	_, err := eng.RootFor("nothing-here")
	assert.True(t, errors.Is(err, errors.KindEmptyRepository))
}
