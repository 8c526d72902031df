package importer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/engine"
	"forge/internal/history"
	"forge/internal/snapshot"
)

func writeFile(t *testing.T, root, name, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestImportDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "1")
	writeFile(t, root, "sub/b.txt", "2")
	writeFile(t, root, ".git/config", "ignored")
	writeFile(t, root, "node_modules/dep.js", "ignored")

	files, err := ImportDir(root)
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, names)
}

// fakeCommitter records the last commit request instead of talking to a
// store.
type fakeCommitter struct {
	last *engine.CommitOptions
	err  error
}

func (f *fakeCommitter) Commit(ctx context.Context, opts engine.CommitOptions) (*history.Commit, *snapshot.Snapshot, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.last = &opts
	return &history.Commit{ID: "commit-1"}, nil, nil
}

func TestWatcher_Flush(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "1")

	committer := &fakeCommitter{}
	w, err := NewWatcher(root, committer, "branch-1", "author-1", nil)
	require.NoError(t, err)
	defer w.Close()

	t.Run("EmptyFlushIsNoOp", func(t *testing.T) {
		w.mu.Lock()
		w.pending = make(map[string]bool)
		w.mu.Unlock()

		commit, err := w.Flush(context.Background(), "noop")
		require.NoError(t, err)
		assert.Nil(t, commit)
	})

	t.Run("FlushCommitsPending", func(t *testing.T) {
		w.mu.Lock()
		w.pending = map[string]bool{"a.txt": false, "gone.txt": true}
		w.mu.Unlock()

		commit, err := w.Flush(context.Background(), "sync")
		require.NoError(t, err)
		require.NotNil(t, commit)

		require.NotNil(t, committer.last)
		assert.Equal(t, "branch-1", committer.last.BranchID)
		assert.Equal(t, "author-1", committer.last.AuthorID)
		require.Len(t, committer.last.Files, 2)

		byName := make(map[string]history.FileInput)
		for _, f := range committer.last.Files {
			byName[f.Name] = f
		}
		assert.Equal(t, []byte("1"), byName["a.txt"].Body)
		assert.True(t, byName["gone.txt"].Deleted)

		assert.Empty(t, w.Pending())
	})

	t.Run("FailedFlushKeepsPending", func(t *testing.T) {
		w.mu.Lock()
		w.pending = map[string]bool{"a.txt": false}
		w.mu.Unlock()

		committer.err = assert.AnError
		_, err := w.Flush(context.Background(), "broken")
		require.Error(t, err)
		committer.err = nil

		assert.Equal(t, []string{"a.txt"}, w.Pending())
	})
}

func TestWatcher_IgnoresNoise(t *testing.T) {
	assert.True(t, shouldIgnore(".git/config"))
	assert.True(t, shouldIgnore("node_modules/x/y.js"))
	assert.True(t, shouldIgnore(""))
	assert.False(t, shouldIgnore("src/main.go"))
}
