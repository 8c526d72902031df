// internal/importer/importer.go
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"forge/internal/engine"
	"forge/internal/history"
	"forge/internal/snapshot"
)

// Committer is the slice of the engine the importer needs: append a
// commit on a branch head and advance the branch.
type Committer interface {
	Commit(ctx context.Context, opts engine.CommitOptions) (*history.Commit, *snapshot.Snapshot, error)
}

var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".forge":       true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

func shouldIgnore(path string) bool {
	if path == "" {
		return true
	}
	parts := strings.Split(path, string(filepath.Separator))
	for _, part := range parts {
		if defaultIgnoreDirs[part] {
			return true
		}
	}
	return false
}

// ImportDir walks a directory tree and returns every regular file as a
// FileInput, paths relative to root. One-shot import for the CLI commit
// command.
func ImportDir(root string) ([]history.FileInput, error) {
	var files []history.FileInput

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}

		if info.IsDir() {
			if shouldIgnore(relPath) && relPath != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if shouldIgnore(relPath) || !info.Mode().IsRegular() {
			return nil
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", relPath, err)
		}
		files = append(files, history.FileInput{
			Name: filepath.ToSlash(relPath),
			Body: body,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Watcher observes a working directory and accumulates changed paths;
// Flush turns the accumulated set into one commit and advances the
// branch. Deletions become tombstone files.
type Watcher struct {
	root      string
	committer Committer
	branchID  string
	authorID  string
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]bool // rel path -> deleted
}

func NewWatcher(root string, committer Committer, branchID, authorID string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		root:      root,
		committer: committer,
		branchID:  branchID,
		authorID:  authorID,
		watcher:   fw,
		logger:    logger,
		pending:   make(map[string]bool),
	}

	if err := w.addDirs(); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directories: %w", err)
	}

	go w.watchLoop()
	return w, nil
}

// addDirs registers root and every non-ignored subdirectory with the
// watcher.
func (w *Watcher) addDirs() error {
	return filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if shouldIgnore(relPath) && relPath != "." {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		w.logger.Error("getting relative path", zap.Error(err))
		return
	}
	if shouldIgnore(relPath) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.Error(err))
			}
			return
		}
		w.pending[filepath.ToSlash(relPath)] = false

	case event.Op&fsnotify.Write == fsnotify.Write:
		w.pending[filepath.ToSlash(relPath)] = false

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		w.pending[filepath.ToSlash(relPath)] = true
	}
}

// Pending returns the paths accumulated since the last flush.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	return paths
}

// Flush commits everything accumulated since the last flush and advances
// the branch. A failed commit keeps the pending set intact.
func (w *Watcher) Flush(ctx context.Context, message string) (*history.Commit, error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}

	restore := func() {
		w.mu.Lock()
		for p, deleted := range pending {
			if _, ok := w.pending[p]; !ok {
				w.pending[p] = deleted
			}
		}
		w.mu.Unlock()
	}

	var files []history.FileInput
	for relPath, deleted := range pending {
		if deleted {
			files = append(files, history.FileInput{Name: relPath, Deleted: true})
			continue
		}
		body, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(relPath)))
		if err != nil {
			if os.IsNotExist(err) {
				// changed and removed between event and flush
				files = append(files, history.FileInput{Name: relPath, Deleted: true})
				continue
			}
			restore()
			return nil, fmt.Errorf("reading %s: %w", relPath, err)
		}
		files = append(files, history.FileInput{Name: relPath, Body: body})
	}

	commit, _, err := w.committer.Commit(ctx, engine.CommitOptions{
		BranchID: w.branchID,
		AuthorID: w.authorID,
		Message:  message,
		Files:    files,
	})
	if err != nil {
		restore()
		return nil, err
	}

	w.logger.Info("flushed working changes",
		zap.String("branch", w.branchID),
		zap.String("commit", commit.ID),
		zap.Int("files", len(files)),
	)
	return commit, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
