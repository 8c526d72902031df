package snapshot

import (
	"time"

	"forge/internal/history"
)

// Branch is a mutable named pointer into a repository's commit history.
// Only CommitID ever changes after creation, and only by fast-forward.
type Branch struct {
	ID        string    `json:"id"`
	RepoID    string    `json:"repo_id"`
	Name      string    `json:"name"`
	CommitID  string    `json:"commit_id"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the complete file listing visible at a branch's current
// commit: latest file per name, replayed in ancestry order. A published
// Snapshot is immutable; advancing a branch builds and publishes a new
// one. Files must be treated as read-only by callers.
type Snapshot struct {
	BranchID string                  `json:"branch_id"`
	CommitID string                  `json:"commit_id"`
	Files    map[string]history.File `json:"files"`
}

// Replay applies commits oldest-first on top of seed and returns the
// resulting file set as a fresh map. It is a pure function of its inputs,
// which is what makes the cache rebuildable from scratch at any time:
// Replay(nil, full chain from root) is the ground truth every cached
// snapshot must equal.
func Replay(seed map[string]history.File, commits []*history.Commit) map[string]history.File {
	files := make(map[string]history.File, len(seed))
	for name, f := range seed {
		files[name] = f
	}
	for _, c := range commits {
		for _, f := range c.Files {
			if f.Deleted {
				delete(files, f.Name)
				continue
			}
			files[f.Name] = f
		}
	}
	return files
}
