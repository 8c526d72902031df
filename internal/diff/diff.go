// internal/diff/diff.go
package diff

import (
	"context"
	"fmt"
	"sort"

	"forge/internal/content"
	"forge/internal/errors"
	"forge/internal/history"
	"forge/internal/snapshot"
)

// Kind classifies a file's change between two commits.
type Kind string

const (
	Added     Kind = "added"
	Removed   Kind = "removed"
	Modified  Kind = "modified"
	Unchanged Kind = "unchanged"
)

// FileChange is one entry in a diff: a file name with its classification
// and the body on each side. Absent sides carry a nil body.
type FileChange struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	LeftBody  []byte `json:"left_body,omitempty"`
	RightBody []byte `json:"right_body,omitempty"`
}

// Engine computes file-set diffs between two commits of the same
// repository. Results are always computed on demand and never persisted.
type Engine struct {
	history   *history.Store
	snapshots *snapshot.Cache
	content   content.Store
}

func NewEngine(hist *history.Store, snapshots *snapshot.Cache, contentStore content.Store) *Engine {
	return &Engine{
		history:   hist,
		snapshots: snapshots,
		content:   contentStore,
	}
}

// Changes compares the full file-state snapshots of two commits. Left is
// conventionally the earlier commit, but any two commits of one
// repository are accepted, related by ancestry or not. Output is ordered
// by file name ascending and is deterministic for fixed inputs.
func (e *Engine) Changes(ctx context.Context, leftID, rightID string) ([]FileChange, error) {
	left, err := e.history.Get(leftID)
	if err != nil {
		return nil, err
	}
	right, err := e.history.Get(rightID)
	if err != nil {
		return nil, err
	}
	if left.RepoID != right.RepoID {
		return nil, errors.CrossRepository(fmt.Sprintf("commits %s and %s belong to different repositories", leftID, rightID))
	}

	leftFiles, err := e.snapshots.SnapshotAt(ctx, left)
	if err != nil {
		return nil, err
	}
	rightFiles, err := e.snapshots.SnapshotAt(ctx, right)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(leftFiles)+len(rightFiles))
	seen := make(map[string]bool, len(leftFiles)+len(rightFiles))
	for name := range leftFiles {
		names = append(names, name)
		seen[name] = true
	}
	for name := range rightFiles {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	changes := make([]FileChange, 0, len(names))
	for _, name := range names {
		lf, inLeft := leftFiles[name]
		rf, inRight := rightFiles[name]

		change := FileChange{Name: name}
		switch {
		case inLeft && !inRight:
			change.Kind = Removed
			if change.LeftBody, err = e.content.Get(lf.BodyHash); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
		case !inLeft && inRight:
			change.Kind = Added
			if change.RightBody, err = e.content.Get(rf.BodyHash); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
		default:
			if change.LeftBody, err = e.content.Get(lf.BodyHash); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			if lf.BodyHash == rf.BodyHash {
				change.Kind = Unchanged
				change.RightBody = change.LeftBody
			} else {
				change.Kind = Modified
				if change.RightBody, err = e.content.Get(rf.BodyHash); err != nil {
					return nil, fmt.Errorf("reading %s: %w", name, err)
				}
			}
		}
		changes = append(changes, change)
	}

	return changes, nil
}

// Changed filters out Unchanged entries, the typical caller view.
func Changed(changes []FileChange) []FileChange {
	out := make([]FileChange, 0, len(changes))
	for _, c := range changes {
		if c.Kind != Unchanged {
			out = append(out, c)
		}
	}
	return out
}
