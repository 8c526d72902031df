package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Commit is an immutable record of a set of file changes. It links to at
// most one parent; following parents always terminates at a root.
type Commit struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	AuthorID    string    `json:"author_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ContentHash string    `json:"content_hash"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	Files       []File    `json:"files"` // ordered; may be empty
}

// File is a commit-scoped change record. It is owned by exactly one
// commit and never reassigned. Deleted marks a tombstone: replay removes
// the name from the snapshot instead of binding a body.
type File struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id"`
	Name     string `json:"name"` // includes path
	Ext      string `json:"ext,omitempty"`
	BodyHash string `json:"body_hash,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// FileInput carries a file body into Append before it is content-addressed.
type FileInput struct {
	Name    string
	Body    []byte
	Deleted bool
}

// AppendRequest describes a commit to be appended. ID is normally left
// empty and generated; bulk imports may supply one.
type AppendRequest struct {
	ID       string
	RepoID   string
	AuthorID string
	ParentID string
	Message  string
	Files    []FileInput
}

// contentHash derives a stable hash over everything that identifies the
// commit's content: parent link, message, and the ordered file changes.
func contentHash(parentID, message string, files []File) string {
	h := sha256.New()
	fmt.Fprintf(h, "parent %s\n", parentID)
	fmt.Fprintf(h, "message %s\n", message)
	for _, f := range files {
		fmt.Fprintf(h, "file %s %s %t\n", f.Name, f.BodyHash, f.Deleted)
	}
	return hex.EncodeToString(h.Sum(nil))
}
