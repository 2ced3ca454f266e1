// Package git versions a store directory with go-git.
//
// Every store mutation runs inside [Repository.CommitTx]: the closure performs
// the filesystem changes and names the touched paths, which are then staged
// and committed while the repository lock is still held.
package git

import (
	"context"
	"time"
)

// Repository is the interface for git operations on a single repository.
type Repository interface {
	// Dir returns the working directory.
	Dir() string
	// CommitTx executes fn while holding a lock and commits the returned files atomically.
	// Paths are relative to Dir. If fn returns an error or no files, no commit is made.
	CommitTx(ctx context.Context, author Author, fn func() (msg string, files []string, err error)) error
	// CommitCount returns the total number of commits in the repository.
	CommitCount(ctx context.Context) (int, error)
	// GetHistory returns commit history for a file or directory, limited to n commits.
	// n is capped at 1000. If n <= 0, defaults to 1000.
	GetHistory(ctx context.Context, path string, n int) ([]*Commit, error)
	// GetFileAtCommit retrieves the content of a file at a specific commit.
	GetFileAtCommit(ctx context.Context, hash, filePath string) ([]byte, error)
}

// Author identifies who made a change for git commits.
type Author struct {
	Name  string
	Email string
}

// Commit represents a commit in git history.
type Commit struct {
	Hash           string    `json:"hash"`
	Message        string    `json:"message"` // Subject line.
	Body           string    `json:"body"`    // Commit body (may be empty).
	Author         string    `json:"author"`
	AuthorEmail    string    `json:"author_email"`
	AuthorDate     time.Time `json:"author_date"`
	Committer      string    `json:"committer"`
	CommitterEmail string    `json:"committer_email"`
	CommitDate     time.Time `json:"commit_date"`
}

type authorKey struct{}

// WithAuthor returns a context carrying the author of the changes made with it.
func WithAuthor(ctx context.Context, a Author) context.Context {
	return context.WithValue(ctx, authorKey{}, a)
}

// AuthorFrom returns the author set by WithAuthor, or the zero Author, in
// which case the repository defaults apply.
func AuthorFrom(ctx context.Context) Author {
	a, _ := ctx.Value(authorKey{}).(Author)
	return a
}
