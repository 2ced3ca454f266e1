// Implements Repository using go-git (pure Go, no git binary dependency).

package git

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo implements Repository using go-git.
type Repo struct {
	dir          string
	defaultName  string
	defaultEmail string
	repo         *gogit.Repository
	mu           sync.Mutex
}

// Open opens the repository at dir, initializing it when needed. The default
// identity is used as committer, and as author when the context carries none.
func Open(ctx context.Context, dir, defaultName, defaultEmail string) (*Repo, error) {
	if defaultName == "" {
		defaultName = "fsdb"
	}
	if defaultEmail == "" {
		defaultEmail = "fsdb@localhost"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet, initialize.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
		slog.InfoContext(ctx, "git: initialized repository", "dir", dir)
	}

	return &Repo{
		dir:          dir,
		defaultName:  defaultName,
		defaultEmail: defaultEmail,
		repo:         repo,
	}, nil
}

// Dir returns the working directory.
func (r *Repo) Dir() string {
	return r.dir
}

// CommitTx executes fn while holding a lock and commits the returned files atomically.
func (r *Repo) CommitTx(ctx context.Context, author Author, fn func() (msg string, files []string, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := r.stage(w, files); err != nil {
		return fmt.Errorf("failed to stage files: %w", err)
	}

	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	name := author.Name
	email := author.Email
	if name == "" {
		name = r.defaultName
	}
	if email == "" {
		email = r.defaultEmail
	}

	now := time.Now()
	h, err := w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  now,
		},
		Committer: &object.Signature{
			Name:  r.defaultName,
			Email: r.defaultEmail,
			When:  now,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	slog.DebugContext(ctx, "git: committed", "hash", h.String(), "msg", msg, "files", len(files))
	return nil
}

// stage adds the paths to the index. Paths that no longer exist are removed
// from the index, recursively when they were directories.
func (r *Repo) stage(w *gogit.Worktree, files []string) error {
	var removed []string
	for _, f := range files {
		f = filepath.ToSlash(f)
		if _, err := os.Lstat(filepath.Join(r.dir, filepath.FromSlash(f))); err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			removed = append(removed, f)
			continue
		}
		if _, err := w.Add(f); err != nil {
			return err
		}
	}
	if len(removed) == 0 {
		return nil
	}
	status, err := w.Status()
	if err != nil {
		return err
	}
	for name, s := range status {
		if s.Worktree != gogit.Deleted {
			continue
		}
		for _, p := range removed {
			if name == p || strings.HasPrefix(name, p+"/") {
				if _, err := w.Remove(name); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// CommitCount returns the total number of commits in the repository.
func (r *Repo) CommitCount(_ context.Context) (int, error) {
	iter, err := r.repo.Log(&gogit.LogOptions{})
	if err != nil {
		return 0, nil // no commits yet is not an error
	}
	defer iter.Close()

	n := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		n++
	}
	return n, nil
}

// GetHistory returns commit history for a file or directory, limited to n commits.
func (r *Repo) GetHistory(_ context.Context, p string, n int) ([]*Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}

	opts := &gogit.LogOptions{}
	if p = path.Clean(filepath.ToSlash(p)); p != "." && p != "" {
		prefix := p + "/"
		opts.PathFilter = func(name string) bool {
			return name == p || strings.HasPrefix(name, prefix)
		}
	}

	iter, err := r.repo.Log(opts)
	if err != nil {
		return nil, nil // no commits yet is not an error
	}
	defer iter.Close()

	var commits []*Commit
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		// Split message into subject and body.
		subject, body, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, &Commit{
			Hash:           c.Hash.String(),
			Message:        subject,
			Body:           strings.TrimSpace(body),
			Author:         c.Author.Name,
			AuthorEmail:    c.Author.Email,
			AuthorDate:     c.Author.When,
			Committer:      c.Committer.Name,
			CommitterEmail: c.Committer.Email,
			CommitDate:     c.Committer.When,
		})
	}
	return commits, nil
}

// GetFileAtCommit retrieves the content of a file at a specific commit.
func (r *Repo) GetFileAtCommit(_ context.Context, hash, filePath string) ([]byte, error) {
	h := plumbing.NewHash(hash)
	if hash == "HEAD" {
		ref, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		h = ref.Hash()
	}

	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}

	f, err := c.File(filepath.ToSlash(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to get file at commit: %w", err)
	}

	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}
