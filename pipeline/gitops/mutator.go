// Package gitops performs the read-modify-write-push transaction
// against the deployment-state repository: rewrite exactly one field
// (the environment's image tag) and nothing else, commit, push. An
// external reconciler acts on the commit; none of that is in scope
// here.
package gitops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"windlass.sh/core/log"
)

// Mutation describes one field rewrite. Its result is a remote
// commit; nothing local survives the transaction.
type Mutation struct {
	RepoURL   string
	Branch    string
	FilePath  string
	FieldPath string // dotted yaml path, e.g. "image.tag"
	NewValue  string

	// commit message material
	BuildNumber int64
	Revision    string
	ImageRef    string

	Auth transport.AuthMethod
}

type Mutator struct {
	l           *slog.Logger
	retries     uint
	authorName  string
	authorEmail string

	// test seam, runs between apply and push
	beforePush func(attempt uint)
}

func NewMutator(ctx context.Context, authorName, authorEmail string, retries uint) *Mutator {
	return &Mutator{
		l:           log.FromContext(ctx).With("component", "gitops"),
		retries:     retries,
		authorName:  authorName,
		authorEmail: authorEmail,
	}
}

// Apply runs the transaction, re-deriving the mutation from a fresh
// clone on every attempt. A push rejected because the remote moved is
// retried up to the configured bound; a stale commit is never
// re-pushed blindly. Applying an already-applied mutation is detected
// before committing and returns the current head untouched.
func (m *Mutator) Apply(ctx context.Context, mut Mutation) (string, error) {
	var attempt uint
	var committed string

	err := retry.Do(
		func() error {
			rev, err := m.applyOnce(ctx, mut, attempt)
			attempt++
			if err != nil {
				return err
			}
			committed = rev
			return nil
		},
		retry.Attempts(m.retries+1),
		retry.RetryIf(isRemoteAhead),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.l.Warn("push rejected, re-deriving mutation", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("applying gitops mutation: %w", err)
	}

	return committed, nil
}

func (m *Mutator) applyOnce(ctx context.Context, mut Mutation, attempt uint) (string, error) {
	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           mut.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(mut.Branch),
		SingleBranch:  true,
		Auth:          mut.Auth,
	})
	if err != nil {
		return "", fmt.Errorf("cloning %s: %w", mut.RepoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", err
	}

	f, err := fs.Open(mut.FilePath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", mut.FilePath, err)
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return "", err
	}

	rewritten, old, err := RewriteField(raw, mut.FieldPath, mut.NewValue)
	if err != nil {
		return "", fmt.Errorf("rewriting %s in %s: %w", mut.FieldPath, mut.FilePath, err)
	}

	if old == mut.NewValue {
		m.l.Info("field already up to date, skipping commit",
			"file", mut.FilePath, "field", mut.FieldPath, "value", mut.NewValue)
		return head.Hash().String(), nil
	}

	out, err := fs.Create(mut.FilePath)
	if err != nil {
		return "", err
	}
	if _, err := out.Write(rewritten); err != nil {
		out.Close()
		return "", err
	}
	out.Close()

	w, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if _, err := w.Add(mut.FilePath); err != nil {
		return "", err
	}

	msg := fmt.Sprintf("deploy: update %s to %s\n\nbuild: %d\nrevision: %s\nimage: %s\n",
		mut.FieldPath, mut.NewValue, mut.BuildNumber, mut.Revision, mut.ImageRef)

	hash, err := w.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.authorName,
			Email: m.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}

	if m.beforePush != nil {
		m.beforePush(attempt)
	}

	err = repo.PushContext(ctx, &git.PushOptions{Auth: mut.Auth})
	if err != nil {
		return "", fmt.Errorf("pushing: %w", err)
	}

	m.l.Info("pushed deployment update",
		"file", mut.FilePath, "old", old, "new", mut.NewValue, "commit", hash.String())
	return hash.String(), nil
}

// isRemoteAhead classifies push rejections caused by the remote
// moving under us. Only those are worth a re-derive; everything else
// fails the attempt outright.
func isRemoteAhead(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "non-fast-forward update") ||
		strings.Contains(s, "fetch first") ||
		strings.Contains(s, "failed to update ref")
}
