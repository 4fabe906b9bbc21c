package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage/memory"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline/config"
	"windlass.sh/core/pipeline/db"
	"windlass.sh/core/pipeline/models"
)

// Poller watches the application repository's branch heads on a fixed
// interval and enqueues a run whenever one moves. It is the second
// trigger source next to the webhook; both produce identical runs for
// the same (branch, revision).
type Poller struct {
	cfg     *config.Config
	db      *db.DB
	enqueue func(models.Trigger) bool
	l       *slog.Logger
}

func NewPoller(ctx context.Context, cfg *config.Config, d *db.DB, enqueue func(models.Trigger) bool) *Poller {
	return &Poller{
		cfg:     cfg,
		db:      d,
		enqueue: enqueue,
		l:       log.FromContext(ctx).With("component", "poller"),
	}
}

func (p *Poller) Watch(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Source.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.l.Error("poll failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	heads, err := p.branchHeads(ctx)
	if err != nil {
		return err
	}

	for _, branch := range p.cfg.Source.Branches {
		head, ok := heads[branch]
		if !ok {
			continue
		}

		last, err := p.db.LastRevision(branch)
		if err != nil {
			return err
		}
		if head == last {
			continue
		}

		p.l.Info("branch moved", "branch", branch, "revision", head)
		if !p.enqueue(models.Trigger{Branch: branch, Revision: head, Source: models.TriggerPoll}) {
			p.l.Warn("run queue full, retrying next poll", "branch", branch)
		}
	}

	return nil
}

func (p *Poller) branchHeads(ctx context.Context) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{p.cfg.Source.RepoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, err
	}

	heads := make(map[string]string)
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			heads[ref.Name().Short()] = ref.Hash().String()
		}
	}
	return heads, nil
}
