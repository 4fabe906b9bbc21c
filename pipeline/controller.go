// Package pipeline composes the router, tag generator, execution
// contexts, stage engine, approval gate and gitops mutator into
// complete delivery runs, and exposes the trigger and reporting
// surfaces around them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline/approval"
	"windlass.sh/core/pipeline/config"
	"windlass.sh/core/pipeline/db"
	"windlass.sh/core/pipeline/engine"
	"windlass.sh/core/pipeline/gitops"
	"windlass.sh/core/pipeline/models"
	"windlass.sh/core/pipeline/notifier"
	"windlass.sh/core/pipeline/router"
	"windlass.sh/core/pipeline/tag"
)

// Approver is what the controller needs from the approval gate.
type Approver interface {
	Await(ctx context.Context, runID string, timeout time.Duration) (approval.Decision, error)
}

// Applier is what the controller needs from the gitops mutator.
type Applier interface {
	Apply(ctx context.Context, mut gitops.Mutation) (string, error)
}

// ArtifactReleaser cleans up a run's shared artifact volume.
type ArtifactReleaser interface {
	ReleaseArtifacts(ctx context.Context, key string) error
}

// Collaborators bundles everything a run drives. Production wiring
// uses the Docker-backed implementations from pipeline/contexts and
// the vault broker from pipeline/creds; tests use fakes.
type Collaborators struct {
	Analyzer  models.Analyzer
	Builder   models.Builder
	Scanner   models.Scanner
	Registry  models.Registry
	Creds     models.CredentialSource
	Gate      Approver
	Mutator   Applier
	Artifacts ArtifactReleaser
}

type Controller struct {
	cfg    *config.Config
	db     *db.DB
	n      *notifier.Notifier
	router *router.Router
	co     Collaborators
	logs   *engine.RunLogger
	l      *slog.Logger
}

func NewController(ctx context.Context, cfg *config.Config, d *db.DB, n *notifier.Notifier, co Collaborators) *Controller {
	return &Controller{
		cfg:    cfg,
		db:     d,
		n:      n,
		router: router.New(cfg.Pipelines.RegistryHost, cfg.Pipelines.ImageRepository, cfg.GitOps.DeployDir),
		co:     co,
		logs:   engine.NewRunLogger(cfg.Pipelines.LogDir),
		l:      log.FromContext(ctx).With("component", "controller"),
	}
}

// Execute runs one complete pipeline for a trigger. Identical
// triggers produce identical runs regardless of source. The returned
// run is terminal; a non-nil error means the run could not even be
// set up, not that a stage failed.
func (c *Controller) Execute(ctx context.Context, trig models.Trigger) (*models.PipelineRun, error) {
	profile := c.router.Resolve(trig.Branch)

	build, err := c.db.NextBuildNumber()
	if err != nil {
		return nil, fmt.Errorf("allocating build number: %w", err)
	}

	t, err := tag.Generate(build, trig.Revision)
	if err != nil {
		return nil, fmt.Errorf("generating tag: %w", err)
	}

	run := &models.PipelineRun{
		ID:          uuid.NewString(),
		Branch:      trig.Branch,
		Revision:    trig.Revision,
		BuildNumber: build,
		Profile:     profile,
		Environment: profile.Environment,
		Tag:         t,
		Status:      models.RunPending,
		StartedAt:   time.Now(),
	}

	if err := c.db.CreateRun(run, c.n); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	c.l.Info("run starting",
		"run", run.ID, "branch", run.Branch, "revision", run.Revision,
		"build", run.BuildNumber, "environment", run.Environment, "tag", run.Tag,
		"source", trig.Source)

	if err := c.db.MarkRunRunning(run.ID, c.n); err != nil {
		return nil, err
	}

	eng := engine.New(ctx, c.logs)
	eng.OnResult = func(run *models.PipelineRun, res models.StageResult) {
		if err := c.db.AddStageResult(run.ID, res, c.n); err != nil {
			c.l.Error("failed to persist stage result", "run", run.ID, "stage", res.Stage, "error", err)
		}
	}

	runErr := eng.Run(ctx, c.stages(run), run)
	c.finalize(ctx, run, runErr)

	return run, nil
}

// finalize is the only place a run transitions to succeeded. For
// every other outcome it just persists what the engine already
// decided and emits the closing report.
func (c *Controller) finalize(ctx context.Context, run *models.PipelineRun, runErr error) {
	run.FinishedAt = time.Now()

	var err error
	switch run.Status {
	case models.RunAborted:
		err = c.db.MarkRunAborted(run.ID, c.n)
	case models.RunFailed:
		err = c.db.MarkRunFailed(run.ID, c.n)
	default:
		run.Status = models.RunSucceeded
		err = c.db.MarkRunSucceeded(run.ID, c.n)
	}
	if err != nil {
		c.l.Error("failed to persist run status", "run", run.ID, "error", err)
	}

	if c.co.Artifacts != nil {
		key := run.Profile.Registry.Ref(run.Tag)
		if !run.Profile.Deployable() {
			key = c.localImageRef(run)
		}
		if err := c.co.Artifacts.ReleaseArtifacts(context.WithoutCancel(ctx), key); err != nil {
			c.l.Error("failed to release artifacts", "run", run.ID, "error", err)
		}
	}

	c.l.Info("run finished",
		"run", run.ID, "status", run.Status, "stages", len(run.Results),
		"duration", run.FinishedAt.Sub(run.StartedAt), "error", runErr)
}

// localImageRef names the image of a build-only run. It is never
// pushed anywhere; it only addresses the artifact volume.
func (c *Controller) localImageRef(run *models.PipelineRun) string {
	return models.RegistryCoordinates{
		Host:       c.cfg.Pipelines.RegistryHost,
		Repository: c.cfg.Pipelines.ImageRepository,
	}.Ref(run.Tag)
}

func (c *Controller) imageRef(run *models.PipelineRun) string {
	if run.Profile.Deployable() {
		return run.Profile.Registry.Ref(run.Tag)
	}
	return c.localImageRef(run)
}
