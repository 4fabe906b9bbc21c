package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"windlass.sh/core/pipeline/approval"
	"windlass.sh/core/pipeline/config"
	"windlass.sh/core/pipeline/contexts"
	"windlass.sh/core/pipeline/engine"
	"windlass.sh/core/pipeline/gitops"
	"windlass.sh/core/pipeline/models"
)

// stages builds the stage list for one run. The list is fixed per
// pipeline version; everything conditional is expressed as a guard
// over the run's EnvironmentProfile, not as branch string checks
// scattered through stage bodies.
func (c *Controller) stages(run *models.PipelineRun) []engine.Stage {
	deployable := func(p models.EnvironmentProfile) bool { return p.Deployable() }
	needsApproval := func(p models.EnvironmentProfile) bool { return p.RequiresApproval }

	timeout := c.cfg.Pipelines.StageTimeout

	scanPolicy := engine.ContinueOnError
	if c.cfg.Pipelines.ScanPolicy == config.ScanBlock {
		scanPolicy = engine.FailFast
	}

	return []engine.Stage{
		{
			Name: "static-analysis",
			Children: []engine.Stage{
				c.analysisStage("lint", "flake8"),
				c.analysisStage("typecheck", "mypy"),
			},
		},
		{
			// unlike diagnostics, a failing suite blocks delivery
			Name:    "test",
			Policy:  engine.FailFast,
			Timeout: timeout,
			Run: func(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
				return c.co.Analyzer.Analyze(ctx, c.cfg.Source.RepoURL, run.Revision, "pytest", out)
			},
		},
		{
			Name:    "build",
			Policy:  engine.FailFast,
			Timeout: timeout,
			Run: func(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
				return c.co.Builder.Build(ctx, c.cfg.Source.RepoURL, run.Revision, c.imageRef(run), out)
			},
		},
		{
			Name:    "security-scan",
			Policy:  scanPolicy,
			Timeout: timeout,
			Run:     c.scanStage,
		},
		{
			Name:    "publish",
			Guard:   deployable,
			Policy:  engine.FailFast,
			Timeout: timeout,
			Run: func(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
				return c.co.Registry.Push(ctx, run.Profile.Registry.Ref(run.Tag), out)
			},
		},
		{
			Name:   "approval",
			Guard:  needsApproval,
			Policy: engine.FailFast,
			Run:    c.approvalStage,
		},
		{
			Name:    "gitops",
			Guard:   deployable,
			Policy:  engine.FailFast,
			Timeout: timeout,
			Run:     c.gitopsStage,
		},
	}
}

// analysisStage wraps one best-effort diagnostic tool. Failures are
// recorded, never propagated: diagnostics must not block delivery.
func (c *Controller) analysisStage(name, tool string) engine.Stage {
	return engine.Stage{
		Name:    name,
		Policy:  engine.ContinueOnError,
		Timeout: c.cfg.Pipelines.StageTimeout,
		Run: func(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
			return c.co.Analyzer.Analyze(ctx, c.cfg.Source.RepoURL, run.Revision, tool, out)
		},
	}
}

func (c *Controller) scanStage(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
	findings, err := c.co.Scanner.Scan(ctx, c.imageRef(run), out)
	if err != nil {
		return err
	}

	blocking := 0
	for _, f := range findings {
		if f.Blocking() {
			blocking++
		}
	}
	fmt.Fprintf(out, "scan: %d findings, %d high/critical\n", len(findings), blocking)

	if blocking > 0 {
		return fmt.Errorf("%d high/critical findings", blocking)
	}
	return nil
}

func (c *Controller) approvalStage(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
	fmt.Fprintf(out, "awaiting approval for %s (%s)\n", run.Tag, run.Environment)
	c.l.Info("awaiting approval", "run", run.ID, "environment", run.Environment, "timeout", c.cfg.Pipelines.ApprovalTimeout)

	decision, err := c.co.Gate.Await(ctx, run.ID, c.cfg.Pipelines.ApprovalTimeout)
	switch {
	case errors.Is(err, approval.ErrDenied):
		fmt.Fprintf(out, "denied by %s\n", decision.Actor)
		return fmt.Errorf("%w: denied by %s", engine.ErrAborted, decision.Actor)

	case errors.Is(err, approval.ErrTimedOut):
		fmt.Fprintln(out, "approval timed out")
		return fmt.Errorf("%w: approval timed out", engine.ErrAborted)

	case err != nil:
		return err
	}

	fmt.Fprintf(out, "approved by %s\n", decision.Actor)
	return nil
}

func (c *Controller) gitopsStage(ctx context.Context, run *models.PipelineRun, out io.Writer) error {
	mut := gitops.Mutation{
		RepoURL:     c.cfg.GitOps.RepoURL,
		Branch:      c.cfg.GitOps.Branch,
		FilePath:    run.Profile.DeployFilePath,
		FieldPath:   "image.tag",
		NewValue:    run.Tag,
		BuildNumber: run.BuildNumber,
		Revision:    run.Revision,
		ImageRef:    run.Profile.Registry.Ref(run.Tag),
	}

	if c.co.Creds != nil {
		cred, err := c.co.Creds.Issue(ctx, contexts.RoleSourceControl)
		if err != nil {
			return fmt.Errorf("%w: %v", contexts.ErrProvision, err)
		}
		defer func() {
			if err := c.co.Creds.Revoke(context.WithoutCancel(ctx), cred.LeaseID); err != nil {
				c.l.Error("failed to revoke source-control credential", "run", run.ID, "error", err)
			}
		}()

		mut.Auth = &githttp.BasicAuth{
			Username: cred.Env["username"],
			Password: cred.Token,
		}
	}

	rev, err := c.co.Mutator.Apply(ctx, mut)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "deployment state updated: %s -> %s (%s)\n", mut.FilePath, mut.NewValue, rev)
	return nil
}
