package pipeline

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"windlass.sh/core/pipeline/models"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the windlass delivery orchestrator",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	WINDLASS_SERVER_LISTEN_ADDR       (default: 0.0.0.0:6780)
	WINDLASS_SERVER_DB_PATH           (default: windlass.db)
	WINDLASS_SERVER_DEV               (default: false)
	WINDLASS_SOURCE_REPO_URL          (required)
	WINDLASS_SOURCE_POLL_INTERVAL     (default: 1m)
	WINDLASS_SOURCE_BRANCHES          (default: dev,stg,main)
	WINDLASS_PIPELINES_REGISTRY_HOST  (required)
	WINDLASS_PIPELINES_IMAGE_REPOSITORY (required)
	WINDLASS_PIPELINES_SCAN_POLICY    (default: advisory)
	WINDLASS_GITOPS_REPO_URL          (required)
	WINDLASS_CREDS_ADDR               (required outside dev mode)
`,
	}
}

// OnceCommand executes a single pipeline run in the foreground and
// prints its report, without the HTTP surface or the poller.
func OnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "execute one pipeline run and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "branch",
				Usage:    "branch the revision was pushed to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "revision",
				Usage:    "full commit hash to run against",
				Required: true,
			},
		},
		Action: runOnce,
	}
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	s, teardown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer teardown()
	defer s.db.Close()

	run, err := s.controller.Execute(ctx, models.Trigger{
		Branch:   cmd.String("branch"),
		Revision: cmd.String("revision"),
		Source:   models.TriggerWebhook,
	})
	if err != nil {
		return err
	}

	fmt.Print(Render(run))

	if run.Status != models.RunSucceeded {
		return fmt.Errorf("run %s: %s", run.ID, run.Status)
	}
	return nil
}
