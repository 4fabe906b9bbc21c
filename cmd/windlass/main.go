package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline"
)

func main() {
	cmd := &cli.Command{
		Name:  "windlass",
		Usage: "branch-driven delivery pipeline orchestrator",
		Commands: []*cli.Command{
			pipeline.Command(),
			pipeline.OnceCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("windlass")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
