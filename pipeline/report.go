package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"windlass.sh/core/pipeline/models"
)

// Render produces the human-readable closing summary for a run. The
// machine-readable form is the run itself, serialized by the HTTP
// surface; both always name every stage result produced before any
// halt, so partial progress stays observable.
func Render(run *models.PipelineRun) string {
	var b strings.Builder

	fmt.Fprintf(&b, "run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "  branch:      %s\n", run.Branch)
	fmt.Fprintf(&b, "  revision:    %s\n", run.Revision)
	fmt.Fprintf(&b, "  build:       %d\n", run.BuildNumber)
	fmt.Fprintf(&b, "  environment: %s\n", run.Environment)
	fmt.Fprintf(&b, "  tag:         %s\n", run.Tag)
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "  finished:    %s\n", humanize.Time(run.FinishedAt))
	}

	fmt.Fprintf(&b, "  stages:\n")
	for _, res := range run.Results {
		line := fmt.Sprintf("    %-16s %s", res.Stage, res.Status)
		if res.Reason != "" && res.Status != models.StageSucceeded {
			line += " (" + res.Reason + ")"
		}
		if res.Status != models.StageSkipped {
			line += fmt.Sprintf(" [%s]", res.FinishedAt.Sub(res.StartedAt).Round(10*time.Millisecond))
		}
		b.WriteString(line + "\n")
	}

	return b.String()
}
