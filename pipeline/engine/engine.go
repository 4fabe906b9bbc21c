// Package engine executes an ordered list of stages against one
// pipeline run. A stage is either a leaf with a body or a parallel
// group of children. The engine owns guard evaluation, the
// fail-fast / continue-on-error policies, per-stage timeouts, and the
// appending of stage results; it knows nothing about what the stages
// actually do.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline/models"
)

type Policy int

const (
	FailFast Policy = iota
	ContinueOnError
)

// Guard decides right before a stage starts whether it runs at all.
// Guards are re-evaluated per stage, never cached at run start.
type Guard func(models.EnvironmentProfile) bool

// Body is a leaf stage's work. Output written to out is captured as
// the stage's log.
type Body func(ctx context.Context, run *models.PipelineRun, out io.Writer) error

type Stage struct {
	Name    string
	Guard   Guard
	Policy  Policy
	Timeout time.Duration

	// Exactly one of Run or Children is set. A non-empty Children
	// makes this a parallel group; the group's Policy applies to the
	// aggregated outcome, each child's Policy to its own failure.
	Run      Body
	Children []Stage
}

func (s *Stage) parallel() bool {
	return len(s.Children) > 0
}

// Engine runs stages. OnResult, when set, is called for every
// appended StageResult so the caller can persist it as it lands.
type Engine struct {
	l        *slog.Logger
	logs     *RunLogger
	OnResult func(run *models.PipelineRun, res models.StageResult)
}

func New(ctx context.Context, logs *RunLogger) *Engine {
	return &Engine{
		l:    log.FromContext(ctx).With("component", "engine"),
		logs: logs,
	}
}

// Run executes stages strictly in declared order, mutating the run's
// results and status as it goes. It returns ErrAborted when a stage
// aborted the run, ErrStageFailed when a fail-fast stage failed, and
// nil when every stage reached a terminal state without halting the
// run. Run never sets the succeeded status; finalization belongs to
// the controller.
func (e *Engine) Run(ctx context.Context, stages []Stage, run *models.PipelineRun) error {
	run.Status = models.RunRunning

	for i := range stages {
		stage := &stages[i]

		res, err := e.runStage(ctx, stage, run)
		e.record(run, res)

		switch {
		case errors.Is(err, ErrAborted):
			run.Status = models.RunAborted
			e.l.Info("run aborted", "run", run.ID, "stage", stage.Name)
			return ErrAborted

		case err != nil && stage.Policy == FailFast:
			run.Status = models.RunFailed
			e.l.Error("run failed", "run", run.ID, "stage", stage.Name, "error", err)
			return ErrStageFailed

		case err != nil:
			// continue-on-error: recorded in the result, run proceeds
			e.l.Warn("stage failed, continuing", "run", run.ID, "stage", stage.Name, "error", err)
		}
	}

	return nil
}

func (e *Engine) runStage(ctx context.Context, stage *Stage, run *models.PipelineRun) (models.StageResult, error) {
	if stage.Guard != nil && !stage.Guard(run.Profile) {
		e.l.Info("stage skipped", "run", run.ID, "stage", stage.Name)
		now := time.Now()
		return models.StageResult{
			Stage:      stage.Name,
			Status:     models.StageSkipped,
			Reason:     "guard",
			StartedAt:  now,
			FinishedAt: now,
		}, nil
	}

	if stage.parallel() {
		return e.runGroup(ctx, stage, run)
	}

	return e.runLeaf(ctx, stage, run)
}

func (e *Engine) runLeaf(ctx context.Context, stage *Stage, run *models.PipelineRun) (models.StageResult, error) {
	res := models.StageResult{
		Stage:     stage.Name,
		StartedAt: time.Now(),
	}

	runCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	out, ref := e.stageOutput(run, stage.Name)
	res.LogRef = ref

	err := stage.Run(runCtx, run, out)
	res.FinishedAt = time.Now()

	if c, ok := out.(io.Closer); ok {
		c.Close()
	}

	switch {
	case err == nil:
		res.Status = models.StageSucceeded

	case errors.Is(err, ErrAborted):
		res.Status = models.StageFailed
		res.Reason = err.Error()

	case errors.Is(err, ErrTimedOut) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = models.StageFailed
		res.Reason = "timed out"
		err = ErrTimedOut

	default:
		res.Status = models.StageFailed
		res.Reason = err.Error()
	}

	return res, err
}

// runGroup starts all children concurrently, each in its own context.
// Siblings of a failed child are allowed to finish; they share no
// mutable state, so there is nothing to cancel them for.
func (e *Engine) runGroup(ctx context.Context, group *Stage, run *models.PipelineRun) (models.StageResult, error) {
	groupRes := models.StageResult{
		Stage:     group.Name,
		StartedAt: time.Now(),
	}

	type childOutcome struct {
		res models.StageResult
		err error
	}

	outcomes := make([]childOutcome, len(group.Children))

	var wg sync.WaitGroup
	for i := range group.Children {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := &group.Children[i]
			res, err := e.runStage(ctx, child, run)
			outcomes[i] = childOutcome{res, err}
		}(i)
	}
	wg.Wait()

	var failed string
	var groupErr error
	for i, o := range outcomes {
		e.record(run, o.res)
		// a continue-on-error child's failure stays in its own result
		if o.err != nil && group.Children[i].Policy == FailFast && failed == "" {
			failed = o.res.Stage
			groupErr = o.err
		}
	}

	groupRes.FinishedAt = time.Now()
	if groupErr != nil {
		groupRes.Status = models.StageFailed
		groupRes.Reason = failed + ": " + groupErr.Error()
		return groupRes, groupErr
	}

	groupRes.Status = models.StageSucceeded
	return groupRes, nil
}

func (e *Engine) record(run *models.PipelineRun, res models.StageResult) {
	run.Results = append(run.Results, res)
	if e.OnResult != nil {
		e.OnResult(run, res)
	}
}

func (e *Engine) stageOutput(run *models.PipelineRun, stage string) (io.Writer, string) {
	if e.logs == nil {
		return io.Discard, ""
	}

	w, ref, err := e.logs.StageWriter(run.ID, stage)
	if err != nil {
		e.l.Error("failed to open stage log", "run", run.ID, "stage", stage, "error", err)
		return io.Discard, ""
	}
	return w, ref
}
