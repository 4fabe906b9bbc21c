package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windlass.sh/core/pipeline/approval"
	"windlass.sh/core/pipeline/config"
	"windlass.sh/core/pipeline/db"
	"windlass.sh/core/pipeline/gitops"
	"windlass.sh/core/pipeline/models"
	"windlass.sh/core/pipeline/notifier"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	tools []string
	errs  map[string]error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, repoURL, revision, tool string, out io.Writer) error {
	f.mu.Lock()
	f.tools = append(f.tools, tool)
	f.mu.Unlock()
	return f.errs[tool]
}

func (f *fakeAnalyzer) fail(tool string, err error) {
	if f.errs == nil {
		f.errs = map[string]error{}
	}
	f.errs[tool] = err
}

type fakeBuilder struct {
	built []string
	err   error
}

func (f *fakeBuilder) Build(ctx context.Context, repoURL, revision, imageRef string, out io.Writer) error {
	f.built = append(f.built, imageRef)
	return f.err
}

type fakeScanner struct {
	findings []models.Finding
	scanned  []string
	err      error
}

func (f *fakeScanner) Scan(ctx context.Context, imageRef string, out io.Writer) ([]models.Finding, error) {
	f.scanned = append(f.scanned, imageRef)
	return f.findings, f.err
}

type fakeRegistry struct {
	pushed []string
	err    error
}

func (f *fakeRegistry) Push(ctx context.Context, imageRef string, out io.Writer) error {
	if f.err != nil {
		return f.err
	}
	for _, ref := range f.pushed {
		if ref == imageRef {
			return errors.New("tag already exists")
		}
	}
	f.pushed = append(f.pushed, imageRef)
	return nil
}

type fakeGate struct {
	decision approval.Decision
	err      error
	awaited  int
}

func (f *fakeGate) Await(ctx context.Context, runID string, timeout time.Duration) (approval.Decision, error) {
	f.awaited++
	return f.decision, f.err
}

type fakeApplier struct {
	applied []gitops.Mutation
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, mut gitops.Mutation) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.applied = append(f.applied, mut)
	return "deadbeef", nil
}

type harness struct {
	controller *Controller
	db         *db.DB
	analyzer   *fakeAnalyzer
	builder    *fakeBuilder
	scanner    *fakeScanner
	registry   *fakeRegistry
	gate       *fakeGate
	applier    *fakeApplier
}

func newHarness(t *testing.T, scanPolicy config.ScanPolicy) *harness {
	t.Helper()

	cfg := &config.Config{
		Server: config.Server{DBPath: ":memory:", Dev: true},
		Source: config.Source{RepoURL: "https://example.com/weather.git"},
		Pipelines: config.Pipelines{
			RegistryHost:    "registry.example.com",
			ImageRepository: "weather/app",
			StageTimeout:    time.Minute,
			ApprovalTimeout: 15 * time.Minute,
			ScanPolicy:      scanPolicy,
			LogDir:          t.TempDir(),
		},
		GitOps: config.GitOps{
			RepoURL:   "https://example.com/deploy.git",
			Branch:    "main",
			DeployDir: "deploy",
			Retries:   3,
		},
	}

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()

	h := &harness{
		db:       d,
		analyzer: &fakeAnalyzer{},
		builder:  &fakeBuilder{},
		scanner:  &fakeScanner{},
		registry: &fakeRegistry{},
		gate:     &fakeGate{decision: approval.Decision{Approved: true, Actor: "ops"}},
		applier:  &fakeApplier{},
	}

	h.controller = NewController(context.Background(), cfg, d, &n, Collaborators{
		Analyzer: h.analyzer,
		Builder:  h.builder,
		Scanner:  h.scanner,
		Registry: h.registry,
		Gate:     h.gate,
		Mutator:  h.applier,
	})

	return h
}

func (h *harness) setBuildCounter(t *testing.T, value int64) {
	t.Helper()
	_, err := h.db.Exec(`update build_counter set value = ? where id = 1`, value)
	require.NoError(t, err)
}

func (h *harness) execute(t *testing.T, branch, revision string) *models.PipelineRun {
	t.Helper()
	run, err := h.controller.Execute(context.Background(), models.Trigger{
		Branch:   branch,
		Revision: revision,
		Source:   models.TriggerWebhook,
	})
	require.NoError(t, err)
	return run
}

func stageStatus(t *testing.T, run *models.PipelineRun, stage string) models.StageStatus {
	t.Helper()
	res := run.Result(stage)
	require.NotNil(t, res, "no result for stage %s", stage)
	return res.Status
}

func TestExecuteDevBranch(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.setBuildCounter(t, 41)

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.EnvDev, run.Environment)
	assert.Equal(t, "42-abcdef12", run.Tag)
	assert.Equal(t, models.RunSucceeded, run.Status)

	// publish targets the dev registry coordinates
	require.Len(t, h.registry.pushed, 1)
	assert.Equal(t, "registry.example.com/weather/app/dev:42-abcdef12", h.registry.pushed[0])

	// no approval for dev
	assert.Zero(t, h.gate.awaited)

	// gitops targets the dev deployment file
	require.Len(t, h.applier.applied, 1)
	mut := h.applier.applied[0]
	assert.Equal(t, "deploy/dev.yaml", mut.FilePath)
	assert.Equal(t, "image.tag", mut.FieldPath)
	assert.Equal(t, "42-abcdef12", mut.NewValue)
	assert.Equal(t, int64(42), mut.BuildNumber)
}

func TestExecuteApprovalTimeoutAborts(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.setBuildCounter(t, 6)
	h.gate.err = approval.ErrTimedOut

	run := h.execute(t, "main", "11223344aa")

	assert.Equal(t, models.EnvProduction, run.Environment)
	assert.Equal(t, "7-11223344", run.Tag)
	assert.Equal(t, models.RunAborted, run.Status)
	assert.Equal(t, 1, h.gate.awaited)

	// the image was pushed before the gate and stays pushed
	require.Len(t, h.registry.pushed, 1)

	// deployment state must remain untouched
	assert.Empty(t, h.applier.applied)

	got, err := h.db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, got.Status)
}

func TestExecuteApprovalDeniedAborts(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.gate.decision = approval.Decision{Approved: false, Actor: "ops"}
	h.gate.err = approval.ErrDenied

	run := h.execute(t, "main", "11223344aa")

	assert.Equal(t, models.RunAborted, run.Status)
	assert.Empty(t, h.applier.applied)
}

func TestExecuteProductionApproved(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)

	run := h.execute(t, "main", "11223344aa")

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, h.gate.awaited)
	require.Len(t, h.applier.applied, 1)
	assert.Equal(t, "deploy/production.yaml", h.applier.applied[0].FilePath)
}

func TestExecuteFeatureBranchBuildOnly(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)

	run := h.execute(t, "feature/x", "ffeeddcc00")

	assert.Equal(t, models.EnvNone, run.Environment)
	assert.Equal(t, models.RunSucceeded, run.Status)

	// analysis, tests and build still run
	assert.Len(t, h.builder.built, 1)
	assert.ElementsMatch(t, []string{"flake8", "mypy", "pytest"}, h.analyzer.tools)

	// everything deploy-facing is skipped
	assert.Empty(t, h.registry.pushed)
	assert.Zero(t, h.gate.awaited)
	assert.Empty(t, h.applier.applied)
	assert.Equal(t, models.StageSkipped, stageStatus(t, run, "publish"))
	assert.Equal(t, models.StageSkipped, stageStatus(t, run, "approval"))
	assert.Equal(t, models.StageSkipped, stageStatus(t, run, "gitops"))
}

func TestExecuteAnalysisFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.analyzer.fail("flake8", errors.New("lint errors"))
	h.analyzer.fail("mypy", errors.New("type errors"))

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, models.StageFailed, stageStatus(t, run, "lint"))
	assert.Equal(t, models.StageFailed, stageStatus(t, run, "typecheck"))
	assert.Equal(t, models.StageSucceeded, stageStatus(t, run, "test"))
	assert.Len(t, h.registry.pushed, 1, "delivery proceeds past diagnostics")
}

func TestExecuteTestFailureHaltsRun(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.analyzer.fail("pytest", errors.New("2 failed, 14 passed"))

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.StageFailed, stageStatus(t, run, "test"))
	assert.Empty(t, h.builder.built, "nothing builds on a failing suite")
	assert.Empty(t, h.registry.pushed)
}

func TestExecuteBuildFailureHaltsRun(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.builder.err = errors.New("compile error")

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Empty(t, h.scanner.scanned, "scan never runs after a failed build")
	assert.Empty(t, h.registry.pushed)
	assert.Nil(t, run.Result("security-scan"), "halted stages leave no result")
}

func TestExecuteScanBlockingPolicy(t *testing.T) {
	h := newHarness(t, config.ScanBlock)
	h.scanner.findings = []models.Finding{
		{ID: "CVE-2024-0001", Severity: models.SeverityCritical, Summary: "bad"},
		{ID: "CVE-2024-0002", Severity: models.SeverityLow, Summary: "meh"},
	}

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.StageFailed, stageStatus(t, run, "security-scan"))
	assert.Empty(t, h.registry.pushed, "blocking findings stop the publish")
}

func TestExecuteScanAdvisoryPolicy(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)
	h.scanner.findings = []models.Finding{
		{ID: "CVE-2024-0001", Severity: models.SeverityCritical, Summary: "bad"},
	}

	run := h.execute(t, "dev", "abcdef1234")

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, models.StageFailed, stageStatus(t, run, "security-scan"))
	assert.Len(t, h.registry.pushed, 1, "advisory findings do not block delivery")
}

func TestExecutePersistsResults(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)

	run := h.execute(t, "dev", "abcdef1234")

	got, err := h.db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, got.Status)
	assert.Equal(t, len(run.Results), len(got.Results))
}

func TestExecuteIdenticalTriggersFromBothSources(t *testing.T) {
	h := newHarness(t, config.ScanAdvisory)

	hook := h.execute(t, "dev", "abcdef1234")

	run2, err := h.controller.Execute(context.Background(), models.Trigger{
		Branch: "dev", Revision: "abcdef1234", Source: models.TriggerPoll,
	})
	require.NoError(t, err)

	assert.Equal(t, hook.Environment, run2.Environment)
	assert.Equal(t, hook.Branch, run2.Branch)
	assert.NotEqual(t, hook.Tag, run2.Tag, "each run draws a fresh build number")
}
