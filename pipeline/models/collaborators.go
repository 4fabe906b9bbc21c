package models

import (
	"context"
	"io"
)

// The pipeline drives its external systems through the narrowest
// interface each stage needs. Concrete implementations run the
// corresponding tool inside an execution context (pipeline/contexts);
// tests substitute fakes. Output written to out becomes the stage's
// captured log.

// Analyzer runs one best-effort diagnostic tool against a source
// revision. Analysis failures never block delivery; that policy is
// the stage engine's, not the analyzer's.
type Analyzer interface {
	Analyze(ctx context.Context, repoURL, revision, tool string, out io.Writer) error
}

// Builder produces an image from the repository at a revision, tagged
// with the run's tag, without pushing it.
type Builder interface {
	Build(ctx context.Context, repoURL, revision, imageRef string, out io.Writer) error
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Finding struct {
	ID       string
	Severity Severity
	Summary  string
}

// Blocking reports whether the finding is severe enough to fail a
// blocking scan stage.
func (f Finding) Blocking() bool {
	return f.Severity == SeverityHigh || f.Severity == SeverityCritical
}

// Scanner returns severity-classified findings for a built image.
// Whether findings block the run is pipeline policy, not scanner
// behavior.
type Scanner interface {
	Scan(ctx context.Context, imageRef string, out io.Writer) ([]Finding, error)
}

// Registry pushes a built image to its coordinates. Pushing a tag
// that already exists must fail: tags are immutable once written.
type Registry interface {
	Push(ctx context.Context, imageRef string, out io.Writer) error
}

// CredentialSource exchanges the orchestrator's workload identity for
// a short-lived credential scoped to one role. Lease revocation is
// the caller's responsibility via the returned lease ID.
type CredentialSource interface {
	Issue(ctx context.Context, role string) (Credential, error)
	Revoke(ctx context.Context, leaseID string) error
}

type Credential struct {
	Token   string
	LeaseID string
	Env     map[string]string
}
