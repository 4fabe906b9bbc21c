package contexts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"windlass.sh/core/pipeline/models"
)

// Docker-backed collaborator implementations. Each acquires a context
// for its role, runs the tool inside it, and releases the context on
// every path. One acquisition per call: contexts are never shared
// across stages.

type Builder struct {
	m          *Manager
	dockerfile string
}

func NewBuilder(m *Manager, dockerfile string) *Builder {
	return &Builder{m: m, dockerfile: dockerfile}
}

var _ models.Builder = (*Builder)(nil)

func (b *Builder) Build(ctx context.Context, repoURL, revision, imageRef string, out io.Writer) error {
	ec, err := b.m.Acquire(ctx, RoleBuild, WithArtifacts(imageRef))
	if err != nil {
		return err
	}
	defer b.m.Release(context.WithoutCancel(ctx), ec)

	cmd := fmt.Sprintf(
		"/kaniko/executor --context=%s#%s --dockerfile=%s --destination=%s --no-push --tar-path=%s/image.tar",
		shellQuote(gitContext(repoURL)), revision, shellQuote(b.dockerfile), shellQuote(imageRef), artifactsDir,
	)
	return b.m.Exec(ctx, ec, cmd, out)
}

// gitContext rewrites a clone URL into kaniko's git context form:
// git://host/path, no transport scheme.
func gitContext(repoURL string) string {
	for _, scheme := range []string{"https://", "http://", "git://"} {
		if strings.HasPrefix(repoURL, scheme) {
			repoURL = strings.TrimPrefix(repoURL, scheme)
			break
		}
	}
	return "git://" + repoURL
}

type Scanner struct {
	m *Manager
}

func NewScanner(m *Manager) *Scanner {
	return &Scanner{m: m}
}

var _ models.Scanner = (*Scanner)(nil)

func (s *Scanner) Scan(ctx context.Context, imageRef string, out io.Writer) ([]models.Finding, error) {
	ec, err := s.m.Acquire(ctx, RoleScan, WithArtifacts(imageRef))
	if err != nil {
		return nil, err
	}
	defer s.m.Release(context.WithoutCancel(ctx), ec)

	var buf bytes.Buffer
	cmd := fmt.Sprintf(
		"trivy image --input %s/image.tar --format json --quiet", artifactsDir,
	)
	if err := s.m.Exec(ctx, ec, cmd, io.MultiWriter(out, &buf)); err != nil {
		return nil, err
	}

	return parseFindings(&buf)
}

// parseFindings picks the severity-classified vulnerability list out
// of the scanner's json report. The report arrives interleaved with
// the container's log stream, so scan line by line for the document.
func parseFindings(r io.Reader) ([]models.Finding, error) {
	type vuln struct {
		VulnerabilityID string `json:"VulnerabilityID"`
		Severity        string `json:"Severity"`
		Title           string `json:"Title"`
	}
	type result struct {
		Vulnerabilities []vuln `json:"Vulnerabilities"`
	}
	type report struct {
		Results []result `json:"Results"`
	}

	var rep report
	found := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &rep); err == nil {
			found = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no scan report in output")
	}

	var findings []models.Finding
	for _, res := range rep.Results {
		for _, v := range res.Vulnerabilities {
			findings = append(findings, models.Finding{
				ID:       v.VulnerabilityID,
				Severity: models.Severity(strings.ToLower(v.Severity)),
				Summary:  v.Title,
			})
		}
	}
	return findings, nil
}

type Registry struct {
	m *Manager
}

func NewRegistry(m *Manager) *Registry {
	return &Registry{m: m}
}

var _ models.Registry = (*Registry)(nil)

func (r *Registry) Push(ctx context.Context, imageRef string, out io.Writer) error {
	ec, err := r.m.Acquire(ctx, RolePublish, WithArtifacts(imageRef))
	if err != nil {
		return err
	}
	defer r.m.Release(context.WithoutCancel(ctx), ec)

	// crane refuses to overwrite an existing tag when the registry
	// enforces immutability; that failure is surfaced as-is.
	cmd := fmt.Sprintf("crane push %s/image.tar %s", artifactsDir, shellQuote(imageRef))
	return r.m.Exec(ctx, ec, cmd, out)
}

type Analyzer struct {
	m *Manager
}

func NewAnalyzer(m *Manager) *Analyzer {
	return &Analyzer{m: m}
}

var _ models.Analyzer = (*Analyzer)(nil)

func (a *Analyzer) Analyze(ctx context.Context, repoURL, revision, tool string, out io.Writer) error {
	ec, err := a.m.Acquire(ctx, RoleAnalysis)
	if err != nil {
		return err
	}
	defer a.m.Release(context.WithoutCancel(ctx), ec)

	cmd := fmt.Sprintf(
		"pip install --quiet %s && git clone %s src && cd src && git checkout --quiet %s && %s .",
		tool, shellQuote(repoURL), shellQuote(revision), tool,
	)
	return a.m.Exec(ctx, ec, cmd, out)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
