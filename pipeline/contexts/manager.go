// Package contexts provisions the isolated environments stage steps
// run in: one Docker volume + network + pulled tool image per
// acquisition, with a role-scoped credential leased for exactly the
// context's lifetime. Release tears everything down on every exit
// path, including failure and timeout.
package contexts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline/models"
)

const (
	workspaceDir = "/windlass/workspace"

	// artifactsDir is a run-scoped volume shared by the build, scan
	// and publish contexts so the built image tarball can travel
	// between stages. Live contexts themselves are never shared.
	artifactsDir = "/windlass/artifacts"
)

type cleanupFunc func(context.Context) error

type ExecutionContext struct {
	ID   string
	Role string

	image       string
	env         []string
	cred        models.Credential
	nanoCPUs    int64
	memoryMB    int64
	artifactKey string
}

type AcquireOpt func(*ExecutionContext)

// WithArtifacts mounts the named run-scoped artifact volume into the
// context. Contexts of one run pass the same key; the volume outlives
// them and is removed by ReleaseArtifacts at run end.
func WithArtifacts(key string) AcquireOpt {
	return func(ec *ExecutionContext) {
		ec.artifactKey = key
	}
}

type Manager struct {
	docker    client.APIClient
	creds     models.CredentialSource
	templates map[string]Template
	l         *slog.Logger

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

func NewManager(ctx context.Context, creds models.CredentialSource, templates map[string]Template) (*Manager, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("component", "contexts")

	return &Manager{
		docker:    dcli,
		creds:     creds,
		templates: templates,
		l:         l,
		cleanup:   make(map[string][]cleanupFunc),
	}, nil
}

// Acquire provisions an isolated environment for a role. Any failure
// mid-provision tears down what was already created; a half-built
// context is never returned.
func (m *Manager) Acquire(ctx context.Context, role string, opts ...AcquireOpt) (*ExecutionContext, error) {
	tpl, ok := m.templates[role]
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrProvision, role)
	}

	ec := &ExecutionContext{
		ID:       uuid.NewString(),
		Role:     role,
		image:    tpl.Image,
		nanoCPUs: tpl.NanoCPUs,
		memoryMB: tpl.MemoryMB,
	}
	for k, v := range tpl.Env {
		ec.env = append(ec.env, k+"="+v)
	}
	for _, opt := range opts {
		opt(ec)
	}

	fail := func(err error) (*ExecutionContext, error) {
		_ = m.Release(context.WithoutCancel(ctx), ec)
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	if tpl.CredentialRole != "" {
		cred, err := m.creds.Issue(ctx, tpl.CredentialRole)
		if err != nil {
			return fail(err)
		}
		ec.cred = cred
		m.registerCleanup(ec.ID, func(ctx context.Context) error {
			return m.creds.Revoke(ctx, cred.LeaseID)
		})
		for k, v := range cred.Env {
			ec.env = append(ec.env, k+"="+v)
		}
	}

	_, err := m.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(ec.ID),
		Driver: "local",
	})
	if err != nil {
		return fail(err)
	}
	m.registerCleanup(ec.ID, func(ctx context.Context) error {
		return m.docker.VolumeRemove(ctx, workspaceVolume(ec.ID), true)
	})

	_, err = m.docker.NetworkCreate(ctx, networkName(ec.ID), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fail(err)
	}
	m.registerCleanup(ec.ID, func(ctx context.Context) error {
		return m.docker.NetworkRemove(ctx, networkName(ec.ID))
	})

	if ec.artifactKey != "" {
		// idempotent: a later context of the same run reuses it
		_, err := m.docker.VolumeCreate(ctx, volume.CreateOptions{
			Name:   artifactVolume(ec.artifactKey),
			Driver: "local",
		})
		if err != nil {
			return fail(err)
		}
	}

	reader, err := m.docker.ImagePull(ctx, tpl.Image, image.PullOptions{})
	if err != nil {
		m.l.Error("image pull failed", "image", tpl.Image, "role", role, "error", err.Error())
		return fail(fmt.Errorf("pulling image: %w", err))
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	m.l.Info("acquired context", "role", role, "id", ec.ID)
	return ec, nil
}

// Release tears down everything Acquire registered, in order:
// credential revocation, volume, network. Errors are logged and do
// not stop the remaining cleanups.
func (m *Manager) Release(ctx context.Context, ec *ExecutionContext) error {
	m.cleanupMu.Lock()
	fns := m.cleanup[ec.ID]
	delete(m.cleanup, ec.ID)
	m.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			m.l.Error("failed to release context resource", "id", ec.ID, "error", err)
		}
	}
	return nil
}

// Exec runs one command inside the context and streams its combined
// output to out. A non-zero exit code is ErrStepFailed; timeouts
// arrive through ctx and surface as ErrTimedOut after the container
// has been destroyed.
func (m *Manager) Exec(ctx context.Context, ec *ExecutionContext, cmd string, out io.Writer) error {
	resp, err := m.docker.ContainerCreate(ctx, &container.Config{
		Image:      ec.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "windlass",
		Env:        append([]string{"HOME=" + workspaceDir}, ec.env...),
	}, hostConfig(ec), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer m.destroy(context.WithoutCancel(ctx), resp.ID)

	err = m.docker.NetworkConnect(ctx, networkName(ec.ID), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	m.l.Info("started container", "name", resp.ID, "role", ec.Role)

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- m.tail(ctx, resp.ID, out)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = m.wait(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-ctx.Done():
		m.l.Warn("step timed out; killing container", "container", resp.ID, "role", ec.Role)
		if err := m.destroy(context.Background(), resp.ID); err != nil {
			m.l.Error("failed to destroy container", "container", resp.ID, "error", err)
		}

		<-waitDone
		<-tailDone

		return ErrTimedOut
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 {
		m.l.Error("step failed", "role", ec.Role, "exit_code", state.ExitCode, "error", state.Error)
		if state.OOMKilled {
			return ErrOOMKilled
		}
		return fmt.Errorf("%w: exit code %d", ErrStepFailed, state.ExitCode)
	}

	return nil
}

func (m *Manager) wait(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := m.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := m.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (m *Manager) tail(ctx context.Context, containerID string, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	logs, err := m.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(out, out, logs)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (m *Manager) destroy(ctx context.Context, containerID string) error {
	err := m.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := m.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (m *Manager) registerCleanup(id string, fn cleanupFunc) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	m.cleanup[id] = append(m.cleanup[id], fn)
}

// ReleaseArtifacts removes a run's shared artifact volume. Called by
// the controller once the run is terminal, never by Release.
func (m *Manager) ReleaseArtifacts(ctx context.Context, key string) error {
	return m.docker.VolumeRemove(ctx, artifactVolume(key), true)
}

var volumeNameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func artifactVolume(key string) string {
	return "artifacts-" + volumeNameRe.ReplaceAllString(key, "-")
}

func workspaceVolume(id string) string {
	return "workspace-" + id
}

func networkName(id string) string {
	return "context-network-" + id
}

func hostConfig(ec *ExecutionContext) *container.HostConfig {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: workspaceVolume(ec.ID),
			Target: workspaceDir,
		},
		{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				Mode: 0o1777, // world-writeable sticky bit
			},
		},
	}
	if ec.artifactKey != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: artifactVolume(ec.artifactKey),
			Target: artifactsDir,
		})
	}

	return &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: ec.nanoCPUs,
			Memory:   ec.memoryMB << 20,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}
