package gitops

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deployFile = "deploy/dev.yaml"

// seedRemote builds a bare repository holding one commit with the
// deployment file, reachable by plain path, and returns its location.
func seedRemote(t *testing.T) string {
	t.Helper()

	bareDir := t.TempDir()
	_, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)

	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)

	writeFile(t, repo, deployFile, deployDoc, "initial deployment state")

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{bareDir},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: "origin"}))

	return bareDir
}

func writeFile(t *testing.T, repo *git.Repository, path, content, msg string) plumbing.Hash {
	t.Helper()

	w, err := repo.Worktree()
	require.NoError(t, err)

	f, err := w.Filesystem.Create(path)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = w.Add(path)
	require.NoError(t, err)

	hash, err := w.Commit(msg, &git.CommitOptions{
		Author:            &object.Signature{Name: "seed", Email: "seed@test", When: time.Now()},
		AllowEmptyCommits: true,
	})
	require.NoError(t, err)
	return hash
}

// pushCompeting lands an unrelated commit on the remote, simulating a
// concurrent writer.
func pushCompeting(t *testing.T, remote string) {
	t.Helper()

	repo, err := git.Clone(memory.NewStorage(), memfs.New(), &git.CloneOptions{URL: remote})
	require.NoError(t, err)

	writeFile(t, repo, "deploy/stg.yaml", "image:\n  tag: 9-ffffffff\n", "concurrent update")
	require.NoError(t, repo.Push(&git.PushOptions{}))
}

func remoteState(t *testing.T, remote string) (tag string, commits int, headMsg string) {
	t.Helper()

	repo, err := git.Clone(memory.NewStorage(), memfs.New(), &git.CloneOptions{URL: remote})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	headMsg = commit.Message

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	require.NoError(t, iter.ForEach(func(*object.Commit) error {
		commits++
		return nil
	}))

	w, err := repo.Worktree()
	require.NoError(t, err)
	f, err := w.Filesystem.Open(deployFile)
	require.NoError(t, err)
	defer f.Close()
	raw, err := io.ReadAll(f)
	require.NoError(t, err)

	_, tag, err = RewriteField(raw, "image.tag", "probe")
	require.NoError(t, err)
	return tag, commits, headMsg
}

func testMutation(remote string) Mutation {
	return Mutation{
		RepoURL:     remote,
		Branch:      "master",
		FilePath:    deployFile,
		FieldPath:   "image.tag",
		NewValue:    "42-abcdef12",
		BuildNumber: 42,
		Revision:    "abcdef1234",
		ImageRef:    "registry.example.com/weather/app/dev:42-abcdef12",
	}
}

func TestApply(t *testing.T) {
	remote := seedRemote(t)
	m := NewMutator(context.Background(), "windlass", "windlass@localhost", 3)

	rev, err := m.Apply(context.Background(), testMutation(remote))
	require.NoError(t, err)
	assert.NotEmpty(t, rev)

	tag, commits, msg := remoteState(t, remote)
	assert.Equal(t, "42-abcdef12", tag)
	assert.Equal(t, 2, commits)
	assert.Contains(t, msg, "update image.tag to 42-abcdef12")
	assert.Contains(t, msg, "build: 42")
	assert.Contains(t, msg, "revision: abcdef1234")
	assert.Contains(t, msg, "image: registry.example.com/weather/app/dev:42-abcdef12")
}

func TestApplyIdempotent(t *testing.T) {
	remote := seedRemote(t)
	m := NewMutator(context.Background(), "windlass", "windlass@localhost", 3)

	first, err := m.Apply(context.Background(), testMutation(remote))
	require.NoError(t, err)

	// same mutation again: detected as a no-op before committing
	second, err := m.Apply(context.Background(), testMutation(remote))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, commits, _ := remoteState(t, remote)
	assert.Equal(t, 2, commits, "exactly one committed change")
}

func TestApplyConflictRetry(t *testing.T) {
	remote := seedRemote(t)
	m := NewMutator(context.Background(), "windlass", "windlass@localhost", 3)
	m.beforePush = func(attempt uint) {
		if attempt == 0 {
			pushCompeting(t, remote)
		}
	}

	_, err := m.Apply(context.Background(), testMutation(remote))
	require.NoError(t, err)

	tag, commits, msg := remoteState(t, remote)
	assert.Equal(t, "42-abcdef12", tag)
	// seed + competing + exactly one tag update
	assert.Equal(t, 3, commits)
	assert.Contains(t, msg, "update image.tag to 42-abcdef12", "tag update lands on top")
}

func TestApplyRetriesExhausted(t *testing.T) {
	remote := seedRemote(t)
	m := NewMutator(context.Background(), "windlass", "windlass@localhost", 1)
	m.beforePush = func(uint) {
		pushCompeting(t, remote)
	}

	_, err := m.Apply(context.Background(), testMutation(remote))
	assert.Error(t, err, "exceeding the retry bound is a reported failure")
}

func TestApplyMissingFile(t *testing.T) {
	remote := seedRemote(t)
	m := NewMutator(context.Background(), "windlass", "windlass@localhost", 1)

	mut := testMutation(remote)
	mut.FilePath = "deploy/missing.yaml"
	_, err := m.Apply(context.Background(), mut)
	assert.Error(t, err)
}
