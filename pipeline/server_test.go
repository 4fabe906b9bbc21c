package pipeline

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windlass.sh/core/pipeline/db"
	"windlass.sh/core/pipeline/models"
	"windlass.sh/core/pipeline/notifier"
)

func testServer(t *testing.T) (*Server, *db.DB, *notifier.Notifier) {
	t.Helper()

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	s := &Server{
		db: d,
		n:  &n,
		l:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s, d, &n
}

func TestWatchRunStreamsTransitions(t *testing.T) {
	s, d, n := testServer(t)

	run := &models.PipelineRun{
		ID: "run-1", Branch: "dev", Revision: "abcdef1234",
		BuildNumber: 1, Environment: models.EnvDev,
	}
	require.NoError(t, d.CreateRun(run, n))

	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/run-1/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snapshots := make(chan models.PipelineRun)
	go func() {
		defer close(snapshots)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var got models.PipelineRun
			if json.Unmarshal(scanner.Bytes(), &got) == nil {
				snapshots <- got
			}
		}
	}()

	next := func() models.PipelineRun {
		select {
		case got, ok := <-snapshots:
			require.True(t, ok, "stream ended early")
			return got
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot arrived")
			return models.PipelineRun{}
		}
	}

	// the first snapshot arrives only after the watcher subscribed, so
	// every transition below is observed, not raced
	assert.Equal(t, models.RunPending, next().Status)

	require.NoError(t, d.MarkRunRunning("run-1", n))
	assert.Equal(t, models.RunRunning, next().Status)

	now := time.Now()
	require.NoError(t, d.AddStageResult("run-1", models.StageResult{
		Stage: "build", Status: models.StageSucceeded,
		StartedAt: now, FinishedAt: now,
	}, n))
	assert.Len(t, next().Results, 1)

	require.NoError(t, d.MarkRunSucceeded("run-1", n))
	assert.Equal(t, models.RunSucceeded, next().Status)

	_, open := <-snapshots
	assert.False(t, open, "stream closes once the run is terminal")
}

func TestWatchRunUnknown(t *testing.T) {
	s, _, _ := testServer(t)

	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/nope/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
