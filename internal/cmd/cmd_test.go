package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/internal/server"
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/report"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the command line with fresh flag values and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfgFile = ""
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// writePond writes a manifest of one 30 frame video with a perch resting in view
// and returns manifest path
func writePond(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var replay strings.Builder
	for frame := 0; frame < 30; frame++ {
		fmt.Fprintf(&replay, `{"frame": %d, "detections": [{"x1": 100, "y1": 100, "x2": 140, "y2": 120, "label": "perch", "confidence": 0.8}]}`+"\n", frame)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pond.jsonl"), []byte(replay.String()), 0o644))
	manifest := `name: pond
videos:
  - id: cam1_20240501_100000
    path: videos/cam1_20240501_100000.mp4
    start: 2024-05-01T10:00:00Z
    fps: 10
    frames: 30
detector:
  backend: replay
  replay_path: pond.jsonl
tracker:
  min_hits: 3
  max_age: 5
  max_age_tentative: 1
`
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writePond(t)
	dir := filepath.Dir(path)

	spec, err := loadManifest(path, pipeline.DefaultJobSpec())
	require.NoError(t, err)
	assert.Equal(t, "pond", spec.Name)
	assert.Equal(t, detect.BackendReplay, spec.Detector.Backend)
	assert.Equal(t, filepath.Join(dir, "pond.jsonl"), spec.Detector.ReplayPath)
	require.Len(t, spec.Videos, 1)
	assert.Equal(t, filepath.Join(dir, "videos", "cam1_20240501_100000.mp4"), spec.Videos[0].Path)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), spec.Videos[0].Start.UTC())
	assert.Equal(t, 5, spec.Tracker.MaxAge)
	// Untouched sections keep defaults
	assert.Equal(t, pipeline.DefaultJobSpec().Cadence, spec.Cadence)
	assert.Equal(t, 0.3, spec.Tracker.IoUThreshold)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("name: pond\nvideoz: []\n"), 0o644))
	_, err = loadManifest(unknown, pipeline.DefaultJobSpec())
	assert.Error(t, err)

	_, err = loadManifest(filepath.Join(dir, "missing.yaml"), pipeline.DefaultJobSpec())
	assert.Error(t, err)
}

func TestAPIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(server.ErrorBody{Error: server.ErrorDetail{Code: "NOT_FOUND", Message: "job not found"}})
		case "/jobs/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream is down"))
		default:
			assert.Equal(t, "true", r.URL.Query().Get("start"))
			_ = json.NewEncoder(w).Encode(pipeline.Job{ID: "j1", Status: pipeline.StatusRunning})
		}
	}))
	defer srv.Close()

	client := newAPIClient(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	ctx := context.Background()

	var job pipeline.Job
	require.NoError(t, client.do(ctx, http.MethodPost, "/jobs", map[string][]string{"start": {"true"}}, pipeline.DefaultJobSpec(), &job))
	assert.Equal(t, "j1", job.ID)

	err := client.do(ctx, http.MethodGet, "/jobs/missing", nil, nil, &job)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "job not found", apiErr.Message)

	err = client.do(ctx, http.MethodGet, "/jobs/broken", nil, nil, &job)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNKNOWN", apiErr.Code)
	assert.Equal(t, "upstream is down", apiErr.Message)
}

func TestRunRequiresManifestOrResume(t *testing.T) {
	storeDir := t.TempDir()
	_, err := execute(t, "--store-driver", "file", "--store", storeDir, "run")
	assert.Error(t, err)
	_, err = execute(t, "--store-driver", "file", "--store", storeDir, "run", "-f", "job.yaml", "--resume", "abc")
	assert.Error(t, err)
}

func TestRunThenQuery(t *testing.T) {
	manifest := writePond(t)
	storeArgs := []string{"--log-level", "error", "--store-driver", "file", "--store", filepath.Join(t.TempDir(), "jobs")}

	out, err := execute(t, append(storeArgs, "run", "-f", manifest, "--json")...)
	require.NoError(t, err)
	var job pipeline.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job), out)
	require.Equal(t, pipeline.StatusDone, job.Status, job.Error)
	assert.Equal(t, int64(1), job.Objects)
	assert.Equal(t, int64(30), job.Progress.FramesDone)

	out, err = execute(t, append(storeArgs, "objects", "list", "--job", job.ID, "--json")...)
	require.NoError(t, err)
	var page report.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page), out)
	require.Equal(t, 1, page.Total)
	record := page.Items[0]
	assert.Equal(t, "perch", record.Label)
	assert.InDelta(t, 0.8, record.Probability, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), record.TimeIn)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 2, 900_000_000, time.UTC), record.TimeOut)
	assert.Equal(t, []string{"cam1_20240501_100000"}, record.VideoIDs)

	out, err = execute(t, append(storeArgs, "objects", "list", "--label", "pike")...)
	require.NoError(t, err)
	assert.Contains(t, out, "of 0")

	out, err = execute(t, append(storeArgs, "report", "stats", job.ID, "--json")...)
	require.NoError(t, err)
	var stats report.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats), out)
	assert.Equal(t, map[string]int{"perch": 1}, stats.Labels)

	chart := filepath.Join(t.TempDir(), "chart.png")
	_, err = execute(t, append(storeArgs, "report", "chart", job.ID, "--format", "png", "-o", chart)...)
	require.NoError(t, err)
	data, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	// A finished job can't be continued
	_, err = execute(t, append(storeArgs, "run", "--resume", job.ID)...)
	assert.Error(t, err)

	_, err = execute(t, append(storeArgs, "report", "stats", "no-such-job")...)
	assert.ErrorIs(t, err, pipeline.ErrJobNotFound)
}

func TestMigrateCommands(t *testing.T) {
	storeArgs := []string{"--store-driver", "sqlite", "--store", filepath.Join(t.TempDir(), "motpipe.db")}

	out, err := execute(t, append(storeArgs, "migrate", "up")...)
	require.NoError(t, err)
	assert.Equal(t, "Schema version: 1\n", out)

	out, err = execute(t, append(storeArgs, "migrate", "down")...)
	require.NoError(t, err)
	assert.Equal(t, "Schema version: 0\n", out)

	_, err = execute(t, "--store-driver", "file", "--store", t.TempDir(), "migrate", "version")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2024-05-01")
	defer SetVersionInfo("dev", "none", "unknown")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "motpipe 1.2.3 (commit abc123, built 2024-05-01)\n", out)
}
