package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/scheduler"
)

type fakeRuntime struct {
	summary  scheduler.Summary
	runErr   error
	enqueued []string
	priority int
	served   bool
	worked   bool
	closed   int
	cfg      config.Config
}

func (f *fakeRuntime) Serve(context.Context) error     { f.served = true; return nil }
func (f *fakeRuntime) RunWorker(context.Context) error { f.worked = true; return nil }
func (f *fakeRuntime) RunOnce(context.Context) (scheduler.Summary, error) {
	return f.summary, f.runErr
}

func (f *fakeRuntime) Enqueue(_ context.Context, siteID string, priority int) (analysis.CrawlJob, error) {
	f.enqueued = append(f.enqueued, siteID)
	f.priority = priority
	return analysis.CrawlJob{ID: "job-1", SiteID: siteID, Status: analysis.JobStatusPending, Priority: priority}, nil
}

func (f *fakeRuntime) Close(context.Context) error { f.closed++; return nil }

func useFakeRuntime(t *testing.T, rt *fakeRuntime) {
	t.Helper()
	orig := newRuntime
	newRuntime = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runtime, error) {
		rt.cfg = cfg
		return rt, nil
	}
	t.Cleanup(func() { newRuntime = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestWorkerRunOncePrintsSummary(t *testing.T) {
	rt := &fakeRuntime{summary: scheduler.Summary{Claimed: 2, Completed: 1, Failed: 1}}
	useFakeRuntime(t, rt)

	out, err := execute(t, "worker", "run-once")
	require.NoError(t, err)

	var got scheduler.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.Claimed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, rt.closed)
}

func TestWorkerRunOnceReturnsPassError(t *testing.T) {
	rt := &fakeRuntime{runErr: errors.New("run worker: claim next job: connection refused")}
	useFakeRuntime(t, rt)

	out, err := execute(t, "worker", "run-once")
	require.EqualError(t, err, "run worker: claim next job: connection refused")
	assert.Contains(t, out, `"claimed": 0`)
	assert.Equal(t, 1, rt.closed, "runtime is closed even when the pass fails")
}

func TestServeAndWorkerRun(t *testing.T) {
	rt := &fakeRuntime{}
	useFakeRuntime(t, rt)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	_, err = execute(t, "worker", "run")
	require.NoError(t, err)

	assert.True(t, rt.served)
	assert.True(t, rt.worked)
	assert.Equal(t, 2, rt.closed)
}

func TestJobsEnqueue(t *testing.T) {
	rt := &fakeRuntime{}
	useFakeRuntime(t, rt)

	out, err := execute(t, "jobs", "enqueue", "--site-id", "site-9", "--priority", "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"site-9"}, rt.enqueued)
	assert.Equal(t, 3, rt.priority)
	assert.Contains(t, out, `"site_id": "site-9"`)

	_, err = execute(t, "jobs", "enqueue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site-id")
}

func TestConfigFlagIsApplied(t *testing.T) {
	rt := &fakeRuntime{}
	useFakeRuntime(t, rt)

	path := writeConfig(t, "server:\n  port: 9191\nlogging:\n  development: false\n")
	_, err := execute(t, "--config", path, "serve")
	require.NoError(t, err)
	assert.Equal(t, 9191, rt.cfg.Server.Port)

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestMigrate(t *testing.T) {
	orig := migrate
	t.Cleanup(func() { migrate = orig })

	var gotDSN string
	migrate = func(_ context.Context, dsn string) error {
		gotDSN = dsn
		return nil
	}

	_, err := execute(t, "migrate")
	require.EqualError(t, err, "migrate requires db.backend=postgres")

	path := writeConfig(t, "db:\n  backend: postgres\n  dsn: postgres://analyzer@localhost/analyzer\n")
	_, err = execute(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "postgres://analyzer@localhost/analyzer", gotDSN)
}

func TestRuntimeInitFailure(t *testing.T) {
	orig := newRuntime
	t.Cleanup(func() { newRuntime = orig })
	newRuntime = func(context.Context, config.Config, *zap.Logger) (Runtime, error) {
		return nil, errors.New("connect postgres: refused")
	}

	_, err := execute(t, "worker", "run-once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}
