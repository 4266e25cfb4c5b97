package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/site-analyzer/internal/storage/memory"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

func TestBuildAppliesDefaults(t *testing.T) {
	t.Parallel()

	site := analysis.Site{ID: "site-1", URL: "https://example.com"}
	report := Build(site, analysis.ExecutionResult{}, testNow)
	require.Equal(t, "Analysis of https://example.com", report.Title)
	require.Equal(t, "Comprehensive analysis of https://example.com", report.Summary)
	require.Equal(t, "https://example.com", report.Data["url"])
	require.Equal(t, "2024-05-01T09:30:00Z", report.Data["timestamp"])
	require.Equal(t, analysis.ReportStatusCompleted, report.Status)

	site.Name = "Example"
	report = Build(site, analysis.ExecutionResult{
		Summary: "custom",
		Data:    map[string]any{"metrics": map[string]any{"score": 80}},
	}, testNow)
	require.Equal(t, "Analysis of Example", report.Title)
	require.Equal(t, "custom", report.Summary)
	require.Contains(t, report.Data, "metrics")
}

func TestWriteCompletesJobOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, job, site := runningJob(t)
	blobs := memory.NewBlobStore()
	writer, err := NewWriter(store, store, fixedClock{}, zap.NewNop(),
		WithArchive(blobs, "/artifacts/"),
		WithHasher(sha256.New()),
	)
	require.NoError(t, err)

	report, err := writer.Write(ctx, job, site, analysis.ExecutionResult{Title: "SEO audit"})
	require.NoError(t, err)
	require.Equal(t, "SEO audit", report.Title)
	require.Equal(t, job.ID, *report.CrawlJobID)
	require.Equal(t, "memory://artifacts/"+site.ID+"/"+job.ID+".json", report.ArtifactURI)
	require.NotEmpty(t, report.Data["artifactSha256"])

	raw, contentType, ok := blobs.Object("artifacts/" + site.ID + "/" + job.ID + ".json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var archived map[string]any
	require.NoError(t, json.Unmarshal(raw, &archived))
	require.Equal(t, job.ID, archived["crawlJobId"])

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusCompleted, stored.Status)

	count, err := store.CountUsage(ctx, site.TeamID, analysis.UsageReportGenerated, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = writer.Write(ctx, job, site, analysis.ExecutionResult{})
	require.Error(t, err)
	require.Equal(t, 1, store.ReportCount(job.ID))
}

func TestWriteSurvivesArchiveFailure(t *testing.T) {
	t.Parallel()

	store, job, site := runningJob(t)
	writer, err := NewWriter(store, nil, fixedClock{}, nil, WithArchive(failingBlobs{}, ""))
	require.NoError(t, err)

	report, err := writer.Write(context.Background(), job, site, analysis.ExecutionResult{})
	require.NoError(t, err)
	require.Empty(t, report.ArtifactURI)
	require.Equal(t, 1, store.ReportCount(job.ID))
}

func TestNewWriterValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(nil, nil, fixedClock{}, nil)
	require.Error(t, err)
	_, err = NewWriter(memory.NewStore(), nil, nil, nil)
	require.Error(t, err)

	w, err := NewWriter(memory.NewStore(), nil, fixedClock{}, nil)
	require.NoError(t, err)
	require.Equal(t, "reports/s/j.json", w.ArtifactPath("s", "j"))
}

func runningJob(t *testing.T) (*memory.Store, analysis.CrawlJob, analysis.Site) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	res, err := store.Intake(ctx, analysis.IntakeRequest{TeamID: "team-1", URL: "https://example.com"})
	require.NoError(t, err)
	job, ok, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return store, job, res.Site
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
