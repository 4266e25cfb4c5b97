package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

func TestCompleteWithReportIsUniquePerJob(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	job, err := store.Enqueue(ctx, site.ID, 0)
	require.NoError(t, err)
	_, ok, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := store.CompleteWithReport(ctx, job.ID, analysis.Report{Title: "Analysis of Example"})
	require.NoError(t, err)
	require.NotEmpty(t, report.ID)
	require.Equal(t, site.ID, report.SiteID)
	require.Equal(t, job.ID, *report.CrawlJobID)
	require.Equal(t, analysis.ReportStatusCompleted, report.Status)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = store.CompleteWithReport(ctx, job.ID, analysis.Report{Title: "again"})
	require.ErrorIs(t, err, analysis.ErrReportExists)
	require.Equal(t, 1, store.ReportCount(job.ID))
}

func TestCompleteWithReportRequiresRunningJob(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	job, err := store.Enqueue(ctx, site.ID, 0)
	require.NoError(t, err)

	_, err = store.CompleteWithReport(ctx, job.ID, analysis.Report{Title: "early"})
	require.ErrorIs(t, err, analysis.ErrInvalidTransition)
	require.Zero(t, store.ReportCount(""))

	_, err = store.CompleteWithReport(ctx, "missing", analysis.Report{})
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestListReportsPagination(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		completeJob(t, store, site.ID)
	}

	cases := []struct {
		offset  int
		wantLen int
	}{
		{offset: 0, wantLen: 10},
		{offset: 10, wantLen: 10},
		{offset: 20, wantLen: 5},
		{offset: 30, wantLen: 0},
	}
	for _, tc := range cases {
		page, total, err := store.ListReports(ctx, analysis.ReportQuery{TeamID: "team-1", Limit: 10, Offset: tc.offset})
		require.NoError(t, err)
		require.Equal(t, 25, total)
		require.Len(t, page, tc.wantLen, "offset %d", tc.offset)
	}

	page, _, err := store.ListReports(ctx, analysis.ReportQuery{TeamID: "team-1", Limit: 3})
	require.NoError(t, err)
	require.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "expected newest first")
	require.Equal(t, site.URL, page[0].Site.URL)

	other, total, err := store.ListReports(ctx, analysis.ReportQuery{TeamID: "team-2", Limit: 10})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, other)
}

func TestGetReportScopedToTeam(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	report := completeJob(t, store, site.ID)

	detail, err := store.GetReport(ctx, "team-1", report.ID)
	require.NoError(t, err)
	require.Equal(t, report.ID, detail.ID)
	require.Equal(t, "Example", detail.Site.Name)
	require.NotNil(t, detail.CrawlJob)
	require.Equal(t, analysis.JobStatusCompleted, detail.CrawlJob.Status)

	_, err = store.GetReport(ctx, "team-2", report.ID)
	require.ErrorIs(t, err, analysis.ErrNotFound)
	_, err = store.GetReport(ctx, "team-1", "missing")
	require.ErrorIs(t, err, analysis.ErrNotFound)
}

func TestIntakeReusesSiteAndRecordsUsage(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()

	res, err := store.Intake(ctx, analysis.IntakeRequest{
		TeamID: "team-1",
		UserID: "user-1",
		URL:    site.URL,
		Name:   "ignored",
	})
	require.NoError(t, err)
	require.False(t, res.SiteCreated)
	require.Equal(t, site.ID, res.Site.ID)
	require.Equal(t, analysis.JobStatusPending, res.Job.Status)
	require.Equal(t, analysis.DefaultPriority, res.Job.Priority)

	events := store.UsageEvents()
	last := events[len(events)-1]
	require.Equal(t, analysis.UsageCrawlStarted, last.EventType)
	require.Equal(t, "user-1", *last.UserID)
	require.Equal(t, map[string]any{"url": site.URL, "crawlJobId": res.Job.ID}, last.Metadata)

	count, err := store.CountUsage(ctx, "team-1", analysis.UsageCrawlStarted, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestIntakeStrictQuota(t *testing.T) {
	t.Parallel()

	store, _ := newSeededStore(t)
	ctx := context.Background()
	req := analysis.IntakeRequest{
		TeamID:       "team-1",
		URL:          "https://other.example.com",
		QuotaCeiling: 2,
	}

	_, err := store.Intake(ctx, req)
	require.NoError(t, err)
	_, err = store.Intake(ctx, req)
	require.True(t, errors.Is(err, analysis.ErrQuotaExceeded))

	count, err := store.CountUsage(ctx, "team-1", analysis.UsageCrawlStarted, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestTeamForUser(t *testing.T) {
	t.Parallel()

	store, _ := newSeededStore(t)
	store.PutTeam(analysis.Team{ID: "team-2"}, "user-1", "user-2")

	team, err := store.TeamForUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "team-1", team.ID)
	team, err = store.TeamForUser(context.Background(), "user-2")
	require.NoError(t, err)
	require.Equal(t, "team-2", team.ID)
	_, err = store.TeamForUser(context.Background(), "nobody")
	require.ErrorIs(t, err, analysis.ErrNoTeam)
}

func completeJob(t *testing.T, store *Store, siteID string) analysis.Report {
	t.Helper()
	ctx := context.Background()
	job, err := store.Enqueue(ctx, siteID, 0)
	require.NoError(t, err)
	claimed, ok, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	report, err := store.CompleteWithReport(ctx, job.ID, analysis.Report{Title: "r"})
	require.NoError(t, err)
	return report
}
