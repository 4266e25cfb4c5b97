package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const jobColumns = `id, site_id, status, priority, started_at, completed_at, error_message, metadata, created_at, updated_at`

const insertJobQuery = `
INSERT INTO crawl_jobs (id, site_id, status, priority, metadata, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, '{}'::jsonb, $4, $4)`

// Enqueue inserts a pending job for an existing site.
func (s *Store) Enqueue(ctx context.Context, siteID string, priority int) (analysis.CrawlJob, error) {
	if _, err := s.GetSite(ctx, siteID); err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("enqueue: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("job id: %w", err)
	}
	now := s.clock.Now()
	if _, err := s.pool.Exec(ctx, insertJobQuery, id, siteID, priority, now); err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("insert crawl job: %w", err)
	}
	return newPendingJob(id, siteID, priority, now), nil
}

func newPendingJob(id, siteID string, priority int, now time.Time) analysis.CrawlJob {
	return analysis.CrawlJob{
		ID:        id,
		SiteID:    siteID,
		Status:    analysis.JobStatusPending,
		Priority:  priority,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// claimQuery picks one pending row, skipping rows another claimer has locked,
// and re-checks the status in the outer UPDATE so a lost race updates nothing.
func (s *Store) claimQuery() string {
	direction := "ASC"
	if s.order == analysis.PriorityDescending {
		direction = "DESC"
	}
	return `
UPDATE crawl_jobs
SET status = 'running', started_at = $1, updated_at = $1
WHERE id = (
	SELECT id FROM crawl_jobs
	WHERE status = 'pending'
	ORDER BY priority ` + direction + `, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING ` + jobColumns
}

// ClaimNext moves the next pending job to running.
func (s *Store) ClaimNext(ctx context.Context) (analysis.CrawlJob, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, s.claimQuery(), s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.CrawlJob{}, false, nil
	}
	if err != nil {
		return analysis.CrawlJob{}, false, fmt.Errorf("claim crawl job: %w", err)
	}
	return job, true, nil
}

const markCompletedQuery = `
UPDATE crawl_jobs
SET status = 'completed', completed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'running'`

const markFailedQuery = `
UPDATE crawl_jobs
SET status = 'failed', completed_at = $2, updated_at = $2, error_message = $3
WHERE id = $1 AND status = 'running'`

// MarkCompleted transitions a running job to completed.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, markCompletedQuery, jobID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rejectedTransition(ctx, s.pool, jobID, analysis.JobStatusCompleted)
	}
	return nil
}

// MarkFailed transitions a running job to failed and records the error text.
func (s *Store) MarkFailed(ctx context.Context, jobID string, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, markFailedQuery, jobID, s.clock.Now(), errorMessage)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rejectedTransition(ctx, s.pool, jobID, analysis.JobStatusFailed)
	}
	return nil
}

// rejectedTransition explains why a guarded UPDATE matched no row.
func rejectedTransition(ctx context.Context, q querier, jobID string, to analysis.JobStatus) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return analysis.TransitionError(jobID, analysis.JobStatus(status), to)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (analysis.CrawlJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.CrawlJob{}, analysis.ErrJobNotFound
	}
	if err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (analysis.CrawlJob, error) {
	var (
		job      analysis.CrawlJob
		status   string
		metadata []byte
	)
	err := row.Scan(
		&job.ID,
		&job.SiteID,
		&status,
		&job.Priority,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&metadata,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return analysis.CrawlJob{}, err
	}
	job.Status = analysis.JobStatus(status)
	job.Metadata, err = unmarshalJSON(metadata)
	if err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("job metadata: %w", err)
	}
	return job, nil
}
