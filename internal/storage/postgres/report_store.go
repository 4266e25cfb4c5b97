package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const completeJobQuery = `
UPDATE crawl_jobs
SET status = 'completed', completed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'running'
RETURNING site_id`

const insertReportQuery = `
INSERT INTO reports (
	id, site_id, crawl_job_id, title, summary, data, status, artifact_uri, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

// CompleteWithReport marks the job completed and inserts its report in one
// transaction. The unique crawl_job_id column rejects a second report.
func (s *Store) CompleteWithReport(
	ctx context.Context,
	jobID string,
	report analysis.Report,
) (analysis.Report, error) {
	if report.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return analysis.Report{}, fmt.Errorf("report id: %w", err)
		}
		report.ID = id
	}
	if report.Status == "" {
		report.Status = analysis.ReportStatusCompleted
	}
	data, err := marshalJSON(report.Data)
	if err != nil {
		return analysis.Report{}, fmt.Errorf("report data: %w", err)
	}
	now := s.clock.Now()

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var siteID string
		err := tx.QueryRow(ctx, completeJobQuery, jobID, now).Scan(&siteID)
		if errors.Is(err, pgx.ErrNoRows) {
			return rejectedTransition(ctx, tx, jobID, analysis.JobStatusCompleted)
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		report.SiteID = siteID
		report.CrawlJobID = analysis.StringPtr(jobID)
		_, err = tx.Exec(ctx, insertReportQuery,
			report.ID,
			report.SiteID,
			jobID,
			report.Title,
			report.Summary,
			data,
			string(report.Status),
			report.ArtifactURI,
			now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", jobID, analysis.ErrReportExists)
		}
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		return nil
	})
	if err != nil {
		return analysis.Report{}, err
	}
	report.CreatedAt = now
	report.UpdatedAt = now
	return report, nil
}

const countReportsQuery = `
SELECT count(*)
FROM reports r
JOIN sites s ON s.id = r.site_id
WHERE s.team_id = $1`

const listReportsQuery = `
SELECT r.id, r.title, r.summary, r.status, r.created_at, r.updated_at, s.id, s.url, s.name
FROM reports r
JOIN sites s ON s.id = r.site_id
WHERE s.team_id = $1
ORDER BY r.created_at DESC, r.id DESC
LIMIT $2 OFFSET $3`

// ListReports returns the team's reports newest first with the total count.
func (s *Store) ListReports(
	ctx context.Context,
	query analysis.ReportQuery,
) ([]analysis.ReportSummary, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, countReportsQuery, query.TeamID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := s.pool.Query(ctx, listReportsQuery, query.TeamID, query.Limit, max(query.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make([]analysis.ReportSummary, 0, query.Limit)
	for rows.Next() {
		var (
			item   analysis.ReportSummary
			status string
		)
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Summary,
			&status,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.Site.ID,
			&item.Site.URL,
			&item.Site.Name,
		); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		item.Status = analysis.ReportStatus(status)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate reports: %w", err)
	}
	return out, total, nil
}

const getReportQuery = `
SELECT r.id, r.site_id, r.crawl_job_id, r.title, r.summary, r.data, r.status, r.artifact_uri,
	r.created_at, r.updated_at,
	s.id, s.url, s.name, s.description,
	j.id, j.status, j.started_at, j.completed_at, j.error_message
FROM reports r
JOIN sites s ON s.id = r.site_id
LEFT JOIN crawl_jobs j ON j.id = r.crawl_job_id
WHERE r.id = $1 AND s.team_id = $2`

// GetReport returns a report owned by the team together with its site and job.
func (s *Store) GetReport(ctx context.Context, teamID string, reportID string) (analysis.ReportDetail, error) {
	var (
		detail    analysis.ReportDetail
		status    string
		data      []byte
		jobID     *string
		jobStatus *string
		job       analysis.JobRef
	)
	err := s.pool.QueryRow(ctx, getReportQuery, reportID, teamID).Scan(
		&detail.ID,
		&detail.SiteID,
		&detail.CrawlJobID,
		&detail.Title,
		&detail.Summary,
		&data,
		&status,
		&detail.ArtifactURI,
		&detail.CreatedAt,
		&detail.UpdatedAt,
		&detail.Site.ID,
		&detail.Site.URL,
		&detail.Site.Name,
		&detail.Site.Description,
		&jobID,
		&jobStatus,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.ReportDetail{}, analysis.ErrNotFound
	}
	if err != nil {
		return analysis.ReportDetail{}, fmt.Errorf("get report: %w", err)
	}
	detail.Status = analysis.ReportStatus(status)
	if detail.Data, err = unmarshalJSON(data); err != nil {
		return analysis.ReportDetail{}, fmt.Errorf("report data: %w", err)
	}
	if jobID != nil {
		job.ID = *jobID
		if jobStatus != nil {
			job.Status = analysis.JobStatus(*jobStatus)
		}
		detail.CrawlJob = &job
	}
	return detail, nil
}
